package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers from a panic and logs it with a stack trace.
// Call it directly in a defer statement; the panic is not re-raised.
//
//	defer observability.RecoverPanic(logger, "window job")
func RecoverPanic(logger *Logger, context string) {
	if r := recover(); r != nil {
		logPanic(logger, context, r)
	}
}

// PanicError converts a recovered value into an error, logging the stack.
// It returns nil when r is nil.
//
//	defer func() {
//	    if perr := observability.PanicError(logger, "window job", recover()); perr != nil {
//	        err = perr
//	    }
//	}()
func PanicError(logger *Logger, context string, r interface{}) error {
	if r == nil {
		return nil
	}
	logPanic(logger, context, r)
	return fmt.Errorf("panic in %s: %v", context, r)
}

func logPanic(logger *Logger, context string, r interface{}) {
	if logger == nil {
		return
	}
	logger.WithField("panic", r).
		WithField("stack", string(debug.Stack())).
		WithField("context", context).
		Error("PANIC recovered")
}
