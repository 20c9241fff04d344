package stats

import (
	"errors"
	"fmt"
)

// ErrStatsPending signals that the requested statistics are being computed.
// Callers should retry after a short delay rather than treat it as a failure.
var ErrStatsPending = errors.New("download stats pending")

// ErrInvalidIdentifier is returned for project or version names that fail validation
var ErrInvalidIdentifier = errors.New("invalid identifier")

// MalformedResultError reports a window query whose result is not a single count
type MalformedResultError struct {
	Rows    int
	Columns int
	Reason  string
}

func (e *MalformedResultError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("malformed window result: %s", e.Reason)
	}
	return fmt.Sprintf("malformed window result: expected 1 row with 1 column, got %d rows with %d columns", e.Rows, e.Columns)
}
