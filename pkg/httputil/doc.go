// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, bundle)
//	httputil.WriteAccepted(w, "download stats are being computed", 5*time.Second)
//	httputil.WriteValidationError(w, "invalid project name")
//	httputil.WriteInternalError(w, err)
//
// # Request Parsing
//
//	project, ok := httputil.ParsePathStringOrError(w, r, "project")
//	if !ok {
//		return // Error response already written
//	}
//	version := httputil.OptionalPathString(r, "version")
//
// # Middleware
//
//	handler := httputil.Chain(
//		httputil.RequestIDMiddleware(logger),
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//	)(router)
package httputil
