package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrQueryTimeout is returned when a job does not finish within the client's MaxWait
	ErrQueryTimeout = errors.New("analytics query did not finish in time")

	// ErrJobNotFound is returned by engines for unknown or evicted job ids
	ErrJobNotFound = errors.New("analytics job not found")

	// ErrEngineUnavailable is returned while the circuit breaker is open
	ErrEngineUnavailable = errors.New("analytics engine unavailable")

	// ErrEngineClosed is returned by SQLEngine.Submit after Close
	ErrEngineClosed = errors.New("sql engine closed")
)

// QueryExecutionError reports a job the engine marked as failed.
// It is permanent and never retried by the client.
type QueryExecutionError struct {
	JobID   JobID
	Payload string
}

func (e *QueryExecutionError) Error() string {
	return fmt.Sprintf("analytics job %s failed: %s", e.JobID, e.Payload)
}
