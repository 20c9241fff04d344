package analytics

import "context"

// JobID identifies a query job on the analytics engine
type JobID string

// JobState is the lifecycle state of a query job
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
	JobFailed  JobState = "FAILED"
)

// Terminal reports whether the job has stopped running
func (s JobState) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// JobStatus is the result of polling a job
type JobStatus struct {
	State JobState
	// Error carries the engine's failure payload when State is JobFailed
	Error string
}

// Row is a single result row; values are in column order
type Row []any

// Page is one page of results
type Page struct {
	Columns       []string
	Rows          []Row
	NextPageToken string
}

// Query is a parameterized query. Args are bound by the engine and never
// interpolated into SQL.
type Query struct {
	SQL  string
	Args []any
}

// Engine is the boundary to an asynchronous columnar analytics engine
type Engine interface {
	// Submit starts a query job
	Submit(ctx context.Context, q Query) (JobID, error)
	// Poll returns the current state of a job
	Poll(ctx context.Context, id JobID) (JobStatus, error)
	// Fetch returns the result page identified by pageToken ("" for the first page)
	Fetch(ctx context.Context, id JobID, pageToken string) (Page, error)
}
