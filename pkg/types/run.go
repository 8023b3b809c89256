// Package types provides shared types for the pipeline tracing service.
package types

// Result is the final outcome of a run.
type Result string

const (
	ResultSuccess  Result = "SUCCESS"
	ResultUnstable Result = "UNSTABLE"
	ResultFailure  Result = "FAILURE"
	ResultNotBuilt Result = "NOT_BUILT"
	ResultAborted  Result = "ABORTED"
)

// IsSuccess reports whether the result counts as a successful run.
func (r Result) IsSuccess() bool {
	return r == ResultSuccess
}

// Run identifies one pipeline run as reported by the run source.
type Run struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Number      int    `json:"number"`
	QueueID     int64  `json:"queue_id,omitempty"`
	ExecutionID string `json:"execution_id,omitempty"`
	URL         string `json:"url,omitempty"`
}

// RunTrace describes the top-level span of a run for API consumers.
type RunTrace struct {
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
	Link    string `json:"link,omitempty"`
}
