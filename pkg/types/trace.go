package types

// TraceInfo is the information a tracing DSL step attaches to a span.
type TraceInfo struct {
	OperationName string                 `json:"operation_name,omitempty"`
	Tags          map[string]interface{} `json:"tags,omitempty"`
	Events        []TraceEvent           `json:"events,omitempty"`
}

// TraceEvent is a log entry added to a span by the tracing DSL step.
type TraceEvent struct {
	Name        string                 `json:"name"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	TimestampMs int64                  `json:"timestamp_ms,omitempty"`
}
