package types

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Source names the producer of an event.
type Source string

const (
	SourceGraph Source = "graph"
	SourceQueue Source = "queue"
	SourceRun   Source = "run"
)

// EventType categorizes the kind of event within a source.
type EventType string

const (
	// Execution graph events
	EventTypeNodeObserved       EventType = "node_observed"
	EventTypeNodeUpdated        EventType = "node_updated"
	EventTypeExecutionCompleted EventType = "execution_completed"
	EventTypeTraceStep          EventType = "trace_step"

	// Queue events
	EventTypeEnter          EventType = "enter"
	EventTypeEnterWaiting   EventType = "enter_waiting"
	EventTypeLeaveWaiting   EventType = "leave_waiting"
	EventTypeEnterBlocked   EventType = "enter_blocked"
	EventTypeLeaveBlocked   EventType = "leave_blocked"
	EventTypeEnterBuildable EventType = "enter_buildable"
	EventTypeLeaveBuildable EventType = "leave_buildable"
	EventTypeLeft           EventType = "left"

	// Run events
	EventTypeRunStarted   EventType = "started"
	EventTypeRunCompleted EventType = "completed"
)

// Envelope is the wire form of every event consumed by the service.
type Envelope struct {
	Source      Source         `json:"source"`
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Node        *ExecutionNode `json:"node,omitempty"`
	Item        *QueueItem     `json:"item,omitempty"`
	Run         *Run           `json:"run,omitempty"`
	Result      Result         `json:"result,omitempty"`
	Trace       *TraceInfo     `json:"trace,omitempty"`
	Timestamp   int64          `json:"timestamp,omitempty"`
}

// String returns a short description for logs.
func (e *Envelope) String() string {
	return fmt.Sprintf("%s/%s", e.Source, e.Type)
}

// ParseEnvelopes decodes either a single envelope or a JSON array of them.
func ParseEnvelopes(data []byte) ([]*Envelope, error) {
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		var list []*Envelope
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("invalid envelope list: %w", err)
		}
		return list, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	return []*Envelope{&env}, nil
}
