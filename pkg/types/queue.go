package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Task is the unit of work a queue item schedules.
type Task interface {
	DisplayName() string
	URL() string
}

// TaskWithNode is implemented by tasks scheduled on behalf of an execution
// node, such as the slot allocation of a node block.
type TaskWithNode interface {
	Task
	Node() NodeRef
}

// NodeRef points at a node of a specific execution.
type NodeRef struct {
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
}

// JobTask is a task that starts a whole run.
type JobTask struct {
	Name string
	Link string
}

func (t JobTask) DisplayName() string { return t.Name }
func (t JobTask) URL() string         { return t.Link }

// PlaceholderTask is a task created by a running execution to obtain a slot
// for one of its blocks.
type PlaceholderTask struct {
	Name string
	Link string
	Ref  NodeRef
}

func (t PlaceholderTask) DisplayName() string { return t.Name }
func (t PlaceholderTask) URL() string         { return t.Link }
func (t PlaceholderTask) Node() NodeRef       { return t.Ref }

// CauseKindUser marks a cause triggered by a user.
const CauseKindUser = "user"

// Cause records why a queue item was scheduled.
type Cause struct {
	Kind        string `json:"kind"`
	UserName    string `json:"user_name,omitempty"`
	Description string `json:"description,omitempty"`
}

// ParseCause parses the compact "kind:value" form, e.g. "user:alice".
func ParseCause(s string) Cause {
	kind, value, found := strings.Cut(s, ":")
	if !found {
		return Cause{Kind: s}
	}
	if kind == CauseKindUser {
		return Cause{Kind: kind, UserName: value}
	}
	return Cause{Kind: kind, Description: value}
}

// UnmarshalJSON accepts either the object form or the compact string form.
func (c *Cause) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = ParseCause(s)
		return nil
	}
	type plain Cause
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*c = Cause(p)
	return nil
}

// QueueItem is one unit of work awaiting an execution slot.
type QueueItem struct {
	ID        int64
	Task      Task
	Causes    []Cause
	Blockage  string
	Cancelled bool
	Link      string
}

// Username returns the name of the first user cause.
func (i *QueueItem) Username() (string, bool) {
	for _, c := range i.Causes {
		if c.Kind == CauseKindUser && c.UserName != "" {
			return c.UserName, true
		}
	}
	return "", false
}

// TaskName returns the display name of the item's task.
func (i *QueueItem) TaskName() string {
	if i.Task == nil {
		return fmt.Sprintf("item %d", i.ID)
	}
	return i.Task.DisplayName()
}

type queueTaskWire struct {
	Name string   `json:"name"`
	URL  string   `json:"url,omitempty"`
	Node *NodeRef `json:"node,omitempty"`
}

type queueItemWire struct {
	ID        int64          `json:"id"`
	Task      *queueTaskWire `json:"task,omitempty"`
	Causes    []Cause        `json:"causes,omitempty"`
	Blockage  string         `json:"blockage,omitempty"`
	Cancelled bool           `json:"cancelled,omitempty"`
	URL       string         `json:"url,omitempty"`
}

// MarshalJSON encodes the item with its task flattened.
func (i QueueItem) MarshalJSON() ([]byte, error) {
	w := queueItemWire{
		ID:        i.ID,
		Causes:    i.Causes,
		Blockage:  i.Blockage,
		Cancelled: i.Cancelled,
		URL:       i.Link,
	}
	if i.Task != nil {
		w.Task = &queueTaskWire{Name: i.Task.DisplayName(), URL: i.Task.URL()}
		if tn, ok := i.Task.(TaskWithNode); ok {
			ref := tn.Node()
			w.Task.Node = &ref
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes an item, choosing the task type from the presence of
// a node reference.
func (i *QueueItem) UnmarshalJSON(data []byte) error {
	var w queueItemWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*i = QueueItem{
		ID:        w.ID,
		Causes:    w.Causes,
		Blockage:  w.Blockage,
		Cancelled: w.Cancelled,
		Link:      w.URL,
	}
	if w.Task != nil {
		if w.Task.Node != nil && w.Task.Node.NodeID != "" {
			i.Task = PlaceholderTask{Name: w.Task.Name, Link: w.Task.URL, Ref: *w.Task.Node}
		} else {
			i.Task = JobTask{Name: w.Task.Name, Link: w.Task.URL}
		}
	}
	return nil
}
