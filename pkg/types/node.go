package types

import "fmt"

// NodeKind is the closed set of execution graph node kinds.
type NodeKind string

const (
	NodeKindAtom       NodeKind = "atom"
	NodeKindBlockStart NodeKind = "block_start"
	NodeKindBlockEnd   NodeKind = "block_end"
)

// Valid reports whether k is one of the known node kinds.
func (k NodeKind) Valid() bool {
	switch k {
	case NodeKindAtom, NodeKindBlockStart, NodeKindBlockEnd:
		return true
	default:
		return false
	}
}

// ExecutionNode is a node in one execution's graph.
type ExecutionNode struct {
	ID           string   `json:"id"`
	ExecutionID  string   `json:"execution_id"`
	Kind         NodeKind `json:"kind"`
	DisplayName  string   `json:"display_name,omitempty"`
	FunctionName string   `json:"function_name,omitempty"`

	// StartNodeID is set on block ends and names the matching block start.
	StartNodeID string `json:"start_node_id,omitempty"`

	// Enclosing lists the enclosing block starts, innermost first.
	Enclosing []string `json:"enclosing,omitempty"`

	URL         string `json:"url,omitempty"`
	StartMillis int64  `json:"start_ms,omitempty"`
	EndMillis   int64  `json:"end_ms,omitempty"`

	Error *NodeError `json:"error,omitempty"`

	// QueueItemID is set on blocks that allocated a slot through the queue.
	QueueItemID int64 `json:"queue_item_id,omitempty"`

	// Metadata is attached by the engine after the step has run.
	Metadata *NodeMetadata `json:"metadata,omitempty"`
}

// NodeError is the error payload of a failed node.
type NodeError struct {
	Message string `json:"message"`
}

// NodeMetadata carries post-execution information about a step.
type NodeMetadata struct {
	Arguments          map[string]interface{} `json:"arguments,omitempty"`
	SensitiveArguments []string               `json:"sensitive_arguments,omitempty"`
	StageName          string                 `json:"stage_name,omitempty"`
	Tags               map[string]string      `json:"tags,omitempty"`
}

// FilteredArguments returns the declared arguments without the sensitive ones.
func (m *NodeMetadata) FilteredArguments() map[string]interface{} {
	if m == nil || len(m.Arguments) == 0 {
		return nil
	}
	hidden := make(map[string]bool, len(m.SensitiveArguments))
	for _, name := range m.SensitiveArguments {
		hidden[name] = true
	}
	out := make(map[string]interface{}, len(m.Arguments))
	for k, v := range m.Arguments {
		if hidden[k] {
			continue
		}
		out[k] = v
	}
	return out
}

// EnclosingBlock returns the innermost enclosing block start id.
func (n *ExecutionNode) EnclosingBlock() (string, bool) {
	if len(n.Enclosing) == 0 {
		return "", false
	}
	return n.Enclosing[0], true
}

// Validate checks the fields every node event must carry.
func (n *ExecutionNode) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if n.ExecutionID == "" {
		return fmt.Errorf("node %s: execution id is required", n.ID)
	}
	if !n.Kind.Valid() {
		return fmt.Errorf("node %s: unknown kind %q", n.ID, n.Kind)
	}
	if n.Kind == NodeKindBlockEnd && n.StartNodeID == "" {
		return fmt.Errorf("node %s: block end without start node", n.ID)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with n.
func (n *ExecutionNode) Clone() *ExecutionNode {
	c := *n
	c.Enclosing = append([]string(nil), n.Enclosing...)
	if n.Error != nil {
		e := *n.Error
		c.Error = &e
	}
	if n.Metadata != nil {
		c.Metadata = n.Metadata.clone()
	}
	return &c
}

// Merge folds information reported after the node was created into n.
// Identity fields (id, execution, kind) never change.
func (n *ExecutionNode) Merge(update *ExecutionNode) {
	if update == nil {
		return
	}
	if update.DisplayName != "" {
		n.DisplayName = update.DisplayName
	}
	if update.FunctionName != "" {
		n.FunctionName = update.FunctionName
	}
	if update.StartNodeID != "" {
		n.StartNodeID = update.StartNodeID
	}
	if len(update.Enclosing) > 0 {
		n.Enclosing = append([]string(nil), update.Enclosing...)
	}
	if update.URL != "" {
		n.URL = update.URL
	}
	if update.StartMillis != 0 {
		n.StartMillis = update.StartMillis
	}
	if update.EndMillis != 0 {
		n.EndMillis = update.EndMillis
	}
	if update.Error != nil {
		e := *update.Error
		n.Error = &e
	}
	if update.QueueItemID != 0 {
		n.QueueItemID = update.QueueItemID
	}
	if update.Metadata != nil {
		n.Metadata = update.Metadata.clone()
	}
}

func (m *NodeMetadata) clone() *NodeMetadata {
	c := &NodeMetadata{
		StageName:          m.StageName,
		SensitiveArguments: append([]string(nil), m.SensitiveArguments...),
	}
	if m.Arguments != nil {
		c.Arguments = make(map[string]interface{}, len(m.Arguments))
		for k, v := range m.Arguments {
			c.Arguments[k] = v
		}
	}
	if m.Tags != nil {
		c.Tags = make(map[string]string, len(m.Tags))
		for k, v := range m.Tags {
			c.Tags[k] = v
		}
	}
	return c
}
