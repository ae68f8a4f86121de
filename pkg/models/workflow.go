// Package models defines the core domain models for lead nurture workflow automation.
package models

import "time"

// WorkflowStatus represents the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft   WorkflowStatus = "draft"   // Editable, not executable
	WorkflowStatusActive  WorkflowStatus = "active"  // Published, executable
	WorkflowStatusPaused  WorkflowStatus = "paused"  // Published but not accepting new instances
	WorkflowStatusRetired WorkflowStatus = "retired" // Superseded by a newer published version
)

// WorkflowDefinition is a versioned graph of nodes and connections driving a
// nurture sequence. Once published, a version is immutable; edits create a new
// draft version in the same workflow group.
type WorkflowDefinition struct {
	ID              string         `json:"id"`
	WorkflowGroupID string         `json:"workflow_group_id"` // Stable ID linking all versions
	Name            string         `json:"name"               validate:"required,min=3"`
	Description     string         `json:"description"`
	Version         int            `json:"version"`
	Status          WorkflowStatus `json:"status"             validate:"required"`
	Nodes           []*Node        `json:"nodes"`
	Connections     []*Connection  `json:"connections"`
	Owner           string         `json:"owner"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	PublishedAt     *time.Time     `json:"published_at,omitempty"`
}

// NodeByID resolves a node within this definition version.
func (w *WorkflowDefinition) NodeByID(nodeID string) (*Node, bool) {
	for _, node := range w.Nodes {
		if node.ID == nodeID {
			return node, true
		}
	}

	return nil, false
}

// OutgoingConnections returns every connection leaving the given node, in
// definition order.
func (w *WorkflowDefinition) OutgoingConnections(nodeID string) []*Connection {
	var out []*Connection

	for _, conn := range w.Connections {
		if conn.FromNodeID == nodeID {
			out = append(out, conn)
		}
	}

	return out
}

// IncomingConnections returns every connection entering the given node.
func (w *WorkflowDefinition) IncomingConnections(nodeID string) []*Connection {
	var in []*Connection

	for _, conn := range w.Connections {
		if conn.ToNodeID == nodeID {
			in = append(in, conn)
		}
	}

	return in
}

// TriggerNodes returns the enabled trigger nodes of the definition.
func (w *WorkflowDefinition) TriggerNodes() []*Node {
	var triggers []*Node

	for _, node := range w.Nodes {
		if node.Type == NodeTypeTrigger && node.Enabled {
			triggers = append(triggers, node)
		}
	}

	return triggers
}

// IsExecutable reports whether new instances may be created from this version.
func (w *WorkflowDefinition) IsExecutable() bool {
	return w.Status == WorkflowStatusActive
}
