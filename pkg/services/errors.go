// Package services provides workflow authoring, publishing, and validation.
package services

import (
	"errors"
	"fmt"

	"github.com/flowcrm/nurture/pkg/persistence"
)

// Business logic errors surfaced to API clients.
var (
	ErrWorkflowNotFound = persistence.ErrWorkflowNotFound

	ErrWorkflowNameRequired = errors.New("workflow name is required")
	ErrNodesRequired        = errors.New("workflow must have at least one node")
	ErrTriggerNodeRequired  = errors.New("workflow must have at least one enabled trigger node")
	ErrWorkflowNil          = errors.New("workflow cannot be nil")
	ErrInvalidGraph         = errors.New("workflow graph is invalid")

	ErrCannotModifyPublished = errors.New("cannot modify published workflow version")
	ErrNotDraft              = errors.New("only draft workflows can be published")
)

// GraphErrorKind classifies a single graph validation failure.
type GraphErrorKind string

const (
	GraphErrorCycle          GraphErrorKind = "cycle"
	GraphErrorDanglingEdge   GraphErrorKind = "dangling_edge"
	GraphErrorInvalidConfig  GraphErrorKind = "invalid_node_config"
	GraphErrorBranchLabel    GraphErrorKind = "branch_label"
	GraphErrorTriggerInbound GraphErrorKind = "trigger_inbound"
)

// GraphError is one validation failure attributed to a node or connection.
type GraphError struct {
	Kind         GraphErrorKind `json:"kind"`
	NodeID       string         `json:"node_id,omitempty"`
	ConnectionID string         `json:"connection_id,omitempty"`
	Detail       string         `json:"detail"`
}

func (e GraphError) Error() string {
	target := e.NodeID
	if target == "" {
		target = e.ConnectionID
	}

	if target == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}

	return fmt.Sprintf("%s at %s: %s", e.Kind, target, e.Detail)
}

// ValidationResult aggregates the graph errors found at publish time.
type ValidationResult struct {
	Errors []GraphError `json:"errors"`
}

// Valid reports whether the graph passed validation.
func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) add(kind GraphErrorKind, nodeID, connectionID, detail string) {
	r.Errors = append(r.Errors, GraphError{
		Kind:         kind,
		NodeID:       nodeID,
		ConnectionID: connectionID,
		Detail:       detail,
	})
}

// IsValidationError checks if an error should map to HTTP 400.
func IsValidationError(err error) bool {
	var graphErr GraphError

	return errors.Is(err, ErrWorkflowNameRequired) ||
		errors.Is(err, ErrNodesRequired) ||
		errors.Is(err, ErrTriggerNodeRequired) ||
		errors.Is(err, ErrWorkflowNil) ||
		errors.Is(err, ErrInvalidGraph) ||
		errors.As(err, &graphErr)
}

// IsConflictError checks if an error should map to HTTP 409.
func IsConflictError(err error) bool {
	return errors.Is(err, ErrCannotModifyPublished) || errors.Is(err, ErrNotDraft)
}
