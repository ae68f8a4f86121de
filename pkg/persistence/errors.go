// Package persistence provides standardized error types for persistence operations.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrWorkflowNotFound indicates a workflow definition was not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInstanceNotFound indicates an execution instance was not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrRuleNotFound indicates a follow-up rule was not found.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrLeadNotFound indicates a lead record was not found.
	ErrLeadNotFound = errors.New("lead not found")

	// ErrImmutableWorkflow indicates an attempt to modify a published version.
	ErrImmutableWorkflow = errors.New("published workflow version is immutable")

	// ErrStaleInstance indicates an instance save lost a revision race to a
	// concurrent writer.
	ErrStaleInstance = errors.New("instance was modified by another writer")
)

// WorkflowError wraps workflow-related errors with additional context.
type WorkflowError struct {
	Op         string // Operation being performed (e.g., "GetByID", "Save")
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s operation failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewWorkflowError creates a new workflow error with context.
func NewWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// InstanceError wraps instance-related errors. Every execution failure is
// attributed to a specific (instance, node) pair for traceability.
type InstanceError struct {
	Op         string
	InstanceID string
	NodeID     string
	Err        error
}

func (e *InstanceError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s failed for instance %s at node %s: %v", e.Op, e.InstanceID, e.NodeID, e.Err)
	}

	return fmt.Sprintf("%s failed for instance %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *InstanceError) Unwrap() error {
	return e.Err
}

func (e *InstanceError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewInstanceError creates a new instance error with context.
func NewInstanceError(op, instanceID, nodeID string, err error) *InstanceError {
	return &InstanceError{Op: op, InstanceID: instanceID, NodeID: nodeID, Err: err}
}

// IsWorkflowNotFound checks if an error indicates a missing workflow.
func IsWorkflowNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsInstanceNotFound checks if an error indicates a missing instance.
func IsInstanceNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound)
}

// IsStaleInstance checks if an error indicates a lost revision race.
func IsStaleInstance(err error) bool {
	return errors.Is(err, ErrStaleInstance)
}

// IsNotFound checks if an error indicates any missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrLeadNotFound)
}
