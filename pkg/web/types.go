// Package web provides the HTTP API over workflow authoring, trigger
// ingestion, instance inspection, and analytics.
package web

import (
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// CreateWorkflowRequest is the body for creating a new draft definition.
// Nodes and connections may be supplied up front or patched in later; the
// graph is only validated at publish time.
type CreateWorkflowRequest struct {
	Name        string               `json:"name"        validate:"required,min=3"`
	Description string               `json:"description"`
	Owner       string               `json:"owner"`
	Nodes       []*models.Node       `json:"nodes,omitempty"`
	Connections []*models.Connection `json:"connections,omitempty"`
}

// UpdateWorkflowRequest supports partial updates of a draft definition.
type UpdateWorkflowRequest struct {
	Name        *string              `json:"name,omitempty" validate:"omitempty,min=3"`
	Description *string              `json:"description,omitempty"`
	Nodes       []*models.Node       `json:"nodes,omitempty"`
	Connections []*models.Connection `json:"connections,omitempty"`
}

// TriggerRequest is an inbound lead event.
type TriggerRequest struct {
	LeadID    string         `json:"lead_id"    validate:"required"`
	EventType string         `json:"event_type" validate:"required"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EngagementRequest is a channel provider webhook reporting a lead response.
type EngagementRequest struct {
	LeadID   string `json:"lead_id"  validate:"required"`
	Response string `json:"response" validate:"required,oneof=opened clicked replied bounced no_reply"`
	StepID   string `json:"step_id,omitempty"`
}

// CancelInstanceRequest carries the operator's cancellation reason.
type CancelInstanceRequest struct {
	Reason string `json:"reason"`
}

// InstanceResponse is the API view of an execution instance.
type InstanceResponse struct {
	ID              string                `json:"id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion int                   `json:"workflow_version"`
	LeadID          string                `json:"lead_id"`
	Status          models.InstanceStatus `json:"status"`
	CurrentNodeID   string                `json:"current_node_id"`
	Steps           []models.StepRecord   `json:"steps"`
	NextScheduledAt *time.Time            `json:"next_scheduled_at,omitempty"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	CreatedAt       time.Time             `json:"created_at"`
	UpdatedAt       time.Time             `json:"updated_at"`
}

// TransformInstanceResponse maps an instance onto its API view.
func TransformInstanceResponse(instance *models.ExecutionInstance) InstanceResponse {
	return InstanceResponse{
		ID:              instance.ID,
		WorkflowID:      instance.WorkflowID,
		WorkflowVersion: instance.WorkflowVersion,
		LeadID:          instance.LeadID,
		Status:          instance.Status,
		CurrentNodeID:   instance.CurrentNodeID,
		Steps:           instance.Steps,
		NextScheduledAt: instance.NextScheduledAt,
		FailureReason:   instance.FailureReason,
		CreatedAt:       instance.CreatedAt,
		UpdatedAt:       instance.UpdatedAt,
	}
}
