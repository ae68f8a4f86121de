package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// Publishing turns validated drafts into immutable active versions.
type Publishing struct {
	persistence persistence.Persistence
}

// NewPublishing creates a new publishing service.
func NewPublishing(persistence persistence.Persistence) *Publishing {
	return &Publishing{persistence: persistence}
}

// Publish validates a draft and activates it. The previously active version
// of the same group, if any, is retired; its in-flight instances keep their
// bound version. Returns the validation result when the graph is invalid.
func (p *Publishing) Publish(ctx context.Context, workflowID string) (*models.WorkflowDefinition, *ValidationResult, error) {
	def, err := p.persistence.WorkflowRepository().GetByID(ctx, workflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if def == nil {
		return nil, nil, ErrWorkflowNotFound
	}

	if def.Status != models.WorkflowStatusDraft {
		return nil, nil, ErrNotDraft
	}

	if err := p.validateBasics(def); err != nil {
		return nil, nil, err
	}

	result := ValidateGraph(def)
	if !result.Valid() {
		return nil, result, ErrInvalidGraph
	}

	// Retire the currently active version of this group.
	current, err := p.persistence.WorkflowRepository().GetActiveByGroup(ctx, def.WorkflowGroupID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to look up active version: %w", err)
	}

	if current != nil {
		current.Status = models.WorkflowStatusRetired
		current.UpdatedAt = time.Now().UTC()

		if err := p.persistence.WorkflowRepository().Save(ctx, current); err != nil {
			return nil, nil, fmt.Errorf("failed to retire version %d: %w", current.Version, err)
		}
	}

	now := time.Now().UTC()
	def.Status = models.WorkflowStatusActive
	def.PublishedAt = &now
	def.UpdatedAt = now

	if err := p.persistence.WorkflowRepository().Save(ctx, def); err != nil {
		return nil, nil, fmt.Errorf("failed to publish workflow: %w", err)
	}

	if err := p.registerSchedules(ctx, def); err != nil {
		return nil, nil, err
	}

	return def, result, nil
}

// registerSchedules creates recurring schedule entries for scheduled trigger
// nodes of a freshly published definition and drops those of retired ones.
func (p *Publishing) registerSchedules(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := p.persistence.ScheduleRepository().DeleteByWorkflow(ctx, def.ID); err != nil {
		return fmt.Errorf("failed to clear schedules: %w", err)
	}

	for _, node := range def.TriggerNodes() {
		if node.Trigger.Kind != models.TriggerKindScheduled {
			continue
		}

		schedule, err := models.NewRecurringSchedule(uuid.New().String(), def.ID, node.ID, node.Trigger.Schedule)
		if err != nil {
			return GraphError{
				Kind:   GraphErrorInvalidConfig,
				NodeID: node.ID,
				Detail: fmt.Sprintf("invalid cron expression: %v", err),
			}
		}

		if err := p.persistence.ScheduleRepository().Save(ctx, schedule); err != nil {
			return fmt.Errorf("failed to save schedule for node %s: %w", node.ID, err)
		}
	}

	return nil
}

func (p *Publishing) validateBasics(def *models.WorkflowDefinition) error {
	if def.Name == "" {
		return ErrWorkflowNameRequired
	}

	if len(def.Nodes) == 0 {
		return ErrNodesRequired
	}

	if len(def.TriggerNodes()) == 0 {
		return ErrTriggerNodeRequired
	}

	return nil
}
