package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// Workflow handles definition authoring. Draft versions are editable;
// anything published is immutable and edits go through a new draft.
type Workflow struct {
	persistence persistence.Persistence
}

// NewWorkflow creates a new workflow service.
func NewWorkflow(persistence persistence.Persistence) *Workflow {
	return &Workflow{persistence: persistence}
}

// HealthCheck checks the health of the persistence layer.
func (w *Workflow) HealthCheck(ctx context.Context) (string, bool) {
	if w.persistence == nil {
		return "Persistence layer not initialized", false
	}

	if err := w.persistence.HealthCheck(ctx); err != nil {
		return "Persistence layer is unhealthy: " + err.Error(), false
	}

	return "Persistence layer is healthy", true
}

// List retrieves definitions with filtering and pagination.
func (w *Workflow) List(ctx context.Context, opts persistence.ListWorkflowsOptions) ([]*models.WorkflowDefinition, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.Offset < 0 {
		opts.Offset = 0
	}

	return w.persistence.WorkflowRepository().List(ctx, opts)
}

// FetchByID retrieves a definition version by its ID.
func (w *Workflow) FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	def, err := w.persistence.WorkflowRepository().GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if def == nil {
		return nil, ErrWorkflowNotFound
	}

	return def, nil
}

// Create adds a new draft definition.
func (w *Workflow) Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	if def == nil {
		return nil, ErrWorkflowNil
	}

	if def.Name == "" {
		return nil, ErrWorkflowNameRequired
	}

	now := time.Now().UTC()
	def.ID = uuid.New().String()

	if def.WorkflowGroupID == "" {
		def.WorkflowGroupID = uuid.New().String()
	}

	if def.Version == 0 {
		def.Version = 1
	}

	def.Status = models.WorkflowStatusDraft
	def.CreatedAt = now
	def.UpdatedAt = now

	if err := w.persistence.WorkflowRepository().Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}

	return def, nil
}

// Update modifies a draft definition. Published versions are immutable.
func (w *Workflow) Update(ctx context.Context, workflowID string, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error) {
	existing, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing.Status != models.WorkflowStatusDraft {
		return nil, ErrCannotModifyPublished
	}

	def.ID = existing.ID
	def.WorkflowGroupID = existing.WorkflowGroupID
	def.Version = existing.Version
	def.Status = models.WorkflowStatusDraft
	def.CreatedAt = existing.CreatedAt
	def.UpdatedAt = time.Now().UTC()

	if err := w.persistence.WorkflowRepository().Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to update workflow: %w", err)
	}

	return def, nil
}

// NewDraftFrom creates the next draft version of a published definition.
func (w *Workflow) NewDraftFrom(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	existing, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if existing.Status == models.WorkflowStatusDraft {
		return existing, nil
	}

	now := time.Now().UTC()
	draft := *existing
	draft.ID = uuid.New().String()
	draft.Version = existing.Version + 1
	draft.Status = models.WorkflowStatusDraft
	draft.PublishedAt = nil
	draft.CreatedAt = now
	draft.UpdatedAt = now

	if err := w.persistence.WorkflowRepository().Save(ctx, &draft); err != nil {
		return nil, fmt.Errorf("failed to create draft: %w", err)
	}

	return &draft, nil
}

// Pause stops an active definition from accepting new instances. In-flight
// instances keep running against their bound version.
func (w *Workflow) Pause(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	return w.setStatus(ctx, workflowID, models.WorkflowStatusActive, models.WorkflowStatusPaused)
}

// Resume returns a paused definition to active.
func (w *Workflow) Resume(ctx context.Context, workflowID string) (*models.WorkflowDefinition, error) {
	return w.setStatus(ctx, workflowID, models.WorkflowStatusPaused, models.WorkflowStatusActive)
}

func (w *Workflow) setStatus(ctx context.Context, workflowID string, from, to models.WorkflowStatus) (*models.WorkflowDefinition, error) {
	def, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	if def.Status != from {
		return nil, fmt.Errorf("workflow %s is %s, expected %s: %w", workflowID, def.Status, from, ErrCannotModifyPublished)
	}

	def.Status = to
	def.UpdatedAt = time.Now().UTC()

	if err := w.persistence.WorkflowRepository().Save(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to update workflow status: %w", err)
	}

	return def, nil
}

// Delete removes a draft definition. Published versions cannot be deleted,
// only retired, so instance history stays resolvable.
func (w *Workflow) Delete(ctx context.Context, workflowID string) error {
	def, err := w.FetchByID(ctx, workflowID)
	if err != nil {
		return err
	}

	if def.Status != models.WorkflowStatusDraft {
		return ErrCannotModifyPublished
	}

	if err := w.persistence.WorkflowRepository().Delete(ctx, workflowID); err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}

	return nil
}
