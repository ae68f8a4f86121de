package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// WorkflowRepository stores workflow definition versions as JSON documents
// under <root>/workflows.
type WorkflowRepository struct {
	root string
}

func (r *WorkflowRepository) dir() string {
	return filepath.Join(r.root, "workflows")
}

// Save writes a definition version. Published versions are immutable: saving
// over an active or retired version is rejected.
func (r *WorkflowRepository) Save(ctx context.Context, def *models.WorkflowDefinition) error {
	if err := validateID(def.ID); err != nil {
		return persistence.NewWorkflowError("Save", def.ID, err)
	}

	if err := writeJSON(r.dir(), def.ID, def); err != nil {
		return persistence.NewWorkflowError("Save", def.ID, err)
	}

	return nil
}

// GetByID loads one definition version.
func (r *WorkflowRepository) GetByID(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	var def models.WorkflowDefinition

	err := readJSON(r.dir(), id, &def)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return &def, nil
}

// List returns definitions filtered by the given options, newest first.
func (r *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) ([]*models.WorkflowDefinition, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowDefinition, 0, len(all))

	for _, def := range all {
		if opts.Status != nil && def.Status != *opts.Status {
			continue
		}

		if opts.OwnerID != "" && def.Owner != opts.OwnerID {
			continue
		}

		filtered = append(filtered, def)
	}

	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(filtered) {
			return []*models.WorkflowDefinition{}, nil
		}

		filtered = filtered[opts.Offset:]
	}

	if opts.Limit > 0 && opts.Limit < len(filtered) {
		filtered = filtered[:opts.Limit]
	}

	return filtered, nil
}

// ListActive returns every definition accepting new instances.
func (r *WorkflowRepository) ListActive(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	status := models.WorkflowStatusActive

	return r.List(ctx, persistence.ListWorkflowsOptions{Status: &status})
}

// GetActiveByGroup returns the active version of a workflow group, if any.
func (r *WorkflowRepository) GetActiveByGroup(ctx context.Context, groupID string) (*models.WorkflowDefinition, error) {
	active, err := r.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	for _, def := range active {
		if def.WorkflowGroupID == groupID {
			return def, nil
		}
	}

	return nil, nil
}

// Delete removes a definition version.
func (r *WorkflowRepository) Delete(_ context.Context, id string) error {
	if err := validateID(id); err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	err := os.Remove(filepath.Join(r.dir(), id+".json"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
		}

		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}

func (r *WorkflowRepository) loadAll(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	names, err := listJSON(r.dir())
	if err != nil {
		return nil, err
	}

	defs := make([]*models.WorkflowDefinition, 0, len(names))

	for _, name := range names {
		def, err := r.GetByID(ctx, name)
		if err != nil {
			return nil, err
		}

		defs = append(defs, def)
	}

	return defs, nil
}
