package file

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// InstanceRepository stores execution instances under <root>/instances. The
// revision check in Save is serialized through a process-local mutex; the
// Postgres backend enforces the same check transactionally.
type InstanceRepository struct {
	root string
	mu   sync.Mutex
}

func (r *InstanceRepository) dir() string {
	return filepath.Join(r.root, "instances")
}

func (r *InstanceRepository) Save(_ context.Context, instance *models.ExecutionInstance) error {
	if err := validateID(instance.ID); err != nil {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var stored models.ExecutionInstance

	err := readJSON(r.dir(), instance.ID, &stored)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	if err == nil && stored.Revision != instance.Revision {
		return persistence.NewInstanceError("Save", instance.ID, "", persistence.ErrStaleInstance)
	}

	instance.Revision++

	if err := writeJSON(r.dir(), instance.ID, instance); err != nil {
		instance.Revision--

		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	return nil
}

func (r *InstanceRepository) GetByID(_ context.Context, id string) (*models.ExecutionInstance, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewInstanceError("GetByID", id, "", err)
	}

	var instance models.ExecutionInstance

	err := readJSON(r.dir(), id, &instance)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, persistence.NewInstanceError("GetByID", id, "", persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByID", id, "", err)
	}

	return &instance, nil
}

// FindByLeadAndWorkflow returns the newest instance for the lead within the
// workflow group, or nil when none exists.
func (r *InstanceRepository) FindByLeadAndWorkflow(ctx context.Context, leadID, workflowGroupID string) (*models.ExecutionInstance, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*models.ExecutionInstance

	for _, instance := range all {
		if instance.LeadID == leadID && (instance.WorkflowGroupID == workflowGroupID || instance.WorkflowID == workflowGroupID) {
			matches = append(matches, instance)
		}
	}

	if len(matches) == 0 {
		return nil, nil
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	return matches[0], nil
}

// ListByLead returns every instance of the lead, newest first.
func (r *InstanceRepository) ListByLead(ctx context.Context, leadID string) ([]*models.ExecutionInstance, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var matches []*models.ExecutionInstance

	for _, instance := range all {
		if instance.LeadID == leadID {
			matches = append(matches, instance)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	return matches, nil
}

// ListWaitingByLead returns the lead's instances waiting on a signal or
// scheduled transition.
func (r *InstanceRepository) ListWaitingByLead(ctx context.Context, leadID string) ([]*models.ExecutionInstance, error) {
	all, err := r.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	var waiting []*models.ExecutionInstance

	for _, instance := range all {
		if instance.LeadID == leadID && instance.Status == models.InstanceStatusWaiting {
			waiting = append(waiting, instance)
		}
	}

	sort.Slice(waiting, func(i, j int) bool {
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})

	return waiting, nil
}

func (r *InstanceRepository) loadAll(ctx context.Context) ([]*models.ExecutionInstance, error) {
	names, err := listJSON(r.dir())
	if err != nil {
		return nil, err
	}

	instances := make([]*models.ExecutionInstance, 0, len(names))

	for _, name := range names {
		instance, err := r.GetByID(ctx, name)
		if err != nil {
			return nil, err
		}

		instances = append(instances, instance)
	}

	return instances, nil
}
