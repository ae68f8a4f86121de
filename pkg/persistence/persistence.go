// Package persistence provides the data storage abstraction layer for
// workflow definitions, execution instances, and the rule catalogue.
package persistence

import (
	"context"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// Persistence aggregates the repositories of one storage backend.
type Persistence interface {
	WorkflowRepository() WorkflowRepository
	InstanceRepository() InstanceRepository
	RuleRepository() RuleRepository
	LeadRepository() LeadRepository
	JoinArrivalRepository() JoinArrivalRepository
	ScheduleRepository() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// ListWorkflowsOptions filters and pages workflow listings.
type ListWorkflowsOptions struct {
	Status  *models.WorkflowStatus
	OwnerID string
	Limit   int
	Offset  int
}

// WorkflowRepository stores versioned workflow definitions. Each definition
// ID names one immutable version; WorkflowGroupID links versions together.
type WorkflowRepository interface {
	Save(ctx context.Context, def *models.WorkflowDefinition) error
	GetByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	List(ctx context.Context, opts ListWorkflowsOptions) ([]*models.WorkflowDefinition, error)
	ListActive(ctx context.Context) ([]*models.WorkflowDefinition, error)

	// GetActiveByGroup returns the currently active version of a group, or
	// nil when the group has no active version.
	GetActiveByGroup(ctx context.Context, groupID string) (*models.WorkflowDefinition, error)

	Delete(ctx context.Context, id string) error
}

// InstanceRepository stores execution instances and their step history.
type InstanceRepository interface {
	// Save writes the instance using compare-and-swap on its Revision:
	// the write only lands when the stored revision still matches, and on
	// success both the stored and the in-memory revision are incremented.
	// A mismatch returns ErrStaleInstance, so two processes mutating the
	// same instance cannot silently overwrite each other.
	Save(ctx context.Context, instance *models.ExecutionInstance) error

	GetByID(ctx context.Context, id string) (*models.ExecutionInstance, error)

	// FindByLeadAndWorkflow returns the most recent instance binding the
	// lead to any version of the given workflow group.
	FindByLeadAndWorkflow(ctx context.Context, leadID, workflowGroupID string) (*models.ExecutionInstance, error)

	// ListByLead returns all of a lead's instances, newest first.
	ListByLead(ctx context.Context, leadID string) ([]*models.ExecutionInstance, error)

	// ListWaitingByLead returns non-terminal instances of a lead that are
	// waiting on an engagement signal or scheduled transition.
	ListWaitingByLead(ctx context.Context, leadID string) ([]*models.ExecutionInstance, error)
}

// RuleRepository stores the follow-up rule catalogue with live counters.
type RuleRepository interface {
	Save(ctx context.Context, rule *models.FollowUpRule) error
	GetByID(ctx context.Context, id string) (*models.FollowUpRule, error)
	ListEnabled(ctx context.Context) ([]*models.FollowUpRule, error)
}

// LeadRepository provides lead snapshots. Condition evaluation always reads
// through this interface so snapshots are never stale.
type LeadRepository interface {
	Save(ctx context.Context, lead *models.Lead) error
	GetByID(ctx context.Context, id string) (*models.Lead, error)
}

// JoinArrivalRepository persists join-node barrier state per (instance, node)
// so arrivals survive restarts.
type JoinArrivalRepository interface {
	Get(ctx context.Context, instanceID, nodeID string) (*models.JoinArrival, error)
	Save(ctx context.Context, arrival *models.JoinArrival) error
	Delete(ctx context.Context, instanceID, nodeID string) error
}

// ScheduleRepository stores recurring schedules backing scheduled trigger
// nodes, queried by a central poller.
type ScheduleRepository interface {
	Save(ctx context.Context, schedule *models.RecurringSchedule) error
	Due(ctx context.Context, now time.Time) ([]*models.RecurringSchedule, error)
	DeleteByWorkflow(ctx context.Context, workflowID string) error
}
