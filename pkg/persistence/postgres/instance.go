package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

// InstanceRepository stores execution instances. Step history and rule usage
// travel as JSONB documents on the instance row.
type InstanceRepository struct {
	db *sql.DB
}

const instanceColumns = `id, workflow_id, workflow_group_id, workflow_version, lead_id,
	status, current_node_id, steps, rule_usage, dispatch_attempts,
	next_scheduled_at, cancelled_at, failure_reason, created_at, updated_at,
	waiting_nodes, revision`

// Save is a compare-and-swap on the revision column: the update only lands
// while the stored revision still matches the caller's copy. A concurrent
// writer makes the guard fail and the save reports ErrStaleInstance.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.ExecutionInstance) error {
	steps, err := json.Marshal(instance.Steps)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	ruleUsage, err := json.Marshal(instance.RuleUsage)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	waitingNodes, err := json.Marshal(instance.WaitingNodes)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO execution_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			current_node_id = EXCLUDED.current_node_id,
			steps = EXCLUDED.steps,
			rule_usage = EXCLUDED.rule_usage,
			dispatch_attempts = EXCLUDED.dispatch_attempts,
			next_scheduled_at = EXCLUDED.next_scheduled_at,
			cancelled_at = EXCLUDED.cancelled_at,
			failure_reason = EXCLUDED.failure_reason,
			updated_at = EXCLUDED.updated_at,
			waiting_nodes = EXCLUDED.waiting_nodes,
			revision = EXCLUDED.revision
		WHERE execution_instances.revision = $18`,
		instance.ID, instance.WorkflowID, instance.WorkflowGroupID, instance.WorkflowVersion,
		instance.LeadID, instance.Status, instance.CurrentNodeID, steps, ruleUsage,
		instance.DispatchAttempts, instance.NextScheduledAt, instance.CancelledAt,
		instance.FailureReason, instance.CreatedAt, instance.UpdatedAt,
		waitingNodes, instance.Revision+1, instance.Revision,
	)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, "", err)
	}

	if affected == 0 {
		return persistence.NewInstanceError("Save", instance.ID, "", persistence.ErrStaleInstance)
	}

	instance.Revision++

	return nil
}

func (r *InstanceRepository) GetByID(ctx context.Context, id string) (*models.ExecutionInstance, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+instanceColumns+" FROM execution_instances WHERE id = $1", id)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("GetByID", id, "", persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("GetByID", id, "", err)
	}

	return instance, nil
}

func (r *InstanceRepository) FindByLeadAndWorkflow(ctx context.Context, leadID, workflowGroupID string) (*models.ExecutionInstance, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+instanceColumns+` FROM execution_instances
		WHERE lead_id = $1 AND (workflow_group_id = $2 OR workflow_id = $2)
		ORDER BY created_at DESC LIMIT 1`,
		leadID, workflowGroupID)

	instance, err := scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, persistence.NewInstanceError("FindByLeadAndWorkflow", leadID, "", err)
	}

	return instance, nil
}

func (r *InstanceRepository) ListByLead(ctx context.Context, leadID string) ([]*models.ExecutionInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM execution_instances
		WHERE lead_id = $1
		ORDER BY created_at DESC`,
		leadID)
	if err != nil {
		return nil, persistence.NewInstanceError("ListByLead", leadID, "", err)
	}
	defer func() { _ = rows.Close() }()

	instances := []*models.ExecutionInstance{}

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, persistence.NewInstanceError("ListByLead", leadID, "", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewInstanceError("ListByLead", leadID, "", err)
	}

	return instances, nil
}

func (r *InstanceRepository) ListWaitingByLead(ctx context.Context, leadID string) ([]*models.ExecutionInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM execution_instances
		WHERE lead_id = $1 AND status = $2
		ORDER BY created_at DESC`,
		leadID, string(models.InstanceStatusWaiting))
	if err != nil {
		return nil, persistence.NewInstanceError("ListWaitingByLead", leadID, "", err)
	}
	defer func() { _ = rows.Close() }()

	instances := []*models.ExecutionInstance{}

	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, persistence.NewInstanceError("ListWaitingByLead", leadID, "", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewInstanceError("ListWaitingByLead", leadID, "", err)
	}

	return instances, nil
}

func scanInstance(row rowScanner) (*models.ExecutionInstance, error) {
	var (
		instance     models.ExecutionInstance
		steps        []byte
		ruleUsage    []byte
		waitingNodes []byte
	)

	err := row.Scan(&instance.ID, &instance.WorkflowID, &instance.WorkflowGroupID,
		&instance.WorkflowVersion, &instance.LeadID, &instance.Status,
		&instance.CurrentNodeID, &steps, &ruleUsage, &instance.DispatchAttempts,
		&instance.NextScheduledAt, &instance.CancelledAt, &instance.FailureReason,
		&instance.CreatedAt, &instance.UpdatedAt, &waitingNodes, &instance.Revision)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(steps, &instance.Steps); err != nil {
		return nil, fmt.Errorf("failed to decode steps: %w", err)
	}

	if len(ruleUsage) > 0 {
		if err := json.Unmarshal(ruleUsage, &instance.RuleUsage); err != nil {
			return nil, fmt.Errorf("failed to decode rule usage: %w", err)
		}
	}

	if len(waitingNodes) > 0 {
		if err := json.Unmarshal(waitingNodes, &instance.WaitingNodes); err != nil {
			return nil, fmt.Errorf("failed to decode waiting nodes: %w", err)
		}
	}

	return &instance, nil
}
