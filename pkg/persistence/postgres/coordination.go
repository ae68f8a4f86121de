package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
)

// JoinArrivalRepository persists join barrier state keyed by instance and
// node so branch arrivals survive restarts.
type JoinArrivalRepository struct {
	db *sql.DB
}

func (r *JoinArrivalRepository) Get(ctx context.Context, instanceID, nodeID string) (*models.JoinArrival, error) {
	var (
		arrival     models.JoinArrival
		arrivedFrom []byte
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT instance_id, node_id, arrived_from, first_arrival, updated_at
		FROM join_arrivals WHERE instance_id = $1 AND node_id = $2`,
		instanceID, nodeID).
		Scan(&arrival.InstanceID, &arrival.NodeID, &arrivedFrom,
			&arrival.FirstArrival, &arrival.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to get join arrival %s/%s: %w", instanceID, nodeID, err)
	}

	if err := json.Unmarshal(arrivedFrom, &arrival.ArrivedFrom); err != nil {
		return nil, fmt.Errorf("failed to decode join arrival %s/%s: %w", instanceID, nodeID, err)
	}

	return &arrival, nil
}

func (r *JoinArrivalRepository) Save(ctx context.Context, arrival *models.JoinArrival) error {
	arrivedFrom, err := json.Marshal(arrival.ArrivedFrom)
	if err != nil {
		return fmt.Errorf("failed to encode join arrival: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO join_arrivals (instance_id, node_id, arrived_from, first_arrival, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (instance_id, node_id) DO UPDATE SET
			arrived_from = EXCLUDED.arrived_from,
			updated_at = EXCLUDED.updated_at`,
		arrival.InstanceID, arrival.NodeID, arrivedFrom, arrival.FirstArrival, arrival.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save join arrival %s/%s: %w", arrival.InstanceID, arrival.NodeID, err)
	}

	return nil
}

func (r *JoinArrivalRepository) Delete(ctx context.Context, instanceID, nodeID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM join_arrivals WHERE instance_id = $1 AND node_id = $2",
		instanceID, nodeID)
	if err != nil {
		return fmt.Errorf("failed to delete join arrival %s/%s: %w", instanceID, nodeID, err)
	}

	return nil
}

// ScheduleRepository stores recurring schedules behind scheduled trigger
// nodes. The poller queries by due time.
type ScheduleRepository struct {
	db *sql.DB
}

const scheduleColumns = `id, workflow_id, node_id, cron_expression, next_due_at,
	active, created_at, updated_at`

func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.RecurringSchedule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO recurring_schedules (`+scheduleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			cron_expression = EXCLUDED.cron_expression,
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at`,
		schedule.ID, schedule.WorkflowID, schedule.NodeID, schedule.CronExpression,
		schedule.NextDueAt, schedule.Active, schedule.CreatedAt, schedule.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule %s: %w", schedule.ID, err)
	}

	return nil
}

func (r *ScheduleRepository) Due(ctx context.Context, now time.Time) ([]*models.RecurringSchedule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+scheduleColumns+` FROM recurring_schedules
		WHERE active = TRUE AND next_due_at <= $1
		ORDER BY next_due_at`,
		now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	schedules := []*models.RecurringSchedule{}

	for rows.Next() {
		var schedule models.RecurringSchedule

		err := rows.Scan(&schedule.ID, &schedule.WorkflowID, &schedule.NodeID,
			&schedule.CronExpression, &schedule.NextDueAt, &schedule.Active,
			&schedule.CreatedAt, &schedule.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to list due schedules: %w", err)
		}

		schedules = append(schedules, &schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}

	return schedules, nil
}

func (r *ScheduleRepository) DeleteByWorkflow(ctx context.Context, workflowID string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM recurring_schedules WHERE workflow_id = $1", workflowID)
	if err != nil {
		return fmt.Errorf("failed to delete schedules for workflow %s: %w", workflowID, err)
	}

	return nil
}
