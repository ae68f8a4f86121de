package models

import "time"

// PendingTransition is one scheduled instance advance in the durable queue.
// At most one pending transition exists per instance; enqueuing a new one
// cancels any prior entry for that instance.
type PendingTransition struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id" validate:"required"`
	NodeID     string    `json:"node_id"     validate:"required"`
	DueAt      time.Time `json:"due_at"      validate:"required"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Overdue reports whether the transition should already have fired.
func (t *PendingTransition) Overdue(now time.Time) bool {
	return !t.DueAt.After(now)
}

// TriggerEvent is an inbound external event that creates or advances
// instances.
type TriggerEvent struct {
	LeadID    string         `json:"lead_id"    validate:"required"`
	EventType string         `json:"event_type" validate:"required"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// RecurringSchedule is the persisted entry behind a scheduled trigger node:
// a cron expression plus a precomputed next due time so a central poller can
// query due schedules without per-schedule timers.
type RecurringSchedule struct {
	ID             string    `json:"id"              validate:"required"`
	WorkflowID     string    `json:"workflow_id"     validate:"required"`
	NodeID         string    `json:"node_id"         validate:"required"`
	CronExpression string    `json:"cron_expression" validate:"required"`
	NextDueAt      time.Time `json:"next_due_at"`
	Active         bool      `json:"active"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}
