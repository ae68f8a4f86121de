package models

import (
	"time"

	"github.com/robfig/cron/v3"
)

// NewRecurringSchedule creates a schedule entry with its first due time
// computed from the cron expression.
func NewRecurringSchedule(id, workflowID, nodeID, cronExpression string) (*RecurringSchedule, error) {
	now := time.Now().UTC()
	schedule := &RecurringSchedule{
		ID:             id,
		WorkflowID:     workflowID,
		NodeID:         nodeID,
		CronExpression: cronExpression,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateNextDueAt advances the schedule to its next occurrence after now.
func (s *RecurringSchedule) UpdateNextDueAt() error {
	return s.calculateNextDueAt(time.Now().UTC())
}

// calculateNextDueAt parses the 5-field cron expression and computes the next
// occurrence after the reference time.
func (s *RecurringSchedule) calculateNextDueAt(referenceTime time.Time) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	cronSchedule, err := parser.Parse(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = cronSchedule.Next(referenceTime)
	s.UpdatedAt = time.Now().UTC()

	return nil
}
