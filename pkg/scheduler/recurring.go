package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
)

const defaultPollInterval = 30 * time.Second

// ScheduleFireFunc is invoked for each recurring schedule that comes due.
type ScheduleFireFunc func(ctx context.Context, schedule *models.RecurringSchedule) error

// SchedulePoller drives the recurring schedules behind scheduled trigger
// nodes. It polls the repository rather than holding per-schedule timers, so
// schedules registered by other processes are picked up without coordination.
type SchedulePoller struct {
	schedules persistence.ScheduleRepository
	fire      ScheduleFireFunc
	interval  time.Duration
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewSchedulePoller(schedules persistence.ScheduleRepository, fire ScheduleFireFunc, logger *slog.Logger) *SchedulePoller {
	return &SchedulePoller{
		schedules: schedules,
		fire:      fire,
		interval:  defaultPollInterval,
		logger:    logger.With("module", "schedule-poller"),
		stopCh:    make(chan struct{}),
	}
}

// WithInterval overrides the poll interval.
func (p *SchedulePoller) WithInterval(interval time.Duration) *SchedulePoller {
	if interval > 0 {
		p.interval = interval
	}

	return p
}

func (p *SchedulePoller) Start(ctx context.Context) {
	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.Poll(ctx)
			}
		}
	}()
}

func (p *SchedulePoller) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

// Poll fires every due schedule once and advances its next due time. A
// schedule whose cron expression no longer parses is left in place and
// logged; it will not fire again until repaired.
func (p *SchedulePoller) Poll(ctx context.Context) {
	due, err := p.schedules.Due(ctx, time.Now().UTC())
	if err != nil {
		p.logger.ErrorContext(ctx, "Failed to query due schedules", "error", err)

		return
	}

	for _, schedule := range due {
		if !schedule.Active {
			continue
		}

		if err := p.fire(ctx, schedule); err != nil {
			p.logger.ErrorContext(ctx, "Schedule fire failed",
				"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID, "error", err)

			continue
		}

		if err := schedule.UpdateNextDueAt(); err != nil {
			p.logger.ErrorContext(ctx, "Failed to advance schedule",
				"schedule_id", schedule.ID, "cron", schedule.CronExpression, "error", err)

			continue
		}

		if err := p.schedules.Save(ctx, schedule); err != nil {
			p.logger.ErrorContext(ctx, "Failed to persist schedule",
				"schedule_id", schedule.ID, "error", err)

			continue
		}

		p.logger.InfoContext(ctx, "Schedule fired",
			"schedule_id", schedule.ID, "workflow_id", schedule.WorkflowID,
			"next_due_at", schedule.NextDueAt)
	}
}
