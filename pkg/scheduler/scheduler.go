package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/scheduler/queue"
)

// fallbackScanInterval bounds how long the scheduler sleeps when the timer
// math is wrong or a backend write raced the wake computation.
const fallbackScanInterval = time.Minute

// FireFunc is invoked when a transition comes due. The scheduler has already
// confirmed the owning instance is still live.
type FireFunc func(ctx context.Context, transition *models.PendingTransition) error

// Scheduler drives delayed transitions: it persists them in a durable queue,
// wakes when the earliest entry is due, and hands live entries to the
// execution engine. A restart replays overdue entries oldest first.
type Scheduler struct {
	queue     queue.TransitionQueue
	instances persistence.InstanceRepository
	hours     BusinessHours
	fire      FireFunc
	logger    *slog.Logger

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewScheduler(q queue.TransitionQueue, instances persistence.InstanceRepository, fire FireFunc, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		queue:     q,
		instances: instances,
		hours:     DefaultBusinessHours(),
		fire:      fire,
		logger:    logger.With("module", "scheduler"),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// WithBusinessHours overrides the default Monday-Friday 09:00-17:00 window.
func (s *Scheduler) WithBusinessHours(hours BusinessHours) *Scheduler {
	s.hours = hours

	return s
}

// Schedule enqueues a transition due after delay, replacing any pending
// transition for the same instance node. Parallel branches park on distinct
// nodes, so their entries coexist. When businessHoursOnly is set the due
// time shifts forward into the lead's next open window.
func (s *Scheduler) Schedule(ctx context.Context, instanceID, nodeID string, delay time.Duration, businessHoursOnly bool, timezone string) (*models.PendingTransition, error) {
	now := time.Now().UTC()
	dueAt := s.hours.ResolveDue(now.Add(delay), businessHoursOnly, timezone)

	transition := &models.PendingTransition{
		ID:         uuid.New().String(),
		InstanceID: instanceID,
		NodeID:     nodeID,
		DueAt:      dueAt,
		EnqueuedAt: now,
	}

	if err := s.queue.Enqueue(ctx, transition); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Scheduled transition",
		"instance_id", instanceID, "node_id", nodeID, "due_at", dueAt)

	s.poke()

	return transition, nil
}

// Cancel drops the pending transition for the instance, if any. Cancelling an
// instance whose transition is mid-fire is still safe: the fire path re-checks
// instance status before executing.
func (s *Scheduler) Cancel(ctx context.Context, instanceID string) error {
	return s.queue.Cancel(ctx, instanceID)
}

// Start replays overdue entries, then runs the wake loop until Stop or
// context cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.InfoContext(ctx, "Starting scheduler")

	s.sweep(ctx)

	s.wg.Add(1)

	go s.run(ctx)

	return nil
}

func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.InfoContext(ctx, "Stopping scheduler")

	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.untilNextDue(ctx))

		select {
		case <-s.stopCh:
			timer.Stop()

			return
		case <-ctx.Done():
			timer.Stop()

			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}

		s.sweep(ctx)
	}
}

// untilNextDue returns the sleep before the next scan, capped by the
// fallback interval so a missed wake can only delay a fire, not lose it.
func (s *Scheduler) untilNextDue(ctx context.Context) time.Duration {
	next, err := s.queue.NextDue(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read queue head", "error", err)

		return fallbackScanInterval
	}

	if next == nil {
		return fallbackScanInterval
	}

	wait := time.Until(next.DueAt)
	if wait < 0 {
		wait = 0
	}

	if wait > fallbackScanInterval {
		wait = fallbackScanInterval
	}

	return wait
}

// sweep fires every due transition oldest first. Entries whose instance was
// cancelled, paused, or finished in the meantime are dropped without firing.
func (s *Scheduler) sweep(ctx context.Context) {
	due, corrupted, err := s.queue.Due(ctx, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to read due transitions", "error", err)

		return
	}

	for _, instanceID := range corrupted {
		s.quarantine(ctx, instanceID)
	}

	for _, transition := range due {
		s.fireOne(ctx, transition)
	}
}

func (s *Scheduler) fireOne(ctx context.Context, transition *models.PendingTransition) {
	instance, err := s.instances.GetByID(ctx, transition.InstanceID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load instance for due transition",
			"instance_id", transition.InstanceID, "error", err)

		if persistence.IsInstanceNotFound(err) {
			_ = s.queue.Remove(ctx, transition.InstanceID, transition.NodeID, transition.ID)
		}

		return
	}

	if instance.Status != models.InstanceStatusWaiting || !instance.IsWaitingAt(transition.NodeID) {
		s.logger.InfoContext(ctx, "Dropping transition without a parked token",
			"instance_id", instance.ID, "node_id", transition.NodeID, "status", instance.Status)

		_ = s.queue.Remove(ctx, transition.InstanceID, transition.NodeID, transition.ID)

		return
	}

	if err := s.fire(ctx, transition); err != nil {
		s.logger.ErrorContext(ctx, "Transition fire failed",
			"instance_id", transition.InstanceID, "node_id", transition.NodeID, "error", err)

		return
	}

	// Removal is keyed on the transition ID so a reschedule that raced the
	// fire keeps its newer entry.
	if err := s.queue.Remove(ctx, transition.InstanceID, transition.NodeID, transition.ID); err != nil {
		s.logger.ErrorContext(ctx, "Failed to remove fired transition",
			"instance_id", transition.InstanceID, "error", err)
	}
}

// quarantine pauses an instance whose queue entry could not be parsed.
func (s *Scheduler) quarantine(ctx context.Context, instanceID string) {
	recoveryErr := &RecoveryError{InstanceID: instanceID, Reason: "corrupted queue entry"}
	s.logger.ErrorContext(ctx, "Quarantining instance", "error", recoveryErr)

	instance, err := s.instances.GetByID(ctx, instanceID)
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to load instance for quarantine",
			"instance_id", instanceID, "error", err)

		return
	}

	if instance.Status.IsTerminal() {
		return
	}

	instance.Status = models.InstanceStatusPaused
	instance.FailureReason = recoveryErr.Error()
	instance.UpdatedAt = time.Now().UTC()

	if err := s.instances.Save(ctx, instance); err != nil {
		s.logger.ErrorContext(ctx, "Failed to pause quarantined instance",
			"instance_id", instanceID, "error", err)
	}
}

func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
