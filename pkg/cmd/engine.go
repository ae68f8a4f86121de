package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/flowcrm/nurture/pkg/engine"
	"github.com/flowcrm/nurture/pkg/eventbus"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/persistence"
	"github.com/flowcrm/nurture/pkg/rules"
	"github.com/flowcrm/nurture/pkg/scheduler"
	"github.com/flowcrm/nurture/pkg/scheduler/queue"
)

// NewExecution builds an engine with its transition scheduler over a shared
// durable queue. The scheduler fires back into the engine, so the fire
// function is bound after construction.
func NewExecution(
	persist persistence.Persistence,
	bus eventbus.EventPublisher,
	workerID string,
	queueURL string,
	logger *slog.Logger,
) (*engine.Engine, *scheduler.Scheduler, error) {
	transitionQueue, err := queue.NewTransitionQueue(queueURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create transition queue: %w", err)
	}

	var eng *engine.Engine

	fire := func(ctx context.Context, transition *models.PendingTransition) error {
		return eng.Resume(ctx, transition)
	}

	sched := scheduler.NewScheduler(transitionQueue, persist.InstanceRepository(), fire, logger)
	eng = engine.NewEngine(persist, NewDispatcher(logger), rules.NewEngine(logger), sched, bus, workerID, logger)

	return eng, sched, nil
}
