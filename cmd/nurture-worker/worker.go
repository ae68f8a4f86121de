// Package main provides the nurture worker, which fires due transitions and
// resumes waiting instances.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/flowcrm/nurture/pkg/engine"
	"github.com/flowcrm/nurture/pkg/scheduler"
)

type Worker struct {
	id        string
	logger    *slog.Logger
	execution *engine.Engine
	scheduler *scheduler.Scheduler
}

func NewWorker(id string, execution *engine.Engine, sched *scheduler.Scheduler, logger *slog.Logger) *Worker {
	return &Worker{
		id:        id,
		logger:    logger.With("module", "nurture-worker", "worker_id", id),
		execution: execution,
		scheduler: sched,
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Starting worker", "worker_id", w.id)

	if err := w.scheduler.Start(ctx); err != nil {
		return err
	}

	w.logger.InfoContext(ctx, "Worker started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	w.logger.InfoContext(ctx, "Shutting down worker...")

	w.scheduler.Stop(ctx)

	return nil
}
