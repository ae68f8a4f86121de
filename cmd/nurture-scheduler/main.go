// Package main provides the nurture scheduler, which polls recurring
// schedules and announces due fires on the event bus.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/flowcrm/nurture/pkg/cmd"
	"github.com/flowcrm/nurture/pkg/events"
	"github.com/flowcrm/nurture/pkg/log"
	"github.com/flowcrm/nurture/pkg/models"
	"github.com/flowcrm/nurture/pkg/scheduler"
)

func main() {
	command := &cli.Command{
		Name:                  "nurture-scheduler",
		EnableShellCompletion: true,
		Usage:                 "Poll recurring schedules and publish due fires",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, memory)",
				Value:   "kafka",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "How often to check for due schedules",
				Value:   30 * time.Second,
				Sources: cli.EnvVars("POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"))

			logger := log.WithModule("nurture-scheduler")

			logger.InfoContext(ctx, "Initializing Nurture Scheduler")

			eventBus := cmd.NewEventBus(command.String("event-bus"), "nurture-scheduler", logger)
			defer func() {
				if err := eventBus.Close(); err != nil {
					logger.ErrorContext(ctx, "Failed to close event bus", "error", err)
				}
			}()

			persist := cmd.NewPersistence(ctx, logger, command.String("database-url"))
			defer func() {
				if err := persist.Close(ctx); err != nil {
					logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
				}
			}()

			fire := func(ctx context.Context, schedule *models.RecurringSchedule) error {
				event := events.WorkflowScheduleFired{
					BaseEvent:  events.NewBaseEvent(events.WorkflowScheduleFiredEvent, schedule.WorkflowID),
					ScheduleID: schedule.ID,
					NodeID:     schedule.NodeID,
					FiredAt:    time.Now().UTC(),
				}

				return eventBus.Publish(ctx, schedule.WorkflowID, event)
			}

			poller := scheduler.NewSchedulePoller(persist.ScheduleRepository(), fire, logger).
				WithInterval(command.Duration("poll-interval"))

			poller.Start(ctx)
			defer poller.Stop()

			logger.InfoContext(ctx, "Scheduler started successfully")

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			<-sigChan
			logger.InfoContext(ctx, "Shutting down scheduler...")

			return nil
		},
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}
