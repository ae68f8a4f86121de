package cmd

import (
	"context"
	"log/slog"

	"github.com/flowcrm/nurture/pkg/analytics"
	"github.com/flowcrm/nurture/pkg/eventbus"
	"github.com/flowcrm/nurture/pkg/events"
)

// NewAnalytics builds a collector and registers it for the dispatch and
// engagement events it aggregates.
func NewAnalytics(bus eventbus.EventSubscriber, logger *slog.Logger) *analytics.Collector {
	collector := analytics.NewCollector(logger)

	handler := func(ctx context.Context, event any) error {
		busEvent, ok := event.(eventbus.Event)
		if !ok {
			return nil
		}

		return collector.HandleEvent(ctx, busEvent)
	}

	for _, eventType := range []events.EventType{
		events.TouchDispatchedEvent,
		events.TouchFailedEvent,
		events.EngagementReceivedEvent,
	} {
		if err := bus.Handle(eventType, handler); err != nil {
			panic(err)
		}
	}

	return collector
}
