package cmd

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/flowcrm/nurture/pkg/channels/kafka"
	"github.com/flowcrm/nurture/pkg/eventbus"
)

// NewEventBus creates the event bus for a binary. Kafka is the production
// provider; "memory" runs an in-process channel for single-binary setups.
func NewEventBus(provider, serviceName string, logger *slog.Logger) eventbus.EventBus {
	switch provider {
	case "kafka":
		pub, sub, err := kafka.CreateChannel(watermill.NewSlogLogger(logger), serviceName)
		if err != nil {
			panic(fmt.Errorf("failed to create Kafka pub/sub: %w", err))
		}

		return eventbus.NewWatermillEventBus(pub, sub)
	case "memory":
		pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NewSlogLogger(logger))

		return eventbus.NewWatermillEventBus(pubSub, pubSub)
	default:
		panic("unsupported event bus provider: " + provider)
	}
}
