// Package eventbus provides event-driven communication between the API,
// workers, and analytics consumers.
package eventbus

import (
	"context"

	"github.com/flowcrm/nurture/pkg/events"
)

type Event interface {
	GetType() events.EventType
}

// EventPublisher is the engine-facing half of the bus; key is the partition
// key, normally the workflow or lead ID so one instance's events stay ordered.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event Event) error
}

// EventSubscriber registers typed handlers, then starts consuming. Handlers
// registered after Subscribe are not picked up.
type EventSubscriber interface {
	Handle(eventType events.EventType, handler EventHandler) error
	Subscribe(ctx context.Context) error
}

type EventHandler func(ctx context.Context, event any) error

type EventBus interface {
	EventPublisher
	EventSubscriber
	Close() error
	GenerateID() string
}
