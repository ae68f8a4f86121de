package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcrm/nurture/pkg/eventbus"
	"github.com/flowcrm/nurture/pkg/events"
	"github.com/flowcrm/nurture/pkg/models"
)

func newInMemoryBus() eventbus.EventBus {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})

	return eventbus.NewWatermillEventBus(pubSub, pubSub)
}

func TestWatermillEventBusRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newInMemoryBus()
	received := make(chan *events.TouchDispatched, 1)

	err := bus.Handle(events.TouchDispatchedEvent, func(_ context.Context, event interface{}) error {
		touch, ok := event.(*events.TouchDispatched)
		require.True(t, ok)
		received <- touch

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	published := events.TouchDispatched{
		BaseEvent:  events.NewBaseEvent(events.TouchDispatchedEvent, "wf-1"),
		InstanceID: "inst-1",
		LeadID:     "lead-1",
		NodeID:     "action-1",
		Channel:    models.ChannelEmail,
		Outcome:    models.OutcomeDelivered,
	}
	require.NoError(t, bus.Publish(ctx, "inst-1", published))

	select {
	case got := <-received:
		assert.Equal(t, "inst-1", got.InstanceID)
		assert.Equal(t, models.ChannelEmail, got.Channel)
		assert.Equal(t, events.TouchDispatchedEvent, got.GetType())
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}
}

func TestWatermillEventBusIgnoresUnhandledTypes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := newInMemoryBus()
	received := make(chan struct{}, 1)

	err := bus.Handle(events.InstanceCompletedEvent, func(_ context.Context, _ interface{}) error {
		received <- struct{}{}

		return nil
	})
	require.NoError(t, err)
	require.NoError(t, bus.Subscribe(ctx))

	// A type with no handler is acked and dropped.
	require.NoError(t, bus.Publish(ctx, "inst-1", events.InstanceStarted{
		BaseEvent: events.NewBaseEvent(events.InstanceStartedEvent, "wf-1"),
	}))

	select {
	case <-received:
		t.Fatal("handler fired for an unsubscribed event type")
	case <-time.After(200 * time.Millisecond):
	}
}
