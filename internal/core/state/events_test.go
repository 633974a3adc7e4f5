package state

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBus() *EventBus {
	return NewEventBus(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEventBusTypedHelpers(t *testing.T) {
	bus := newTestBus()
	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	bus.StreamState("connecting")
	bus.AuthState("authorized")
	bus.TreeReplaced(3)

	want := []Event{
		{Type: EventStreamState, Data: "connecting"},
		{Type: EventAuthState, Data: "authorized"},
		{Type: EventTreeReplaced, Data: 3},
	}
	for _, w := range want {
		evt := <-events
		assert.Equal(t, w.Type, evt.Type)
		assert.Equal(t, w.Data, evt.Data)
		assert.False(t, evt.Timestamp.IsZero())
	}
}

func TestEventBusReplaysLatestToLateSubscriber(t *testing.T) {
	bus := newTestBus()
	bus.TreeReplaced(2)
	bus.AuthState("pending")
	bus.StreamState("connecting")
	bus.StreamState("streaming")

	latest, ok := bus.Latest(EventStreamState)
	require.True(t, ok)
	assert.Equal(t, "streaming", latest.Data)
	_, ok = bus.Latest("unknown")
	assert.False(t, ok)

	events, unsubscribe := bus.Subscribe(8)
	defer unsubscribe()

	var got []Event
	for len(got) < 3 {
		got = append(got, <-events)
	}
	assert.Equal(t, EventStreamState, got[0].Type)
	assert.Equal(t, "streaming", got[0].Data)
	assert.Equal(t, EventAuthState, got[1].Type)
	assert.Equal(t, "pending", got[1].Data)
	assert.Equal(t, EventTreeReplaced, got[2].Type)
	assert.Equal(t, 2, got[2].Data)
	assert.Empty(t, events, "only the latest of each type is replayed")

	bus.AuthState("authorized")
	evt := <-events
	assert.Equal(t, "authorized", evt.Data)
}

func TestNilEventBusDiscards(t *testing.T) {
	var bus *EventBus
	assert.NotPanics(t, func() {
		bus.StreamState("streaming")
		bus.AuthState("authorized")
		bus.TreeReplaced(1)
		bus.Publish(Event{Type: EventStreamState})
	})
	_, ok := bus.Latest(EventStreamState)
	assert.False(t, ok)
}
