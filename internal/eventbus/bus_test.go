package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchPriorityOrder(t *testing.T) {
	bus := New()
	var calls []string

	bus.Register(&HandlerFunc{
		Name: "second", Types: []EventType{EventWentOnline}, Order: 10,
		Callback: func(ctx context.Context, e *Event) error {
			calls = append(calls, "second")
			return nil
		},
	})
	bus.Register(&HandlerFunc{
		Name: "first", Types: []EventType{EventWentOnline}, Order: 1,
		Callback: func(ctx context.Context, e *Event) error {
			calls = append(calls, "first")
			return nil
		},
	})

	err := bus.Dispatch(context.Background(), &Event{Type: EventWentOnline, OccurredAt: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestDispatchSkipsNonMatching(t *testing.T) {
	bus := New()
	called := false
	bus.Register(&HandlerFunc{
		Name: "offline-only", Types: []EventType{EventWentOffline}, Order: 0,
		Callback: func(ctx context.Context, e *Event) error {
			called = true
			return nil
		},
	})

	require.NoError(t, bus.Dispatch(context.Background(), &Event{Type: EventWentOnline}))
	assert.False(t, called)
}

func TestDispatchContinuesPastHandlerError(t *testing.T) {
	bus := New()
	var calls int
	bus.Register(&HandlerFunc{
		Name: "failing", Types: []EventType{EventPushCompleted}, Order: 0,
		Callback: func(ctx context.Context, e *Event) error {
			calls++
			return fmt.Errorf("handler error")
		},
	})
	bus.Register(&HandlerFunc{
		Name: "after", Types: []EventType{EventPushCompleted}, Order: 1,
		Callback: func(ctx context.Context, e *Event) error {
			calls++
			return nil
		},
	})

	require.NoError(t, bus.Dispatch(context.Background(), &Event{Type: EventPushCompleted}))
	assert.Equal(t, 2, calls, "error must not stop the chain")
}

func TestDispatchNilEvent(t *testing.T) {
	assert.Error(t, New().Dispatch(context.Background(), nil))
}

func TestDispatchCancelledContext(t *testing.T) {
	bus := New()
	bus.Register(&HandlerFunc{
		Name: "h", Types: []EventType{EventWentOnline}, Order: 0,
		Callback: func(ctx context.Context, e *Event) error { return nil },
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, bus.Dispatch(ctx, &Event{Type: EventWentOnline}))
}
