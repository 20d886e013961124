package events

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBusDelivers(t *testing.T) {
	bus := NewBus(8, zap.NewNop())
	defer bus.Close()
	sub := bus.Subscribe()

	ev := New(TaskQueued, "t1", "", map[string]any{"priority": "high"})
	if err := bus.Publish(context.Background(), ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case got := <-sub:
		if got.Type != TaskQueued || got.TaskID != "t1" {
			t.Errorf("got %+v", got)
		}
		if got.ID == "" || got.At.IsZero() {
			t.Error("event missing id or timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("event never delivered")
	}
}

func TestBusDropsOnBackpressure(t *testing.T) {
	bus := NewBus(1, zap.NewNop())
	defer bus.Close()
	bus.Subscribe() // never drained

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		bus.Publish(ctx, New(TaskQueued, "t", "", nil))
	}

	if got := bus.Dropped(); got != 2 {
		t.Errorf("dropped = %d, want 2", got)
	}
}

func TestBusCloseEndsSubscribers(t *testing.T) {
	bus := NewBus(8, zap.NewNop())
	sub := bus.Subscribe()
	bus.Close()

	if _, ok := <-sub; ok {
		t.Error("subscriber channel still open after close")
	}
	// Publishing after close must not panic.
	if err := bus.Publish(context.Background(), New(TaskQueued, "t", "", nil)); err != nil {
		t.Errorf("publish after close: %v", err)
	}
}

func TestMultiKeepsGoingAfterFailure(t *testing.T) {
	bus := NewBus(8, zap.NewNop())
	defer bus.Close()
	sub := bus.Subscribe()

	multi := Multi{failingPublisher{}, bus}
	if err := multi.Publish(context.Background(), New(TaskFailed, "t1", "w1", nil)); err == nil {
		t.Error("expected error from failing publisher")
	}

	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("second publisher never reached")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *Event) error {
	return context.DeadlineExceeded
}
