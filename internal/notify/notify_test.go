package notify

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mkrh/fleetd/internal/events"
	"go.uber.org/zap"
)

type fakeAdapter struct {
	mu     sync.Mutex
	alerts []*events.Event
}

func (f *fakeAdapter) Name() string { return "fake" }

func (f *fakeAdapter) Alert(_ context.Context, ev *events.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, ev)
	return nil
}

func (f *fakeAdapter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

func TestNotifierFiltersEvents(t *testing.T) {
	n := New(zap.NewNop())
	sink := &fakeAdapter{}
	n.Register(sink)

	ch := make(chan *events.Event, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		n.Run(ctx, ch)
		close(done)
	}()

	ch <- events.New(events.TaskQueued, "t1", "", nil)
	ch <- events.New(events.WorkerHeartbeat, "", "w1", nil)
	ch <- events.New(events.TaskFailed, "t2", "w1", map[string]any{"error": "boom"})
	ch <- events.New(events.EscalationNeeded, "t3", "", map[string]any{"reason": "timeout"})
	close(ch)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("notifier did not stop on channel close")
	}
	cancel()

	if got := sink.count(); got != 2 {
		t.Errorf("alerts = %d, want 2 (failed + escalation)", got)
	}
}

func TestFormat(t *testing.T) {
	esc := events.New(events.EscalationNeeded, "t1", "", map[string]any{"reason": "timeout"})
	if s := Format(esc); !strings.Contains(s, "t1") || !strings.Contains(s, "timeout") {
		t.Errorf("escalation format = %q", s)
	}

	failed := events.New(events.TaskFailed, "t2", "w9", map[string]any{"error": "boom"})
	if s := Format(failed); !strings.Contains(s, "t2") || !strings.Contains(s, "w9") || !strings.Contains(s, "boom") {
		t.Errorf("failed format = %q", s)
	}
}

func TestAdapterNames(t *testing.T) {
	n := New(zap.NewNop())
	n.Register(&fakeAdapter{})
	n.Register(NewSlackAdapter("xoxb-test", "C123", zap.NewNop()))

	names := n.Adapters()
	if len(names) != 2 || names[0] != "fake" || names[1] != "slack" {
		t.Errorf("adapters = %v", names)
	}
}
