package notify

import (
	"context"
	"fmt"

	"github.com/mkrh/fleetd/internal/events"
	"go.uber.org/zap"
)

// Adapter delivers an operator alert to one destination platform.
type Adapter interface {
	Name() string
	Alert(ctx context.Context, ev *events.Event) error
}

// Notifier watches the event stream and pushes failures and escalations
// to the registered adapters. A broken adapter is logged and skipped;
// alerting never feeds back into scheduling.
type Notifier struct {
	adapters []Adapter
	logger   *zap.Logger
}

// New creates a notifier with no adapters registered.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// Register adds a destination adapter.
func (n *Notifier) Register(a Adapter) {
	n.adapters = append(n.adapters, a)
	n.logger.Info("notify adapter registered", zap.String("adapter", a.Name()))
}

// Adapters returns the names of registered adapters.
func (n *Notifier) Adapters() []string {
	names := make([]string, len(n.adapters))
	for i, a := range n.adapters {
		names[i] = a.Name()
	}
	return names
}

// alertworthy picks the event types operators care about.
func alertworthy(typ events.Type) bool {
	return typ == events.TaskFailed || typ == events.EscalationNeeded
}

// Run consumes events until the channel closes or the context is
// cancelled. Intended to be launched on its own goroutine.
func (n *Notifier) Run(ctx context.Context, ch <-chan *events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if !alertworthy(ev.Type) {
				continue
			}
			n.dispatch(ctx, ev)
		}
	}
}

func (n *Notifier) dispatch(ctx context.Context, ev *events.Event) {
	for _, a := range n.adapters {
		if err := a.Alert(ctx, ev); err != nil {
			n.logger.Warn("alert delivery failed",
				zap.String("adapter", a.Name()),
				zap.String("type", string(ev.Type)),
				zap.Error(err))
		}
	}
}

// Format renders an event as a one-line operator alert.
func Format(ev *events.Event) string {
	switch ev.Type {
	case events.EscalationNeeded:
		if reason, ok := ev.Fields["reason"].(string); ok {
			return fmt.Sprintf("⚠️ escalation needed: task %s (%s)", ev.TaskID, reason)
		}
		return fmt.Sprintf("⚠️ escalation needed: task %s", ev.TaskID)
	case events.TaskFailed:
		errMsg, _ := ev.Fields["error"].(string)
		return fmt.Sprintf("❌ task %s failed on worker %s: %s", ev.TaskID, ev.WorkerID, errMsg)
	}
	return fmt.Sprintf("fleet event %s: task=%s worker=%s", ev.Type, ev.TaskID, ev.WorkerID)
}
