package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Type identifies a fleet lifecycle event.
type Type string

const (
	TaskQueued       Type = "queued"
	WorkerRegistered Type = "registered"
	WorkerHeartbeat  Type = "heartbeat"
	TaskStarted      Type = "started"
	TaskCompleted    Type = "completed"
	TaskFailed       Type = "failed"
	EscalationNeeded Type = "escalation_needed"
)

// Event is a fire-and-forget lifecycle notification. Delivery is
// at-most-once with no ordering guarantee; nothing in the core depends
// on an event arriving.
type Event struct {
	ID       string         `json:"id"`
	Type     Type           `json:"type"`
	TaskID   string         `json:"task_id,omitempty"`
	WorkerID string         `json:"worker_id,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// New builds an event with a fresh ID and timestamp.
func New(typ Type, taskID, workerID string, fields map[string]any) *Event {
	return &Event{
		ID:       uuid.New().String(),
		Type:     typ,
		TaskID:   taskID,
		WorkerID: workerID,
		Fields:   fields,
		At:       time.Now(),
	}
}

// Publisher delivers events to observers. Implementations must never
// block the caller; a failed publish is the publisher's problem.
type Publisher interface {
	Publish(ctx context.Context, ev *Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, *Event) error { return nil }

// Multi fans a publish out to several publishers. Errors are collected
// but the first publisher's failure never stops the rest.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, ev *Event) error {
	var firstErr error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Bus is an in-process event bus with bounded, non-blocking delivery.
// A subscriber that falls behind loses events rather than stalling
// scheduling; drops are counted and logged.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan *Event
	bufSize int
	closed  bool
	dropped atomic.Int64
	logger  *zap.Logger
}

// NewBus creates a bus whose subscriber channels buffer up to bufSize events.
func NewBus(bufSize int, logger *zap.Logger) *Bus {
	if bufSize <= 0 {
		bufSize = 256
	}
	return &Bus{bufSize: bufSize, logger: logger}
}

// Subscribe returns a channel that receives future events. The channel
// is closed when the bus closes.
func (b *Bus) Subscribe() <-chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufSize)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers ev to every subscriber without blocking. Full
// subscriber buffers drop the event.
func (b *Bus) Publish(_ context.Context, ev *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event dropped on backpressure",
				zap.String("type", string(ev.Type)),
				zap.String("task", ev.TaskID))
		}
	}
	return nil
}

// Dropped returns how many events were lost to slow subscribers.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes all subscriber channels. Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
