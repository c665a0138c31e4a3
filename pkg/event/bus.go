// Package event provides the in-process event bus consumed by external
// governance and observability subscribers: run lifecycle, step failures,
// breaker transitions and integrity grades. Delivery is synchronous on the
// emitter's goroutine; handlers that need to do slow work must hand off to
// their own queue.
package event

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type names an emitted event.
type Type string

const (
	TypeRunStarted    Type = "run.started"
	TypeRunCompleted  Type = "run.completed"
	TypeStepFailed    Type = "step.failed"
	TypeBreakerOpened Type = "breaker.opened"
	TypeBreakerClosed Type = "breaker.closed"
	TypeGradeComputed Type = "integrity.grade_computed"
	TypeRunReclaimed  Type = "run.reclaimed"
)

// Event is one emitted fact.
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	RunID     string         `json:"run_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Handler consumes events on the emitter's goroutine. Handlers must return
// quickly; slow consumers buffer on their own side.
type Handler func(Event)

// Bus fans events out to subscribers, invoking each handler synchronously.
// A panicking subscriber is isolated and cannot abort the executing worker.
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
	all      []Handler
	clock    func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Subscribe registers a handler for one event type.
func (b *Bus) Subscribe(t Type, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[t] = append(b.handlers[t], h)
}

// SubscribeAll registers a handler for every event type.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Emit publishes one event to all matching subscribers.
func (b *Bus) Emit(t Type, runID string, payload map[string]any) Event {
	evt := Event{
		ID:        uuid.NewString(),
		Type:      t,
		RunID:     runID,
		Payload:   payload,
		CreatedAt: b.clock().UTC(),
	}

	b.mu.RLock()
	targets := make([]Handler, 0, len(b.handlers[t])+len(b.all))
	targets = append(targets, b.handlers[t]...)
	targets = append(targets, b.all...)
	b.mu.RUnlock()

	for _, h := range targets {
		func() {
			defer func() { _ = recover() }()
			h(evt)
		}()
	}
	return evt
}
