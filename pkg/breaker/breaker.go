// Package breaker implements a per-action circuit breaker with centrally
// stored state: one worker's observed outage protects every other worker's
// next attempt.
//
// State machine: closed -> open -> half_open -> closed. The breaker opens
// after N failures inside a sliding window; while open, calls fail fast;
// after a cooldown exactly one trial call is admitted; trial success closes
// the breaker, trial failure reopens it and resets the cooldown.
//
// Application code never holds breaker state in local memory — all state
// lives behind the Store interface.
package breaker

import (
	"context"
	"sync"
	"time"
)

// State is the breaker position for one action.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Decision is the admission result for one call.
type Decision string

const (
	// DecisionAllow admits the call normally.
	DecisionAllow Decision = "allow"
	// DecisionTrial admits the single half-open trial call.
	DecisionTrial Decision = "trial"
	// DecisionShortCircuit rejects the call without invoking the action.
	DecisionShortCircuit Decision = "short_circuit"
)

// Store is the shared, atomically-updated breaker state backend.
type Store interface {
	// Acquire decides admission for one call, transitioning open ->
	// half_open when the cooldown has elapsed. At most one Acquire returns
	// DecisionTrial per open period.
	Acquire(ctx context.Context, action string, cooldown time.Duration) (Decision, error)
	// ReportSuccess closes the breaker and clears the failure window. It
	// returns the state the breaker was in immediately before closing, read
	// in the same atomic operation as the transition.
	ReportSuccess(ctx context.Context, action string) (State, error)
	// ReportFailure records one failure inside the sliding window. Returns
	// true when this failure opened (or reopened) the breaker.
	ReportFailure(ctx context.Context, action string, threshold int, window time.Duration) (bool, error)
	// State reads the current state for an action.
	State(ctx context.Context, action string) (State, error)
}

// Config tunes the breaker.
type Config struct {
	Threshold int           // failures within Window that open the breaker
	Window    time.Duration // sliding failure window
	Cooldown  time.Duration // open duration before the half-open trial
}

// DefaultConfig returns the production defaults: 5 failures / 60s window,
// 30s cooldown.
func DefaultConfig() Config {
	return Config{Threshold: 5, Window: 60 * time.Second, Cooldown: 30 * time.Second}
}

// Breaker gates calls per action id against a shared Store.
type Breaker struct {
	store   Store
	cfg     Config
	onOpen  func(action string)
	onClose func(action string)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithOnOpen registers a callback fired when an action's breaker opens.
func WithOnOpen(fn func(action string)) Option {
	return func(b *Breaker) { b.onOpen = fn }
}

// WithOnClose registers a callback fired when an action's breaker closes.
func WithOnClose(fn func(action string)) Option {
	return func(b *Breaker) { b.onClose = fn }
}

// New creates a breaker over the given store.
func New(store Store, cfg Config, opts ...Option) *Breaker {
	if cfg.Threshold <= 0 {
		cfg = DefaultConfig()
	}
	b := &Breaker{store: store, cfg: cfg}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow decides whether a call to action may proceed.
func (b *Breaker) Allow(ctx context.Context, action string) (Decision, error) {
	return b.store.Acquire(ctx, action, b.cfg.Cooldown)
}

// Success reports a successful call. Closing from half_open fires onClose.
// The prior state comes back from the same atomic transition, so a failure
// racing in between cannot skip or double the callback.
func (b *Breaker) Success(ctx context.Context, action string) error {
	prior, err := b.store.ReportSuccess(ctx, action)
	if err != nil {
		return err
	}
	if prior == StateHalfOpen && b.onClose != nil {
		b.onClose(action)
	}
	return nil
}

// Failure reports a failed call. Opening fires onOpen.
func (b *Breaker) Failure(ctx context.Context, action string) error {
	opened, err := b.store.ReportFailure(ctx, action, b.cfg.Threshold, b.cfg.Window)
	if err != nil {
		return err
	}
	if opened && b.onOpen != nil {
		b.onOpen(action)
	}
	return nil
}

// State reads the current state for an action.
func (b *Breaker) State(ctx context.Context, action string) (State, error) {
	return b.store.State(ctx, action)
}

// MemoryStore is the in-process Store for single-worker deployments and
// tests. Fleet deployments use RedisStore.
type MemoryStore struct {
	mu      sync.Mutex
	actions map[string]*memoryState
	clock   func() time.Time
}

type memoryState struct {
	state    State
	failures []time.Time
	openedAt time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		actions: make(map[string]*memoryState),
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) get(action string) *memoryState {
	st, ok := s.actions[action]
	if !ok {
		st = &memoryState{state: StateClosed}
		s.actions[action] = st
	}
	return st
}

func (s *MemoryStore) Acquire(_ context.Context, action string, cooldown time.Duration) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(action)
	switch st.state {
	case StateClosed:
		return DecisionAllow, nil
	case StateOpen:
		if s.clock().Sub(st.openedAt) >= cooldown {
			st.state = StateHalfOpen
			return DecisionTrial, nil
		}
		return DecisionShortCircuit, nil
	default: // half_open: the one trial is already in flight
		return DecisionShortCircuit, nil
	}
}

func (s *MemoryStore) ReportSuccess(_ context.Context, action string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.get(action)
	prior := st.state
	st.state = StateClosed
	st.failures = nil
	return prior, nil
}

func (s *MemoryStore) ReportFailure(_ context.Context, action string, threshold int, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	st := s.get(action)

	// A failed half-open trial reopens immediately and resets the cooldown.
	if st.state == StateHalfOpen {
		st.state = StateOpen
		st.openedAt = now
		return true, nil
	}

	st.failures = append(st.failures, now)
	cutoff := now.Add(-window)
	kept := st.failures[:0]
	for _, ts := range st.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.failures = kept

	if st.state != StateOpen && len(st.failures) >= threshold {
		st.state = StateOpen
		st.openedAt = now
		return true, nil
	}
	return false, nil
}

func (s *MemoryStore) State(_ context.Context, action string) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(action).state, nil
}
