package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/breaker"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/capture"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/event"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/executor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/policy"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// memStore is an in-memory RunStore with atomic claims.
type memStore struct {
	mu          sync.Mutex
	queued      []*run.Run
	claims      map[string]int
	batchLimits []int
	finalized   map[string]run.Status
	stale       []*run.Run
	leader      bool
}

func newMemStore() *memStore {
	return &memStore{
		claims:    make(map[string]int),
		finalized: make(map[string]run.Status),
		leader:    true,
	}
}

func (s *memStore) Enqueue(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued = append(s.queued, r)
	return nil
}

func (s *memStore) ClaimBatch(_ context.Context, workerID string, lease time.Duration, limit int) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batchLimits = append(s.batchLimits, limit)
	n := limit
	if n > len(s.queued) {
		n = len(s.queued)
	}
	out := make([]*run.Run, 0, n)
	for _, r := range s.queued[:n] {
		s.claims[r.ID]++
		r.Status = run.StatusRunning
		r.ClaimedBy = workerID
		exp := time.Now().Add(lease)
		r.ClaimExpires = &exp
		out = append(out, r)
	}
	s.queued = s.queued[n:]
	return out, nil
}

func (s *memStore) ExtendClaim(_ context.Context, runID, workerID string, lease time.Duration) error {
	return nil
}

func (s *memStore) Finalize(_ context.Context, r *run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[r.ID] = r.Status
	return nil
}

func (s *memStore) ReclaimStale(_ context.Context, _ time.Time) ([]*run.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stale
	s.stale = nil
	for _, r := range out {
		r.Reclaims++
	}
	return out, nil
}

func (s *memStore) AcquireLeader(_ context.Context, _ string, _ time.Duration) (bool, error) {
	return s.leader, nil
}

func (s *memStore) finalizedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.finalized)
}

func testExecutor(t *testing.T, bus *event.Bus) *executor.Executor {
	t.Helper()
	reg := executor.NewRegistry()
	if err := reg.RegisterFunc("noop", func(context.Context, executor.Invocation) (*executor.Result, error) {
		return &executor.Result{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	brk := breaker.New(breaker.NewMemoryStore(), breaker.DefaultConfig())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return executor.New(reg, brk, policy.NewNotApplicable(), bus, capture.NewMemoryFailureStore(), logger)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before timeout")
}

func TestPoolDrainsQueueExactlyOnce(t *testing.T) {
	store := newMemStore()
	for range 5 {
		r, err := run.New("tenant-1", []run.Step{{ActionID: "noop"}})
		if err != nil {
			t.Fatal(err)
		}
		store.Enqueue(context.Background(), r)
	}

	bus := event.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPool(store, testExecutor(t, bus), bus, logger,
		WithConcurrency(2),
		WithPollInterval(time.Millisecond),
		WithHeartbeatInterval(0),
		WithReclaimInterval(0),
		WithClaimRate(1000, 100),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return store.finalizedCount() == 5 })

	store.mu.Lock()
	defer store.mu.Unlock()
	for id, n := range store.claims {
		if n != 1 {
			t.Fatalf("run %s claimed %d times, want exactly 1", id, n)
		}
	}
	for id, status := range store.finalized {
		if status != run.StatusSuccess {
			t.Fatalf("run %s finalized as %s", id, status)
		}
	}
}

func TestPoolClaimsInConfiguredBatches(t *testing.T) {
	store := newMemStore()
	for range 3 {
		r, err := run.New("tenant-1", []run.Step{{ActionID: "noop"}})
		if err != nil {
			t.Fatal(err)
		}
		store.Enqueue(context.Background(), r)
	}

	bus := event.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPool(store, testExecutor(t, bus), bus, logger,
		WithConcurrency(1),
		WithBatchSize(3),
		WithPollInterval(time.Millisecond),
		WithHeartbeatInterval(0),
		WithReclaimInterval(0),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return store.finalizedCount() == 3 })

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.batchLimits[0] != 3 {
		t.Fatalf("first claim asked for %d runs, want 3", store.batchLimits[0])
	}
	for id, n := range store.claims {
		if n != 1 {
			t.Fatalf("run %s claimed %d times", id, n)
		}
	}
}

func TestReclaimerRequeuesStaleRuns(t *testing.T) {
	store := newMemStore()
	dead, err := run.New("tenant-1", []run.Step{{ActionID: "noop"}})
	if err != nil {
		t.Fatal(err)
	}
	dead.ClaimedBy = "worker-dead"
	store.stale = []*run.Run{dead}

	bus := event.NewBus()
	var mu sync.Mutex
	var events []event.Event
	bus.Subscribe(event.TypeRunReclaimed, func(e event.Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPool(store, testExecutor(t, bus), bus, logger,
		WithConcurrency(1),
		WithPollInterval(time.Millisecond),
		WithHeartbeatInterval(0),
		WithReclaimInterval(5*time.Millisecond),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool { return p.Reclaimed() >= 1 })

	mu.Lock()
	defer mu.Unlock()
	if len(events) == 0 {
		t.Fatal("run.reclaimed event not emitted")
	}
	if events[0].Payload["previous_worker"] != "worker-dead" {
		t.Fatalf("event must name the dead worker: %+v", events[0].Payload)
	}
	if dead.Reclaims != 1 {
		t.Fatalf("reclaim count = %d", dead.Reclaims)
	}
}

func TestNonLeaderDoesNotReclaim(t *testing.T) {
	store := newMemStore()
	store.leader = false
	stale, _ := run.New("tenant-1", []run.Step{{ActionID: "noop"}})
	store.stale = []*run.Run{stale}

	bus := event.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPool(store, testExecutor(t, bus), bus, logger,
		WithConcurrency(1),
		WithPollInterval(time.Millisecond),
		WithHeartbeatInterval(0),
		WithReclaimInterval(2*time.Millisecond),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	p.Stop(context.Background())

	if p.Reclaimed() != 0 {
		t.Fatal("only the leader may reclaim")
	}
}

type memTraceSink struct {
	mu     sync.Mutex
	traces map[string]trace.Trace
	counts map[string]int
}

func (s *memTraceSink) SaveTrace(_ context.Context, t trace.Trace, records []trace.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.traces == nil {
		s.traces = make(map[string]trace.Trace)
		s.counts = make(map[string]int)
	}
	s.traces[t.RunID] = t
	s.counts[t.RunID] = len(records)
	return nil
}

func TestPoolPersistsSealedTraces(t *testing.T) {
	store := newMemStore()
	r, err := run.New("tenant-1", []run.Step{{ActionID: "noop"}})
	if err != nil {
		t.Fatal(err)
	}
	store.Enqueue(context.Background(), r)

	bus := event.NewBus()
	sink := &memTraceSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPool(store, testExecutor(t, bus), bus, logger,
		WithConcurrency(1),
		WithPollInterval(time.Millisecond),
		WithHeartbeatInterval(0),
		WithReclaimInterval(0),
		WithTraceSink(sink),
	)
	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.traces) == 1
	})

	sink.mu.Lock()
	defer sink.mu.Unlock()
	saved := sink.traces[r.ID]
	if saved.Status != trace.StatusComplete || saved.SealedAt == nil {
		t.Fatalf("persisted trace must be sealed: %+v", saved)
	}
	if sink.counts[r.ID] == 0 {
		t.Fatal("records not persisted")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	store := newMemStore()
	bus := event.NewBus()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := NewPool(store, testExecutor(t, bus), bus, logger,
		WithPollInterval(time.Millisecond))

	if err := p.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
