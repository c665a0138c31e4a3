// Package scheduler runs the worker pool that claims queued runs and drives
// them through the executor.
//
// Claim exclusivity is the store's contract (one atomic winner per run); the
// pool's job is polite polling — a shared rate limiter plus jittered backoff
// on an empty queue — lease heartbeats while a run executes, and leader-gated
// reclaim of runs whose worker died mid-claim.
package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/backoff"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/event"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/executor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// TraceSink persists the evidence of a finished run.
type TraceSink interface {
	SaveTrace(ctx context.Context, t trace.Trace, records []trace.Record) error
}

// RunStore is the persistence contract the pool schedules against.
type RunStore interface {
	// Enqueue persists a new queued run.
	Enqueue(ctx context.Context, r *run.Run) error
	// ClaimBatch atomically claims up to limit of the oldest queued runs
	// for workerID with the given lease. Exactly one concurrent claimer
	// wins any given run. Returns an empty slice when the queue is empty.
	ClaimBatch(ctx context.Context, workerID string, lease time.Duration, limit int) ([]*run.Run, error)
	// ExtendClaim renews the lease on a claimed run. Fails when the run is
	// no longer held by workerID.
	ExtendClaim(ctx context.Context, runID, workerID string, lease time.Duration) error
	// Finalize persists the terminal state of an executed run.
	Finalize(ctx context.Context, r *run.Run) error
	// ReclaimStale resets runs whose lease expired back to queued,
	// incrementing their reclaim count. The returned copies keep their
	// pre-reset claim metadata so callers can report the dead worker.
	ReclaimStale(ctx context.Context, now time.Time) ([]*run.Run, error)
	// AcquireLeader takes or renews the cluster leader lease for nodeID.
	AcquireLeader(ctx context.Context, nodeID string, ttl time.Duration) (bool, error)
}

// Pool is a fixed-size set of claim-and-execute workers.
type Pool struct {
	store    RunStore
	executor *executor.Executor
	bus      *event.Bus
	traces   TraceSink

	concurrency       int
	batchSize         int
	pollInterval      time.Duration
	lease             time.Duration
	heartbeatInterval time.Duration
	reclaimInterval   time.Duration
	limiter           *rate.Limiter
	idle              backoff.Strategy
	workerID          string
	logger            *slog.Logger
	clock             func() time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	active    map[string]context.CancelFunc
	activeMu  sync.Mutex
	reclaimed atomic.Int64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines (default 4).
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithBatchSize sets how many runs one worker claims per poll (default 1).
// A batch is executed sequentially by the claiming worker.
func WithBatchSize(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPollInterval sets the base empty-queue poll interval (default 1s).
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLease sets the claim lease duration (default 60s).
func WithLease(d time.Duration) PoolOption {
	return func(p *Pool) { p.lease = d }
}

// WithHeartbeatInterval sets the lease renewal cadence. Zero disables
// heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithReclaimInterval sets the stale-claim scan cadence. Zero disables the
// reclaimer.
func WithReclaimInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reclaimInterval = d }
}

// WithClaimRate caps claim attempts per second across all workers.
func WithClaimRate(perSecond float64, burst int) PoolOption {
	return func(p *Pool) { p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithTraceSink persists each finished run's trace and records. Nil disables
// trace persistence.
func WithTraceSink(sink TraceSink) PoolOption {
	return func(p *Pool) { p.traces = sink }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) PoolOption {
	return func(p *Pool) { p.clock = clock }
}

// NewPool creates a worker pool.
func NewPool(store RunStore, exec *executor.Executor, bus *event.Bus, logger *slog.Logger, opts ...PoolOption) *Pool {
	host, _ := os.Hostname()
	p := &Pool{
		store:             store,
		executor:          exec,
		bus:               bus,
		concurrency:       4,
		batchSize:         1,
		pollInterval:      time.Second,
		lease:             60 * time.Second,
		heartbeatInterval: 15 * time.Second,
		reclaimInterval:   30 * time.Second,
		limiter:           rate.NewLimiter(rate.Limit(20), 20),
		workerID:          host + "-" + uuid.NewString()[:8],
		logger:            logger,
		clock:             time.Now,
		active:            make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.idle = backoff.NewExponentialWithJitter(p.pollInterval, 30*p.pollInterval)
	return p
}

// WorkerID returns the pool's claim identity.
func (p *Pool) WorkerID() string { return p.workerID }

// Reclaimed returns how many stale runs this pool has requeued.
func (p *Pool) Reclaimed() int64 { return p.reclaimed.Load() }

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	p.running = true
	p.ctx, p.cancel = context.WithCancel(ctx)

	p.logger.Info("scheduler pool starting",
		slog.String("worker_id", p.workerID),
		slog.Int("concurrency", p.concurrency),
		slog.Duration("lease", p.lease),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.claimLoop()
	}
	if p.heartbeatInterval > 0 {
		p.wg.Add(1)
		go p.heartbeatLoop()
	}
	if p.reclaimInterval > 0 {
		p.wg.Add(1)
		go p.reclaimLoop()
	}
	return nil
}

// Stop signals all workers and waits for them. When the context expires
// first, in-flight runs are cancelled; their next step boundary blocks them.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("scheduler pool stopping", slog.String("worker_id", p.workerID))
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("scheduler pool stopped")
	case <-ctx.Done():
		p.logger.Warn("scheduler pool shutdown timed out, cancelling active runs")
		p.cancelActive()
		p.wg.Wait()
	}
	return nil
}

func (p *Pool) claimLoop() {
	defer p.wg.Done()

	attempt := 0
	for {
		if p.ctx.Err() != nil {
			return
		}
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}

		runs, err := p.store.ClaimBatch(p.ctx, p.workerID, p.lease, p.batchSize)
		if err != nil {
			p.logger.Error("claim error", slog.String("error", err.Error()))
			attempt++
			p.sleep(attempt)
			continue
		}
		if len(runs) == 0 {
			attempt++
			p.sleep(attempt)
			continue
		}
		attempt = 0

		// Claimed runs left unexecuted by a shutdown mid-batch are
		// recovered by lease expiry and reclaim.
		for _, r := range runs {
			if p.ctx.Err() != nil {
				return
			}
			p.execute(r)
		}
	}
}

func (p *Pool) execute(r *run.Run) {
	rctx, cancel := context.WithCancel(p.ctx)
	p.track(r.ID, cancel)
	defer func() {
		p.untrack(r.ID)
		cancel()
	}()

	report, execErr := p.executor.ExecuteRun(rctx, r)
	if execErr != nil {
		p.logger.Warn("run aborted",
			slog.String("run_id", r.ID),
			slog.String("error", execErr.Error()),
		)
	}

	// Finalization uses a fresh context: a terminal run must be persisted
	// even while the pool is shutting down.
	fctx, fcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer fcancel()
	if err := p.store.Finalize(fctx, r); err != nil {
		p.logger.Error("finalize failed",
			slog.String("run_id", r.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if report != nil && p.traces != nil {
		if err := p.traces.SaveTrace(fctx, report.Trace, report.Records); err != nil {
			p.logger.Error("trace persistence failed",
				slog.String("run_id", r.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if report != nil {
		p.logger.Info("run finished",
			slog.String("run_id", r.ID),
			slog.String("outcome", string(report.Outcome)),
			slog.String("grade", string(report.Verdict.Grade)),
		)
	}
}

func (p *Pool) heartbeatLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.renewLeases()
		}
	}
}

func (p *Pool) renewLeases() {
	p.activeMu.Lock()
	ids := make([]string, 0, len(p.active))
	for id := range p.active {
		ids = append(ids, id)
	}
	p.activeMu.Unlock()

	for _, id := range ids {
		if err := p.store.ExtendClaim(p.ctx, id, p.workerID, p.lease); err != nil {
			p.logger.Warn("lease renewal failed",
				slog.String("run_id", id),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reclaimLoop requeues runs whose worker died mid-claim. Only the leader
// scans, so a fleet does not stampede the store.
func (p *Pool) reclaimLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.reclaimStale()
		}
	}
}

func (p *Pool) reclaimStale() {
	leader, err := p.store.AcquireLeader(p.ctx, p.workerID, 2*p.reclaimInterval)
	if err != nil {
		p.logger.Warn("leader acquisition failed", slog.String("error", err.Error()))
		return
	}
	if !leader {
		return
	}

	stale, err := p.store.ReclaimStale(p.ctx, p.clock().UTC())
	if err != nil {
		p.logger.Error("stale reclaim failed", slog.String("error", err.Error()))
		return
	}
	for _, r := range stale {
		p.reclaimed.Add(1)
		p.logger.Info("reclaimed stale run",
			slog.String("run_id", r.ID),
			slog.Int("reclaims", r.Reclaims),
		)
		p.bus.Emit(event.TypeRunReclaimed, r.ID, map[string]any{
			"previous_worker": r.ClaimedBy,
			"reclaims":        r.Reclaims,
		})
	}
}

func (p *Pool) sleep(attempt int) {
	t := time.NewTimer(p.idle.Delay(attempt))
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.ctx.Done():
	}
}

func (p *Pool) track(runID string, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.active[runID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(runID string) {
	p.activeMu.Lock()
	delete(p.active, runID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for id, cancel := range p.active {
		p.logger.Warn("cancelling active run", slog.String("run_id", id))
		cancel()
	}
}
