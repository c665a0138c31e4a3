package executor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/backoff"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/breaker"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/capture"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/cursor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/event"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/fault"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/integrity"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/policy"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// Report is the result of executing one run: the sealed trace, its records,
// the outcome classification and the integrity verdict.
type Report struct {
	Run     *run.Run
	Trace   trace.Trace
	Records []trace.Record
	Outcome trace.OutcomeClass
	Verdict *integrity.Verdict
}

// CheckpointSink stores progress snapshots for crash recovery. The in-memory
// cursor.Arena satisfies it; stores provide durable implementations.
type CheckpointSink interface {
	Put(cp cursor.Checkpoint) error
	Latest(runID string) (cursor.Checkpoint, bool)
}

// Executor drives claimed runs to a terminal state. It is the only component
// that holds the cursor and therefore the only one that advances progress.
type Executor struct {
	registry    *Registry
	brk         *breaker.Breaker
	pdp         policy.DecisionPoint
	bus         *event.Bus
	failures    capture.FailureStore
	checkpoints CheckpointSink
	grader      *integrity.Engine
	strategy    backoff.Strategy
	retryLimit  int
	stepTimeout time.Duration
	logger      *slog.Logger
	tracer      oteltrace.Tracer
	clock       func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// Option configures an Executor.
type Option func(*Executor)

// WithRetryLimit sets the maximum retries per step after the first attempt
// (default 3).
func WithRetryLimit(n int) Option {
	return func(e *Executor) { e.retryLimit = n }
}

// WithStepTimeout sets the per-step timeout applied when the step declares
// none (default 30s).
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) { e.stepTimeout = d }
}

// WithBackoff sets the retry delay strategy.
func WithBackoff(s backoff.Strategy) Option {
	return func(e *Executor) { e.strategy = s }
}

// WithCheckpoints sets the checkpoint sink used for crash recovery.
func WithCheckpoints(s CheckpointSink) Option {
	return func(e *Executor) { e.checkpoints = s }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithSleep overrides the retry wait for testing.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Executor) { e.sleep = sleep }
}

// New creates an executor.
func New(
	registry *Registry,
	brk *breaker.Breaker,
	pdp policy.DecisionPoint,
	bus *event.Bus,
	failures capture.FailureStore,
	logger *slog.Logger,
	opts ...Option,
) *Executor {
	e := &Executor{
		registry:    registry,
		brk:         brk,
		pdp:         pdp,
		bus:         bus,
		failures:    failures,
		checkpoints: cursor.NewArena(),
		grader:      integrity.NewEngine(failures),
		strategy:    backoff.DefaultStrategy(),
		retryLimit:  3,
		stepTimeout: 30 * time.Second,
		logger:      logger,
		tracer:      otel.Tracer("executor"),
		clock:       time.Now,
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.grader.WithClock(e.clock)
	return e
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExecuteRun drives one claimed run to a terminal state. Every run —
// success or failure — produces the full evidence footprint, the integrity
// verdict is written back as evidence, and the trace is sealed before any
// abort error propagates upward.
func (e *Executor) ExecuteRun(ctx context.Context, r *run.Run) (*Report, error) {
	ctx, span := e.tracer.Start(ctx, "run.execute",
		oteltrace.WithAttributes(
			attribute.String("run.id", r.ID),
			attribute.String("tenant.id", r.TenantID),
			attribute.Int("plan.steps", len(r.Plan)),
		))
	defer span.End()

	started := e.clock().UTC()
	r.Status = run.StatusRunning
	r.StartedAt = &started

	ledger := trace.NewLedger(trace.NewTrace(r.ID, started)).WithClock(e.clock)
	rec := capture.NewRecorder(ledger, e.failures, e.logger).WithClock(e.clock)

	cur := cursor.New(r)
	var resumed map[string]any
	if cp, ok := e.checkpoints.Latest(r.ID); ok {
		cur = cursor.Resume(r, cp.StepIndex)
		resumed = cp.Outputs
		e.logger.Info("resuming from checkpoint",
			slog.String("run_id", r.ID),
			slog.Int("last_completed", cp.StepIndex),
		)
	}
	v := cur.View()

	entry, err := rec.RunEntry(v)
	if err != nil {
		// The entry write failed; the capture-failure record explains the
		// gap. Execution continues — a capture failure never silently
		// aborts a run.
		e.logger.Error("run entry capture failed",
			slog.String("run_id", r.ID),
			slog.String("error", err.Error()),
		)
	}
	e.bus.Emit(event.TypeRunStarted, r.ID, map[string]any{
		"tenant_id":      r.TenantID,
		"correlation_id": r.CorrelationID,
	})

	outcome, reason, abortErr := e.executePlan(ctx, r, cur, rec, entry.ID, resumed)

	return e.finalize(r, cur, rec, ledger, entry.ID, outcome, reason, abortErr)
}

// executePlan walks the cursor through the plan and classifies the outcome.
// resumed carries the outputs of steps completed before a crash so post-resume
// checkpoints stay cumulative.
func (e *Executor) executePlan(ctx context.Context, r *run.Run, cur *cursor.Cursor, rec *capture.Recorder, entryID string, resumed map[string]any) (trace.OutcomeClass, string, error) {
	v := cur.View()

	// Policy is consulted before the first step; the decision is recorded
	// whatever its effect. A backend error denies.
	dec, perr := e.pdp.Evaluate(ctx, &policy.Request{
		RunID:     r.ID,
		TenantID:  r.TenantID,
		StepIndex: -1,
		Timestamp: e.clock().UTC(),
	})
	if perr != nil {
		dec = &policy.Decision{
			Effect:    policy.EffectDeny,
			Reason:    fmt.Sprintf("policy backend error: %v", perr),
			PolicyRef: e.pdp.Ref(),
		}
	}
	if _, err := rec.PolicyDecision(v, entryID, dec.Payload()); err != nil {
		e.logger.Error("policy decision capture failed",
			slog.String("run_id", r.ID), slog.String("error", err.Error()))
	}
	if dec.Effect == policy.EffectDeny {
		return trace.OutcomeBlocked, "policy denied: " + dec.Reason, nil
	}

	accumulated := make(map[string]any, len(resumed))
	for k, v := range resumed {
		accumulated[k] = v
	}
	completed := 0

	for {
		// Cooperative cancellation is checked between steps only. A run
		// never interrupts an in-flight step; it refuses to open the next.
		if cur.StopRequested() || ctx.Err() != nil {
			return trace.OutcomeBlocked, "stop requested", nil
		}

		idx, err := cur.Advance()
		if err != nil { // plan exhausted
			break
		}

		step := &r.Plan[idx]
		res, stepErr := e.executeStep(ctx, cur, rec, entryID, step)
		if stepErr == nil {
			completed++
			if res != nil && res.Output != nil {
				accumulated[strconv.Itoa(idx)] = res.Output
			}
			cp, cperr := cursor.NewCheckpoint(r.ID, idx, accumulated, e.clock().UTC())
			if cperr == nil {
				if perr := e.checkpoints.Put(cp); perr != nil {
					e.logger.Warn("checkpoint write skipped",
						slog.String("run_id", r.ID), slog.String("error", perr.Error()))
				}
			}
			continue
		}

		if step.OnError == run.OnErrorAbort {
			// Failure evidence was already written inside executeStep,
			// before this error existed outside it.
			return trace.OutcomeFailure, stepErr.Error(), stepErr
		}
		if completed > 0 {
			return trace.OutcomePartial, stepErr.Error(), nil
		}
		return trace.OutcomeFailure, stepErr.Error(), nil
	}

	return trace.OutcomeSuccess, "all steps succeeded", nil
}

// executeStep runs one step to success or exhaustion. Every attempt —
// including short-circuited ones — produces a step outcome record before any
// error is returned.
func (e *Executor) executeStep(ctx context.Context, cur *cursor.Cursor, rec *capture.Recorder, entryID string, step *run.Step) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "step.execute",
		oteltrace.WithAttributes(
			attribute.String("action.id", step.ActionID),
			attribute.Int("step.index", step.Index),
		))
	defer span.End()

	v := cur.View()

	def, ok := e.registry.Get(step.ActionID)
	if !ok {
		err := fault.Validation(fmt.Errorf("no action registered for %q", step.ActionID))
		step.Status = run.StepFailure
		e.recordStepFailure(v, rec, entryID, step, 0, err)
		return nil, err
	}
	if err := def.ValidateParams(step.Params); err != nil {
		step.Status = run.StepFailure
		e.recordStepFailure(v, rec, entryID, step, 0, err)
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		step.RetryCount = attempt

		decision, derr := e.brk.Allow(ctx, step.ActionID)
		if derr != nil {
			// Breaker store outage: log and admit. Losing breaker
			// protection is preferable to halting the fleet.
			e.logger.Warn("breaker store unavailable",
				slog.String("action", step.ActionID),
				slog.String("error", derr.Error()),
			)
			decision = breaker.DecisionAllow
		}
		if decision == breaker.DecisionShortCircuit {
			err := fault.Transient(fmt.Errorf("short-circuited: breaker open for action %s", step.ActionID))
			step.Status = run.StepFailure
			e.recordStepFailure(v, rec, entryID, step, attempt, err)
			return nil, err
		}

		step.Status = run.StepRunning
		start := e.clock()
		res, err := e.invoke(ctx, def, v, step, attempt)
		step.Duration = e.clock().Sub(start)

		if err == nil {
			if berr := e.brk.Success(ctx, step.ActionID); berr != nil {
				e.logger.Warn("breaker success report failed",
					slog.String("action", step.ActionID), slog.String("error", berr.Error()))
			}
			step.Status = run.StepSuccess
			if res != nil {
				step.CostUnits = res.CostUnits
			}
			outRec, recErr := rec.StepOutcome(v, entryID, *step, run.StepSuccess, attempt, nil)
			if recErr != nil {
				e.logger.Error("step outcome capture failed",
					slog.String("run_id", v.RunID), slog.String("error", recErr.Error()))
			}
			if res != nil {
				for _, pc := range res.ProviderCalls {
					if _, perr := rec.ProviderCall(v, outRec.ID, pc); perr != nil {
						e.logger.Error("provider call capture failed",
							slog.String("run_id", v.RunID), slog.String("error", perr.Error()))
					}
				}
				if res.EnvSnapshot != nil {
					if _, eerr := rec.EnvSnapshot(v, outRec.ID, res.EnvSnapshot); eerr != nil {
						e.logger.Error("environment snapshot capture failed",
							slog.String("run_id", v.RunID), slog.String("error", eerr.Error()))
					}
				}
			}
			return res, nil
		}

		if berr := e.brk.Failure(ctx, step.ActionID); berr != nil {
			e.logger.Warn("breaker failure report failed",
				slog.String("action", step.ActionID), slog.String("error", berr.Error()))
		}

		willRetry := fault.Retryable(err) &&
			step.OnError != run.OnErrorAbort &&
			attempt < e.retryLimit

		if willRetry {
			step.Status = run.StepRetrying
		} else {
			step.Status = run.StepFailure
		}
		// Evidence is written before the failure propagates anywhere.
		e.recordStepFailure(v, rec, entryID, step, attempt, err)

		if !willRetry {
			return nil, err
		}
		if serr := e.sleep(ctx, e.strategy.Delay(attempt+1)); serr != nil {
			return nil, fault.Transient(fmt.Errorf("retry wait interrupted: %w", serr))
		}
	}
}

func (e *Executor) recordStepFailure(v cursor.View, rec *capture.Recorder, entryID string, step *run.Step, attempt int, stepErr error) {
	if _, recErr := rec.StepOutcome(v, entryID, *step, step.Status, attempt, stepErr); recErr != nil {
		e.logger.Error("step outcome capture failed",
			slog.String("run_id", v.RunID),
			slog.String("error", recErr.Error()),
		)
	}
	e.bus.Emit(event.TypeStepFailed, v.RunID, map[string]any{
		"step_index":     step.Index,
		"action_id":      step.ActionID,
		"attempt":        attempt,
		"error":          stepErr.Error(),
		"error_category": string(fault.CategoryOf(stepErr)),
	})
}

// invoke calls the action under the per-step timeout. Retries of the same
// logical attempt present the same idempotency key. A hung action is
// abandoned at the timeout boundary and the timeout recorded as TRANSIENT.
func (e *Executor) invoke(ctx context.Context, def Definition, v cursor.View, step *run.Step, attempt int) (*Result, error) {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := def.Action.Invoke(cctx, Invocation{
			RunID:          v.RunID,
			TenantID:       v.TenantID,
			StepIndex:      step.Index,
			ActionID:       step.ActionID,
			Params:         step.Params,
			IdempotencyKey: step.IdempotencyKey,
			Attempt:        attempt,
		})
		done <- outcome{res, err}
	}()

	select {
	case o := <-done:
		return o.res, o.err
	case <-cctx.Done():
		return nil, fault.Transient(fmt.Errorf("action %s timed out after %v", step.ActionID, timeout))
	}
}

// finalize records the outcome and exit evidence, grades integrity, writes
// the verdict back as evidence, seals the trace and emits lifecycle events.
func (e *Executor) finalize(r *run.Run, cur *cursor.Cursor, rec *capture.Recorder, ledger *trace.Ledger, entryID string, outcome trace.OutcomeClass, reason string, abortErr error) (*Report, error) {
	v := cur.View()

	if _, err := rec.RunOutcome(v, entryID, outcome, reason); err != nil {
		e.logger.Error("run outcome capture failed",
			slog.String("run_id", r.ID), slog.String("error", err.Error()))
	}
	if _, err := rec.RunExit(v, entryID); err != nil {
		e.logger.Error("run exit capture failed",
			slog.String("run_id", r.ID), slog.String("error", err.Error()))
	}

	verdict, gerr := e.grader.Grade(r.ID, ledger)
	if gerr != nil {
		e.logger.Error("integrity grading failed",
			slog.String("run_id", r.ID), slog.String("error", gerr.Error()))
		verdict = &integrity.Verdict{
			RunID:   r.ID,
			TraceID: ledger.Trace().ID,
			Grade:   integrity.GradeFail,
			Notes:   []string{"grading failed: " + gerr.Error()},
		}
	}
	verdict.Seal()
	if _, err := rec.IntegrityVerdict(v, entryID, verdict.Payload()); err != nil {
		e.logger.Error("integrity verdict capture failed",
			slog.String("run_id", r.ID), slog.String("error", err.Error()))
	}

	sealStatus := trace.StatusComplete
	if abortErr != nil {
		sealStatus = trace.StatusAborted
	}
	sealed, serr := ledger.Seal(sealStatus)
	if serr != nil {
		e.logger.Error("trace seal failed",
			slog.String("run_id", r.ID), slog.String("error", serr.Error()))
		t := ledger.Trace()
		sealed = &t
	}

	r.Status = runStatusFor(outcome)
	now := e.clock().UTC()
	r.FinishedAt = &now

	e.bus.Emit(event.TypeGradeComputed, r.ID, map[string]any{
		"grade": string(verdict.Grade),
		"state": string(verdict.State),
	})
	completed := map[string]any{
		"outcome": string(outcome),
		"grade":   string(verdict.Grade),
	}
	if r.StartedAt != nil {
		completed["duration_ms"] = float64(now.Sub(*r.StartedAt).Milliseconds())
	}
	e.bus.Emit(event.TypeRunCompleted, r.ID, completed)

	report := &Report{
		Run:     r,
		Trace:   *sealed,
		Records: ledger.Records(),
		Outcome: outcome,
		Verdict: verdict,
	}
	// The abort error propagates only after all evidence exists.
	return report, abortErr
}

func runStatusFor(outcome trace.OutcomeClass) run.Status {
	switch outcome {
	case trace.OutcomeSuccess:
		return run.StatusSuccess
	case trace.OutcomePartial:
		return run.StatusPartial
	case trace.OutcomeBlocked:
		return run.StatusBlocked
	default:
		return run.StatusFailure
	}
}
