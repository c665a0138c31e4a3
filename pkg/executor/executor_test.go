package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

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

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExecutor(t *testing.T, reg *Registry, pdp policy.DecisionPoint, opts ...Option) (*Executor, *event.Bus) {
	t.Helper()
	bus := event.NewBus()
	brk := breaker.New(breaker.NewMemoryStore(), breaker.DefaultConfig())
	base := []Option{
		WithSleep(func(context.Context, time.Duration) error { return nil }),
	}
	e := New(reg, brk, pdp, bus, capture.NewMemoryFailureStore(), discardLogger(), append(base, opts...)...)
	return e, bus
}

func kinds(records []trace.Record) map[trace.Kind]int {
	out := make(map[trace.Kind]int)
	for _, r := range records {
		out[r.Kind]++
	}
	return out
}

func TestSuccessfulRunFullFootprint(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("fetch", func(_ context.Context, inv Invocation) (*Result, error) {
		return &Result{Output: map[string]any{"rows": 3}, CostUnits: 2}, nil
	})
	reg.RegisterFunc("store", func(_ context.Context, inv Invocation) (*Result, error) {
		return &Result{}, nil
	})

	r, err := run.New("tenant-1", []run.Step{
		{ActionID: "fetch"},
		{ActionID: "store"},
	})
	if err != nil {
		t.Fatal(err)
	}

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable())
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}

	if report.Outcome != trace.OutcomeSuccess {
		t.Fatalf("expected success, got %s", report.Outcome)
	}
	if r.Status != run.StatusSuccess {
		t.Fatalf("run status = %s", r.Status)
	}
	if report.Trace.Status != trace.StatusComplete {
		t.Fatalf("trace status = %s", report.Trace.Status)
	}
	if report.Verdict.Grade != integrity.GradePass {
		t.Fatalf("grade = %s (gaps %v notes %v)", report.Verdict.Grade, report.Verdict.Gaps, report.Verdict.Notes)
	}
	if report.Verdict.State != integrity.StateSealed {
		t.Fatalf("verdict state = %s", report.Verdict.State)
	}

	got := kinds(report.Records)
	want := map[trace.Kind]int{
		trace.KindRunEntry:         1,
		trace.KindPolicyDecision:   1,
		trace.KindStepOutcome:      2,
		trace.KindRunOutcome:       1,
		trace.KindRunExit:          1,
		trace.KindIntegrityVerdict: 1,
	}
	for k, n := range want {
		if got[k] != n {
			t.Fatalf("expected %d %s records, got %d", n, k, got[k])
		}
	}

	// The verdict is evidence inside the trace, appended before sealing.
	last := report.Records[len(report.Records)-1]
	if last.Kind != trace.KindIntegrityVerdict {
		t.Fatalf("last record = %s, verdict must precede the seal", last.Kind)
	}
}

// Scenario: a step times out twice on a 20ms budget, succeeds on the third
// attempt. All three attempts are evidence; the same idempotency key is
// presented each time.
func TestTransientTimeoutRetriedThenSucceeds(t *testing.T) {
	var mu sync.Mutex
	var calls int
	var keys []string

	reg := NewRegistry()
	reg.RegisterFunc("flaky", func(ctx context.Context, inv Invocation) (*Result, error) {
		mu.Lock()
		calls++
		n := calls
		keys = append(keys, inv.IdempotencyKey)
		mu.Unlock()
		if n <= 2 {
			<-ctx.Done() // hang until the per-step timeout fires
			return nil, ctx.Err()
		}
		return &Result{Output: map[string]any{"ok": true}}, nil
	})

	r, err := run.New("tenant-1", []run.Step{
		{ActionID: "flaky", Timeout: 20 * time.Millisecond},
	})
	if err != nil {
		t.Fatal(err)
	}

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable(), WithRetryLimit(3))
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}

	if report.Outcome != trace.OutcomeSuccess {
		t.Fatalf("expected success after retries, got %s", report.Outcome)
	}
	if r.Plan[0].RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", r.Plan[0].RetryCount)
	}
	if got := kinds(report.Records)[trace.KindStepOutcome]; got != 3 {
		t.Fatalf("expected one outcome record per attempt (3), got %d", got)
	}
	for _, k := range keys[1:] {
		if k != keys[0] {
			t.Fatalf("idempotency key changed across retries: %v", keys)
		}
	}
	if report.Verdict.Grade != integrity.GradePass {
		t.Fatalf("grade = %s", report.Verdict.Grade)
	}

	// The intermediate attempts carry the transient category.
	var statuses []string
	for _, rec := range report.Records {
		if rec.Kind != trace.KindStepOutcome {
			continue
		}
		statuses = append(statuses, rec.Payload["status"].(string))
		if rec.Payload["status"] == string(run.StepRetrying) {
			if rec.Payload["error_category"] != string(fault.CategoryTransient) {
				t.Fatalf("timeout must record as TRANSIENT, got %v", rec.Payload["error_category"])
			}
		}
	}
	wantStatuses := []string{"retrying", "retrying", "success"}
	for i, s := range wantStatuses {
		if statuses[i] != s {
			t.Fatalf("attempt %d status = %s, want %s", i, statuses[i], s)
		}
	}
}

// Scenario: an abort-on-error step fails permanently. The failure is
// recorded as evidence and the trace sealed before the error propagates.
func TestAbortRecordsEvidenceBeforePropagating(t *testing.T) {
	permErr := fault.Permanent(errors.New("credential revoked"))
	reg := NewRegistry()
	reg.RegisterFunc("commit", func(context.Context, Invocation) (*Result, error) {
		return nil, permErr
	})

	r, err := run.New("tenant-1", []run.Step{
		{ActionID: "commit", OnError: run.OnErrorAbort},
	})
	if err != nil {
		t.Fatal(err)
	}

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable())
	report, err := e.ExecuteRun(context.Background(), r)
	if !errors.Is(err, permErr) {
		t.Fatalf("abort error must propagate, got %v", err)
	}

	if report.Outcome != trace.OutcomeFailure {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	if report.Trace.Status != trace.StatusAborted {
		t.Fatalf("trace status = %s, want aborted", report.Trace.Status)
	}

	got := kinds(report.Records)
	if got[trace.KindStepOutcome] != 1 {
		t.Fatalf("exactly one attempt expected, got %d", got[trace.KindStepOutcome])
	}
	if got[trace.KindRunOutcome] != 1 || got[trace.KindRunExit] != 1 {
		t.Fatal("run outcome and exit must exist despite the abort")
	}
	for _, rec := range report.Records {
		if rec.Kind == trace.KindStepOutcome {
			if rec.Payload["error_category"] != string(fault.CategoryPermanent) {
				t.Fatalf("category = %v, want PERMANENT", rec.Payload["error_category"])
			}
		}
	}
	// A complete footprint still grades PASS; failure and integrity are
	// orthogonal.
	if report.Verdict.Grade != integrity.GradePass {
		t.Fatalf("grade = %s (gaps %v notes %v)", report.Verdict.Grade, report.Verdict.Gaps, report.Verdict.Notes)
	}
}

func TestPermanentFaultNotRetried(t *testing.T) {
	var calls int
	reg := NewRegistry()
	reg.RegisterFunc("validate", func(context.Context, Invocation) (*Result, error) {
		calls++
		return nil, fault.Validation(errors.New("malformed input"))
	})

	r, _ := run.New("tenant-1", []run.Step{{ActionID: "validate"}})
	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable())
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatalf("retry-policy step must not propagate: %v", err)
	}
	if calls != 1 {
		t.Fatalf("validation faults are never retried, got %d calls", calls)
	}
	if report.Outcome != trace.OutcomeFailure {
		t.Fatalf("outcome = %s", report.Outcome)
	}
}

func TestPartialWhenLaterStepExhaustsRetries(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("ok", func(context.Context, Invocation) (*Result, error) {
		return &Result{}, nil
	})
	reg.RegisterFunc("down", func(context.Context, Invocation) (*Result, error) {
		return nil, fault.Transient(errors.New("upstream 503"))
	})

	r, _ := run.New("tenant-1", []run.Step{
		{ActionID: "ok"},
		{ActionID: "down"},
	})
	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable(), WithRetryLimit(1))
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != trace.OutcomePartial {
		t.Fatalf("one step succeeded before the failure, want partial, got %s", report.Outcome)
	}
	// initial attempt + 1 retry on the failing step, plus the success
	if got := kinds(report.Records)[trace.KindStepOutcome]; got != 3 {
		t.Fatalf("step outcome records = %d, want 3", got)
	}
}

func TestPolicyDenyBlocksWithoutExecuting(t *testing.T) {
	var calls int
	reg := NewRegistry()
	reg.RegisterFunc("spend", func(context.Context, Invocation) (*Result, error) {
		calls++
		return &Result{}, nil
	})

	r, _ := run.New("tenant-1", []run.Step{{ActionID: "spend"}})
	e, _ := newTestExecutor(t, reg, policy.NewStatic(policy.EffectDeny, "budget exhausted"))
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatal("denied run must not execute steps")
	}
	if report.Outcome != trace.OutcomeBlocked {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	got := kinds(report.Records)
	if got[trace.KindPolicyDecision] != 1 {
		t.Fatal("the deny decision itself must be evidence")
	}
	if report.Verdict.Grade != integrity.GradePass {
		t.Fatalf("blocked run with full footprint grades PASS, got %s (gaps %v)", report.Verdict.Grade, report.Verdict.Gaps)
	}
}

func TestCancelledContextBlocksBetweenSteps(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("noop", func(context.Context, Invocation) (*Result, error) {
		return &Result{}, nil
	})

	r, _ := run.New("tenant-1", []run.Step{{ActionID: "noop"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable())
	report, err := e.ExecuteRun(ctx, r)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != trace.OutcomeBlocked {
		t.Fatalf("outcome = %s, want blocked", report.Outcome)
	}
	if r.Status != run.StatusBlocked {
		t.Fatalf("run status = %s", r.Status)
	}
}

func TestOpenBreakerShortCircuitsWithoutInvoking(t *testing.T) {
	var calls int
	reg := NewRegistry()
	reg.RegisterFunc("provider", func(context.Context, Invocation) (*Result, error) {
		calls++
		return &Result{}, nil
	})

	store := breaker.NewMemoryStore()
	brk := breaker.New(store, breaker.Config{Threshold: 1, Window: time.Minute, Cooldown: time.Minute})
	// Trip the breaker for this action before the run starts.
	if err := brk.Failure(context.Background(), "provider"); err != nil {
		t.Fatal(err)
	}

	bus := event.NewBus()
	e := New(reg, brk, policy.NewNotApplicable(), bus, capture.NewMemoryFailureStore(), discardLogger(),
		WithSleep(func(context.Context, time.Duration) error { return nil }))

	r, _ := run.New("tenant-1", []run.Step{{ActionID: "provider"}})
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if calls != 0 {
		t.Fatal("short-circuited step must not invoke the action")
	}
	if report.Outcome != trace.OutcomeFailure {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	if got := kinds(report.Records)[trace.KindStepOutcome]; got != 1 {
		t.Fatalf("short circuit fails fast without local retries, got %d attempts", got)
	}
	for _, rec := range report.Records {
		if rec.Kind == trace.KindStepOutcome {
			if rec.Payload["error_category"] != string(fault.CategoryTransient) {
				t.Fatalf("short circuit records as TRANSIENT, got %v", rec.Payload["error_category"])
			}
		}
	}
}

func TestUnknownActionFailsValidation(t *testing.T) {
	reg := NewRegistry()
	r, _ := run.New("tenant-1", []run.Step{{ActionID: "ghost"}})

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable())
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != trace.OutcomeFailure {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	for _, rec := range report.Records {
		if rec.Kind == trace.KindStepOutcome {
			if rec.Payload["error_category"] != string(fault.CategoryValidation) {
				t.Fatalf("category = %v, want VALIDATION", rec.Payload["error_category"])
			}
		}
	}
}

func TestLifecycleEventsEmitted(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("noop", func(context.Context, Invocation) (*Result, error) {
		return &Result{}, nil
	})
	r, _ := run.New("tenant-1", []run.Step{{ActionID: "noop"}})

	e, bus := newTestExecutor(t, reg, policy.NewNotApplicable())
	var types []event.Type
	bus.SubscribeAll(func(evt event.Event) { types = append(types, evt.Type) })

	if _, err := e.ExecuteRun(context.Background(), r); err != nil {
		t.Fatal(err)
	}

	want := []event.Type{event.TypeRunStarted, event.TypeGradeComputed, event.TypeRunCompleted}
	for _, w := range want {
		found := false
		for _, got := range types {
			if got == w {
				found = true
			}
		}
		if !found {
			t.Fatalf("event %s not emitted (got %v)", w, types)
		}
	}
}

// Scenario: a worker dies after checkpointing step 0; a second worker resumes
// the run. The resumed run must not re-execute step 0, and checkpoints written
// after the resume must still carry step 0's output.
func TestResumeCarriesForwardCheckpointOutputs(t *testing.T) {
	var fetchCalls int
	reg := NewRegistry()
	reg.RegisterFunc("fetch", func(context.Context, Invocation) (*Result, error) {
		fetchCalls++
		return &Result{Output: map[string]any{"rows": 3}}, nil
	})
	reg.RegisterFunc("store", func(context.Context, Invocation) (*Result, error) {
		return &Result{Output: map[string]any{"written": true}}, nil
	})

	r, err := run.New("tenant-1", []run.Step{
		{ActionID: "fetch"},
		{ActionID: "store"},
	})
	if err != nil {
		t.Fatal(err)
	}

	arena := cursor.NewArena()
	cp, err := cursor.NewCheckpoint(r.ID, 0,
		map[string]any{"0": map[string]any{"rows": 3}}, time.Now().UTC())
	if err != nil {
		t.Fatal(err)
	}
	if err := arena.Put(cp); err != nil {
		t.Fatal(err)
	}

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable(), WithCheckpoints(arena))
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if report.Outcome != trace.OutcomeSuccess {
		t.Fatalf("outcome = %s", report.Outcome)
	}
	if fetchCalls != 0 {
		t.Fatalf("completed steps must not re-execute on resume, fetch ran %d times", fetchCalls)
	}

	latest, ok := arena.Latest(r.ID)
	if !ok || latest.StepIndex != 1 {
		t.Fatalf("latest checkpoint = %+v, want step 1", latest)
	}
	if _, ok := latest.Outputs["0"]; !ok {
		t.Fatalf("post-resume checkpoint dropped the pre-crash output: %v", latest.Outputs)
	}
	if _, ok := latest.Outputs["1"]; !ok {
		t.Fatalf("post-resume checkpoint missing the new step output: %v", latest.Outputs)
	}
}

func TestProviderCallsBecomeEvidence(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterFunc("notify", func(_ context.Context, inv Invocation) (*Result, error) {
		return &Result{
			ProviderCalls: []map[string]any{
				{"provider": "smtp", "request_id": fmt.Sprintf("req-%d", inv.Attempt)},
			},
			EnvSnapshot: map[string]any{"region": "eu-west-1"},
		}, nil
	})
	r, _ := run.New("tenant-1", []run.Step{{ActionID: "notify"}})

	e, _ := newTestExecutor(t, reg, policy.NewNotApplicable())
	report, err := e.ExecuteRun(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	got := kinds(report.Records)
	if got[trace.KindProviderCall] != 1 {
		t.Fatalf("provider call records = %d", got[trace.KindProviderCall])
	}
	if got[trace.KindEnvSnapshot] != 1 {
		t.Fatalf("env snapshot records = %d", got[trace.KindEnvSnapshot])
	}
}
