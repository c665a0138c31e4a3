// Package capture writes evidence into the trace ledger.
//
// The hard invariant is "no context, no evidence": every capture function
// requires the execution-context view of the cursor, and a missing context is
// a loud, typed failure — never a silent skip. Silent omission would be
// indistinguishable from "nothing happened" and corrupt the integrity verdict.
//
// Evidence existence never varies with what a step did (the governance
// footprint is constant); evidence content does.
package capture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/cursor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/fault"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// ErrMissingContext is the fatal error returned when a capture function is
// invoked without an execution context.
var ErrMissingContext = errors.New("capture: missing execution context")

// FailureStore persists capture-failure records. They feed the integrity
// engine and are never dropped.
type FailureStore interface {
	Record(cf trace.CaptureFailure) error
	// MarkSuperseded resolves earlier failures of the same kind once a later
	// capture of that kind succeeds.
	MarkSuperseded(traceID string, kind trace.Kind) error
	ListByTrace(traceID string) ([]trace.CaptureFailure, error)
}

// MemoryFailureStore is the in-memory FailureStore used in tests and
// single-process deployments.
type MemoryFailureStore struct {
	mu       sync.Mutex
	failures []trace.CaptureFailure
}

// NewMemoryFailureStore creates an empty store.
func NewMemoryFailureStore() *MemoryFailureStore {
	return &MemoryFailureStore{}
}

func (s *MemoryFailureStore) Record(cf trace.CaptureFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, cf)
	return nil
}

func (s *MemoryFailureStore) MarkSuperseded(traceID string, kind trace.Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.failures {
		if s.failures[i].TraceID == traceID && s.failures[i].Kind == kind &&
			s.failures[i].Resolution == trace.ResolutionTransient {
			s.failures[i].Resolution = trace.ResolutionSuperseded
		}
	}
	return nil
}

func (s *MemoryFailureStore) ListByTrace(traceID string) ([]trace.CaptureFailure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]trace.CaptureFailure, 0)
	for _, cf := range s.failures {
		if cf.TraceID == traceID {
			out = append(out, cf)
		}
	}
	return out, nil
}

// Recorder captures evidence for one run into its ledger.
type Recorder struct {
	ledger   *trace.Ledger
	failures FailureStore
	logger   *slog.Logger
	clock    func() time.Time
}

// NewRecorder creates a recorder bound to a ledger and failure store.
func NewRecorder(ledger *trace.Ledger, failures FailureStore, logger *slog.Logger) *Recorder {
	return &Recorder{
		ledger:   ledger,
		failures: failures,
		logger:   logger,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(clock func() time.Time) *Recorder {
	r.clock = clock
	return r
}

// RunEntry records the entry correlation record for a run.
func (r *Recorder) RunEntry(v cursor.View) (trace.Record, error) {
	return r.append(v, "", trace.KindRunEntry, trace.ClassActivity, map[string]any{
		"run_id":         v.RunID,
		"tenant_id":      v.TenantID,
		"correlation_id": v.CorrelationID,
	})
}

// RunExit records the exit correlation record.
func (r *Recorder) RunExit(v cursor.View, parentID string) (trace.Record, error) {
	return r.append(v, parentID, trace.KindRunExit, trace.ClassActivity, map[string]any{
		"run_id":         v.RunID,
		"correlation_id": v.CorrelationID,
	})
}

// StepOutcome records one attempt's outcome for a step. Every attempt —
// failed or successful — is one row.
func (r *Recorder) StepOutcome(v cursor.View, parentID string, step run.Step, status run.StepStatus, attempt int, stepErr error) (trace.Record, error) {
	payload := map[string]any{
		"step_index":      step.Index,
		"action_id":       step.ActionID,
		"status":          string(status),
		"attempt":         attempt,
		"idempotency_key": step.IdempotencyKey,
		"duration_ms":     step.Duration.Milliseconds(),
		"cost_units":      step.CostUnits,
	}
	if stepErr != nil {
		payload["error"] = stepErr.Error()
		payload["error_category"] = string(fault.CategoryOf(stepErr))
	}
	return r.append(v, parentID, trace.KindStepOutcome, trace.ClassActivity, payload)
}

// RunOutcome records the run's single mandatory outcome record. A successful
// run's outcome is evidence, not the absence of one.
func (r *Recorder) RunOutcome(v cursor.View, parentID string, class trace.OutcomeClass, reason string) (trace.Record, error) {
	return r.append(v, parentID, trace.KindRunOutcome, trace.ClassActivity, map[string]any{
		"classification": string(class),
		"reason":         reason,
	})
}

// PolicyDecision records a policy evaluation result. Written for every run,
// with decision "not_applicable" when no policy was consulted.
func (r *Recorder) PolicyDecision(v cursor.View, parentID string, payload map[string]any) (trace.Record, error) {
	return r.append(v, parentID, trace.KindPolicyDecision, trace.ClassPolicy, payload)
}

// ProviderCall records externally-consequential activity. Captured only when
// the call actually occurred.
func (r *Recorder) ProviderCall(v cursor.View, parentID string, payload map[string]any) (trace.Record, error) {
	return r.append(v, parentID, trace.KindProviderCall, trace.ClassProvider, payload)
}

// EnvSnapshot records an environment snapshot.
func (r *Recorder) EnvSnapshot(v cursor.View, parentID string, payload map[string]any) (trace.Record, error) {
	return r.append(v, parentID, trace.KindEnvSnapshot, trace.ClassEnvironment, payload)
}

// IntegrityVerdict writes the computed integrity grade back as evidence.
func (r *Recorder) IntegrityVerdict(v cursor.View, parentID string, payload map[string]any) (trace.Record, error) {
	return r.append(v, parentID, trace.KindIntegrityVerdict, trace.ClassIntegrity, payload)
}

func (r *Recorder) append(v cursor.View, parentID string, kind trace.Kind, class trace.Classification, payload map[string]any) (trace.Record, error) {
	if v.RunID == "" {
		return trace.Record{}, ErrMissingContext
	}

	rec, err := r.ledger.Append(parentID, kind, class, payload, v.Synthetic)
	if err != nil {
		r.recordFailure(kind, err)
		return trace.Record{}, fmt.Errorf("capture: %s write failed: %w", kind, err)
	}

	// A successful capture supersedes earlier transient failures of the
	// same kind.
	if serr := r.failures.MarkSuperseded(rec.TraceID, kind); serr != nil {
		r.logger.Warn("failed to supersede capture failures",
			slog.String("trace_id", rec.TraceID),
			slog.String("kind", string(kind)),
			slog.String("error", serr.Error()),
		)
	}
	return rec, nil
}

// recordFailure persists a typed capture-failure record. The ledger write
// already failed; this record is what keeps the gap explainable.
func (r *Recorder) recordFailure(kind trace.Kind, cause error) {
	resolution := trace.ResolutionTransient
	// Contract violations against the ledger will never self-heal.
	if errors.Is(cause, trace.ErrSealed) || errors.Is(cause, trace.ErrUnknownParent) ||
		errors.Is(cause, trace.ErrCausalOrder) || errors.Is(cause, trace.ErrImmutable) ||
		!fault.Retryable(cause) {
		resolution = trace.ResolutionPermanent
	}
	cf := trace.CaptureFailure{
		ID:         uuid.NewString(),
		TraceID:    r.ledger.Trace().ID,
		Kind:       kind,
		Error:      cause.Error(),
		Resolution: resolution,
		OccurredAt: r.clock().UTC(),
	}
	if err := r.failures.Record(cf); err != nil {
		// Last resort: the failure record itself could not be written.
		// Log loudly; operators must treat this as an integrity incident.
		r.logger.Error("capture failure record lost",
			slog.String("trace_id", cf.TraceID),
			slog.String("kind", string(kind)),
			slog.String("capture_error", cause.Error()),
			slog.String("store_error", err.Error()),
		)
	}
}
