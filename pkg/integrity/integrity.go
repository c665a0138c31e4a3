// Package integrity reconciles expected versus observed evidence into a
// graded verdict.
//
// The engine is split into an Assembler (pure fact-gathering: reads the
// ledger, enumerates expected categories, observed records and capture
// failures) and an Evaluator (pure policy: grades the assembled facts).
//
// The central distinction: a missing mandatory artifact with no matching
// capture-failure record is always FAIL — absence of evidence is never
// interpreted as "nothing to capture". The same gap explained by a capture
// failure grades WARN, never PASS.
package integrity

import (
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// Grade is the integrity verdict.
type Grade string

const (
	// GradePass means all expected evidence is present.
	GradePass Grade = "PASS"
	// GradeWarn means non-critical gaps exist, each explained by a
	// capture-failure record or an optional-category miss.
	GradeWarn Grade = "WARN"
	// GradeFail means mandatory evidence is missing and unexplained.
	GradeFail Grade = "FAIL"
)

// State is the verdict lifecycle, orthogonal to the grade: a sealed verdict
// can still carry FAIL.
type State string

const (
	StatePending State = "pending"
	StateSealed  State = "sealed"
)

// MandatoryKinds is the evidence footprint every run must produce, whatever
// its outcome.
var MandatoryKinds = []trace.Kind{
	trace.KindRunEntry,
	trace.KindStepOutcome,
	trace.KindRunOutcome,
	trace.KindPolicyDecision,
	trace.KindRunExit,
}

// Gap is one missing mandatory category.
type Gap struct {
	Kind      trace.Kind `json:"kind"`
	Explained bool       `json:"explained"`
	// Resolution of the explaining capture failure, empty when unexplained.
	Resolution trace.Resolution `json:"resolution,omitempty"`
}

// Facts is the assembled, evaluation-ready view of one run's evidence.
type Facts struct {
	RunID          string                       `json:"run_id"`
	TraceID        string                       `json:"trace_id"`
	TraceStatus    trace.Status                 `json:"trace_status"`
	Expected       []trace.Kind                 `json:"expected"`
	Observed       map[trace.Kind]int           `json:"observed"`
	Failures       []trace.CaptureFailure       `json:"failures"`
	OutcomeClass   string                       `json:"outcome_class,omitempty"`
	ChainIntact    bool                         `json:"chain_intact"`
	ChainBreakInfo string                       `json:"chain_break_info,omitempty"`
}

// Verdict is the graded result, written back as integrity-classified
// evidence.
type Verdict struct {
	RunID       string    `json:"run_id"`
	TraceID     string    `json:"trace_id"`
	State       State     `json:"state"`
	Grade       Grade     `json:"grade"`
	Gaps        []Gap     `json:"gaps,omitempty"`
	Notes       []string  `json:"notes,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

// Seal marks the verdict as final. Called once the run is terminal and the
// verdict is about to be written back as evidence; the grade is unaffected.
func (v *Verdict) Seal() { v.State = StateSealed }

// Payload returns the verdict as an evidence payload.
func (v *Verdict) Payload() map[string]any {
	gaps := make([]any, len(v.Gaps))
	for i, g := range v.Gaps {
		gaps[i] = map[string]any{
			"kind":       string(g.Kind),
			"explained":  g.Explained,
			"resolution": string(g.Resolution),
		}
	}
	notes := make([]any, len(v.Notes))
	for i, n := range v.Notes {
		notes[i] = n
	}
	return map[string]any{
		"run_id": v.RunID,
		"state":  string(v.State),
		"grade":  string(v.Grade),
		"gaps":   gaps,
		"notes":  notes,
	}
}

// Ledger is the read-only slice of the trace ledger the assembler needs.
type Ledger interface {
	Records() []trace.Record
	Trace() trace.Trace
	Verify() (bool, string)
}

// FailureSource lists capture failures for a trace.
type FailureSource interface {
	ListByTrace(traceID string) ([]trace.CaptureFailure, error)
}

// Assembler gathers facts. It only reads; it never writes evidence.
type Assembler struct {
	failures FailureSource
}

// NewAssembler creates an assembler over a capture-failure source.
func NewAssembler(failures FailureSource) *Assembler {
	return &Assembler{failures: failures}
}

// Assemble enumerates expected categories, observed records and capture
// failures for a run's ledger.
func (a *Assembler) Assemble(runID string, ledger Ledger) (*Facts, error) {
	t := ledger.Trace()

	observed := make(map[trace.Kind]int)
	outcomeClass := ""
	for _, rec := range ledger.Records() {
		observed[rec.Kind]++
		if rec.Kind == trace.KindRunOutcome {
			if c, ok := rec.Payload["classification"].(string); ok {
				outcomeClass = c
			}
		}
	}

	failures, err := a.failures.ListByTrace(t.ID)
	if err != nil {
		return nil, err
	}

	intact, info := ledger.Verify()

	return &Facts{
		RunID:          runID,
		TraceID:        t.ID,
		TraceStatus:    t.Status,
		Expected:       MandatoryKinds,
		Observed:       observed,
		Failures:       failures,
		OutcomeClass:   outcomeClass,
		ChainIntact:    intact,
		ChainBreakInfo: info,
	}, nil
}

// Evaluator grades assembled facts. Pure policy: no reads, no writes.
type Evaluator struct {
	clock func() time.Time
}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (e *Evaluator) WithClock(clock func() time.Time) *Evaluator {
	e.clock = clock
	return e
}

// Evaluate computes the verdict. State is sealed when the trace reached a
// terminal status, pending otherwise.
func (e *Evaluator) Evaluate(facts *Facts) *Verdict {
	v := &Verdict{
		RunID:       facts.RunID,
		TraceID:     facts.TraceID,
		State:       StatePending,
		Grade:       GradePass,
		EvaluatedAt: e.clock().UTC(),
	}
	if facts.TraceStatus != trace.StatusRunning {
		v.State = StateSealed
	}

	explained := make(map[trace.Kind]trace.Resolution)
	for _, cf := range facts.Failures {
		if _, seen := explained[cf.Kind]; !seen {
			explained[cf.Kind] = cf.Resolution
		}
	}

	for _, kind := range facts.Expected {
		if facts.Observed[kind] > 0 {
			continue
		}
		// A run blocked before its first step legitimately has no step
		// outcomes; absence there is not a gap.
		if kind == trace.KindStepOutcome && facts.OutcomeClass == string(trace.OutcomeBlocked) {
			continue
		}
		res, ok := explained[kind]
		gap := Gap{Kind: kind, Explained: ok, Resolution: res}
		v.Gaps = append(v.Gaps, gap)
		if ok {
			// Explained gaps degrade to WARN, never PASS.
			v.Grade = worst(v.Grade, GradeWarn)
		} else {
			v.Grade = worst(v.Grade, GradeFail)
		}
	}

	// Capture failures for categories that later succeeded (superseded) or
	// for optional telemetry are non-critical.
	for _, cf := range facts.Failures {
		if facts.Observed[cf.Kind] > 0 && cf.Resolution != trace.ResolutionSuperseded {
			v.Notes = append(v.Notes, "capture failure for present category "+string(cf.Kind))
			v.Grade = worst(v.Grade, GradeWarn)
		}
	}

	if !facts.ChainIntact {
		v.Notes = append(v.Notes, "hash chain broken: "+facts.ChainBreakInfo)
		v.Grade = worst(v.Grade, GradeFail)
	}

	if facts.OutcomeClass == "" && facts.Observed[trace.KindRunOutcome] > 0 {
		v.Notes = append(v.Notes, "outcome record missing classification")
		v.Grade = worst(v.Grade, GradeFail)
	}

	return v
}

// worst returns the more severe of two grades.
func worst(a, b Grade) Grade {
	rank := map[Grade]int{GradePass: 0, GradeWarn: 1, GradeFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Engine couples the assembler and evaluator for callers that want a single
// entry point.
type Engine struct {
	assembler *Assembler
	evaluator *Evaluator
}

// NewEngine creates an engine.
func NewEngine(failures FailureSource) *Engine {
	return &Engine{
		assembler: NewAssembler(failures),
		evaluator: NewEvaluator(),
	}
}

// WithClock overrides the evaluator clock.
func (en *Engine) WithClock(clock func() time.Time) *Engine {
	en.evaluator.WithClock(clock)
	return en
}

// Grade assembles and evaluates in one step.
func (en *Engine) Grade(runID string, ledger Ledger) (*Verdict, error) {
	facts, err := en.assembler.Assemble(runID, ledger)
	if err != nil {
		return nil, err
	}
	return en.evaluator.Evaluate(facts), nil
}
