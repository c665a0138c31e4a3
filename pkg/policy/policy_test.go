package policy

import (
	"context"
	"testing"
	"time"
)

func req() *Request {
	return &Request{
		RunID:     "run-1",
		TenantID:  "tenant-1",
		ActionID:  "fetch",
		StepIndex: 0,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestNotApplicableProducesRecord(t *testing.T) {
	d, err := NewNotApplicable().Evaluate(context.Background(), req())
	if err != nil {
		t.Fatal(err)
	}
	if d.Effect != EffectNotApplicable {
		t.Fatalf("expected not_applicable, got %s", d.Effect)
	}
	if d.DecisionHash == "" {
		t.Fatal("decision hash must always be set")
	}
	payload := d.Payload()
	if payload["decision"] != "not_applicable" {
		t.Fatal("payload must carry the distinct not_applicable value")
	}
}

func TestDecisionHashDeterministic(t *testing.T) {
	p := NewStatic(EffectAllow, "ok")
	d1, _ := p.Evaluate(context.Background(), req())
	d2, _ := p.Evaluate(context.Background(), req())
	if d1.DecisionHash != d2.DecisionHash {
		t.Fatal("identical requests must hash identically")
	}
}

func TestCELAllow(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{
		{Name: "tenant-set", Expr: `run.tenant != ""`},
		{Name: "known-action", Expr: `action in ["fetch", "transform"]`},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(context.Background(), req())
	if err != nil {
		t.Fatal(err)
	}
	if d.Effect != EffectAllow {
		t.Fatalf("expected allow, got %s: %s", d.Effect, d.Reason)
	}
}

func TestCELDeny(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{
		{Name: "blocked-action", Expr: `action != "fetch"`},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(context.Background(), req())
	if err != nil {
		t.Fatal(err)
	}
	if d.Effect != EffectDeny {
		t.Fatalf("expected deny, got %s", d.Effect)
	}
}

func TestCELAdvisory(t *testing.T) {
	e, err := NewCELEvaluator([]Rule{
		{Name: "prefer-batch", Expr: `step_index > 0`},
	}, "prefer-batch")
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(context.Background(), req())
	if err != nil {
		t.Fatal(err)
	}
	if d.Effect != EffectAdvisory {
		t.Fatalf("advisory-tagged rule must downgrade to advisory, got %s", d.Effect)
	}
}

func TestCELFailClosed(t *testing.T) {
	// context.missing errors at evaluation time against an empty map.
	e, err := NewCELEvaluator([]Rule{
		{Name: "needs-field", Expr: `context.missing == true`},
	})
	if err != nil {
		t.Fatal(err)
	}
	d, err := e.Evaluate(context.Background(), req())
	if err != nil {
		t.Fatal(err)
	}
	if d.Effect != EffectDeny {
		t.Fatalf("evaluation error must deny, got %s", d.Effect)
	}
}

func TestCELCompileErrorSurfaces(t *testing.T) {
	if _, err := NewCELEvaluator([]Rule{{Name: "broken", Expr: `((`}}); err == nil {
		t.Fatal("expected compile error")
	}
}
