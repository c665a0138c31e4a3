package run

import "testing"

func TestNewAssignsIndexes(t *testing.T) {
	r, err := New("tenant-1", []Step{
		{ActionID: "fetch"},
		{ActionID: "transform"},
		{ActionID: "publish"},
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, s := range r.Plan {
		if s.Index != i {
			t.Fatalf("step %d has index %d", i, s.Index)
		}
		if s.Status != StepPending {
			t.Fatalf("step %d not pending", i)
		}
		if s.IdempotencyKey == "" {
			t.Fatalf("step %d has no idempotency key", i)
		}
		if s.OnError != OnErrorRetry {
			t.Fatalf("step %d should default to retry", i)
		}
	}
	if r.Status != StatusQueued {
		t.Fatalf("new run should be queued, got %s", r.Status)
	}
	if r.CorrelationID == "" {
		t.Fatal("correlation id must be set")
	}
}

func TestNewRejectsEmptyPlan(t *testing.T) {
	if _, err := New("tenant-1", nil); err == nil {
		t.Fatal("expected error for empty plan")
	}
}

func TestNewRejectsEmptyAction(t *testing.T) {
	if _, err := New("tenant-1", []Step{{}}); err == nil {
		t.Fatal("expected error for empty action id")
	}
}

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusSuccess, StatusFailure, StatusPartial, StatusBlocked}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
