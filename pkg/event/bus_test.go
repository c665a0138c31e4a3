package event

import "testing"

func TestEmitReachesSubscribers(t *testing.T) {
	b := NewBus()
	var got []Event
	b.Subscribe(TypeRunStarted, func(e Event) { got = append(got, e) })
	b.Subscribe(TypeRunCompleted, func(e Event) { t.Fatal("wrong type delivered") })

	evt := b.Emit(TypeRunStarted, "run-1", map[string]any{"worker": "w1"})
	if len(got) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got))
	}
	if got[0].ID != evt.ID || got[0].RunID != "run-1" {
		t.Fatalf("unexpected event %+v", got[0])
	}
}

func TestSubscribeAll(t *testing.T) {
	b := NewBus()
	count := 0
	b.SubscribeAll(func(Event) { count++ })
	b.Emit(TypeStepFailed, "run-1", nil)
	b.Emit(TypeBreakerOpened, "", nil)
	if count != 2 {
		t.Fatalf("expected 2 deliveries, got %d", count)
	}
}

func TestEmitDeliversBeforeReturning(t *testing.T) {
	b := NewBus()
	delivered := false
	b.Subscribe(TypeRunCompleted, func(Event) { delivered = true })
	b.Emit(TypeRunCompleted, "run-1", nil)
	// Delivery is synchronous on the emitter's goroutine.
	if !delivered {
		t.Fatal("handler must run before Emit returns")
	}
}

func TestPanickingSubscriberIsolated(t *testing.T) {
	b := NewBus()
	delivered := false
	b.Subscribe(TypeGradeComputed, func(Event) { panic("bad subscriber") })
	b.Subscribe(TypeGradeComputed, func(Event) { delivered = true })
	b.Emit(TypeGradeComputed, "run-1", nil)
	if !delivered {
		t.Fatal("a panicking subscriber must not block others")
	}
}
