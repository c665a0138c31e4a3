package replay

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// memSource serves one trace from memory.
type memSource struct {
	trace   trace.Trace
	records []trace.Record
	err     error
}

func (m *memSource) LoadTrace(context.Context, string) (trace.Trace, []trace.Record, error) {
	return m.trace, m.records, m.err
}

func sealedSource(t *testing.T) *memSource {
	t.Helper()
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := trace.NewLedger(trace.NewTrace("run-1", now)).WithClock(func() time.Time { return now })

	entry, err := l.Append("", trace.KindRunEntry, trace.ClassActivity, map[string]any{"run_id": "run-1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	l.Append(entry.ID, trace.KindStepOutcome, trace.ClassActivity, map[string]any{
		"step_index": 0, "status": "success", "latency_ms": 12.3456784,
	}, false)
	l.Append(entry.ID, trace.KindRunOutcome, trace.ClassActivity, map[string]any{"classification": "success"}, false)
	l.Append(entry.ID, trace.KindRunExit, trace.ClassActivity, map[string]any{"run_id": "run-1"}, false)

	sealed, err := l.Seal(trace.StatusComplete)
	if err != nil {
		t.Fatal(err)
	}
	return &memSource{trace: *sealed, records: l.Records()}
}

func TestReplaySealedTraceCompletes(t *testing.T) {
	src := sealedSource(t)
	s, err := NewEngine(src).Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusComplete {
		t.Fatalf("status = %s (%s)", s.Status, s.DivergenceInfo)
	}
	if s.ReplayFingerprint != s.OriginalFingerprint {
		t.Fatalf("fingerprints differ: %s vs %s", s.ReplayFingerprint, s.OriginalFingerprint)
	}
	if s.ReplayedRecords != s.TotalRecords {
		t.Fatalf("replayed %d of %d", s.ReplayedRecords, s.TotalRecords)
	}
}

func TestReplayIsRepeatable(t *testing.T) {
	src := sealedSource(t)
	e := NewEngine(src)
	a, err := e.Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if a.ReplayFingerprint != b.ReplayFingerprint || a.Status != b.Status {
		t.Fatalf("replay not deterministic: %+v vs %+v", a, b)
	}
}

func TestTamperedPayloadDiverges(t *testing.T) {
	src := sealedSource(t)
	// Mutate a copy of record 2's payload after sealing.
	tampered := make([]trace.Record, len(src.records))
	copy(tampered, src.records)
	p := make(map[string]any, len(tampered[1].Payload))
	for k, v := range tampered[1].Payload {
		p[k] = v
	}
	p["status"] = "failure"
	tampered[1].Payload = p
	src.records = tampered

	s, err := NewEngine(src).Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusDiverged {
		t.Fatalf("status = %s, want DIVERGED", s.Status)
	}
	if s.DivergencePoint != 1 {
		t.Fatalf("divergence point = %d, want 1", s.DivergencePoint)
	}
	if !strings.Contains(s.DivergenceInfo, "sequence 2") {
		t.Fatalf("diagnostic must name the sequence: %q", s.DivergenceInfo)
	}
}

func TestDroppedRecordDiverges(t *testing.T) {
	src := sealedSource(t)
	src.records = append(src.records[:1], src.records[2:]...)

	s, err := NewEngine(src).Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusDiverged {
		t.Fatalf("status = %s, want DIVERGED", s.Status)
	}
}

func TestUnsealedTraceRejected(t *testing.T) {
	now := time.Now()
	l := trace.NewLedger(trace.NewTrace("run-1", now))
	l.Append("", trace.KindRunEntry, trace.ClassActivity, map[string]any{"run_id": "run-1"}, false)
	src := &memSource{trace: l.Trace(), records: l.Records()}

	_, err := NewEngine(src).Replay(context.Background(), "run-1")
	if !errors.Is(err, ErrTraceNotSealed) {
		t.Fatalf("expected ErrTraceNotSealed, got %v", err)
	}
}

func TestIncompatibleSchemaRejected(t *testing.T) {
	src := sealedSource(t)
	src.trace.SchemaVersion = "2.0.0"

	_, err := NewEngine(src).Replay(context.Background(), "run-1")
	if !errors.Is(err, ErrSchemaIncompatible) {
		t.Fatalf("expected ErrSchemaIncompatible, got %v", err)
	}
}

func TestOlderCompatibleSchemaAccepted(t *testing.T) {
	src := sealedSource(t)
	src.trace.SchemaVersion = "1.0.0"

	s, err := NewEngine(src).Replay(context.Background(), "run-1")
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != StatusComplete {
		t.Fatalf("status = %s", s.Status)
	}
}

func TestEmptyTraceRejected(t *testing.T) {
	src := sealedSource(t)
	src.records = nil

	_, err := NewEngine(src).Replay(context.Background(), "run-1")
	if !errors.Is(err, ErrNoRecords) {
		t.Fatalf("expected ErrNoRecords, got %v", err)
	}
}
