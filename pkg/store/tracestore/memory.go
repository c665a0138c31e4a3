package tracestore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

// Memory is the in-process backend used in tests and embedded deployments.
type Memory struct {
	mu       sync.Mutex
	byRun    map[string]trace.Trace
	records  map[string][]trace.Record
	failures []trace.CaptureFailure
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		byRun:   make(map[string]trace.Trace),
		records: make(map[string][]trace.Record),
	}
}

// SaveTrace persists the header and records. A run keeps its first sealed
// trace: a later trace with a different id is discarded and the loss recorded
// as a capture failure.
func (s *Memory) SaveTrace(_ context.Context, t trace.Trace, records []trace.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byRun[t.RunID]; ok && existing.ID != t.ID {
		s.failures = append(s.failures, trace.CaptureFailure{
			ID:         uuid.NewString(),
			TraceID:    existing.ID,
			Kind:       trace.KindRunOutcome,
			Error:      fmt.Sprintf("duplicate trace %s for run %s discarded", t.ID, t.RunID),
			Resolution: trace.ResolutionSuperseded,
			OccurredAt: time.Now().UTC(),
		})
		return nil
	}
	s.byRun[t.RunID] = t
	cp := make([]trace.Record, len(records))
	copy(cp, records)
	s.records[t.ID] = cp
	return nil
}

// LoadTrace returns the trace for a run and its records.
func (s *Memory) LoadTrace(_ context.Context, runID string) (trace.Trace, []trace.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byRun[runID]
	if !ok {
		return trace.Trace{}, nil, fmt.Errorf("%w: run %s", ErrTraceNotFound, runID)
	}
	recs := s.records[t.ID]
	cp := make([]trace.Record, len(recs))
	copy(cp, recs)
	return t, cp, nil
}

// DeleteSynthetic removes one synthetic record.
func (s *Memory) DeleteSynthetic(_ context.Context, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for traceID, recs := range s.records {
		for i, rec := range recs {
			if rec.ID != recordID {
				continue
			}
			if !rec.IsSynthetic {
				return fmt.Errorf("%w: %s", ErrNotSynthetic, recordID)
			}
			s.records[traceID] = append(recs[:i], recs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("tracestore: record %s not found", recordID)
}

// Record persists a capture failure.
func (s *Memory) Record(cf trace.CaptureFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, cf)
	return nil
}

// MarkSuperseded resolves earlier transient failures of a kind.
func (s *Memory) MarkSuperseded(traceID string, kind trace.Kind) error {
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

// ListByTrace returns all capture failures for a trace.
func (s *Memory) ListByTrace(traceID string) ([]trace.CaptureFailure, error) {
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
