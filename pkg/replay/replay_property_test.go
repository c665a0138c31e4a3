//go:build property
// +build property

package replay_test

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/replay"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

type sliceSource struct {
	trace   trace.Trace
	records []trace.Record
}

func (s *sliceSource) LoadTrace(context.Context, string) (trace.Trace, []trace.Record, error) {
	return s.trace, s.records, nil
}

func buildSealed(payloads []map[string]any) (*sliceSource, bool) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := trace.NewLedger(trace.NewTrace("run-p", now)).WithClock(func() time.Time { return now })
	parent, err := l.Append("", trace.KindRunEntry, trace.ClassActivity, map[string]any{"run_id": "run-p"}, false)
	if err != nil {
		return nil, false
	}
	for _, p := range payloads {
		if _, err := l.Append(parent.ID, trace.KindStepOutcome, trace.ClassActivity, p, false); err != nil {
			return nil, false
		}
	}
	sealed, err := l.Seal(trace.StatusComplete)
	if err != nil {
		return nil, false
	}
	return &sliceSource{trace: *sealed, records: l.Records()}, true
}

// Property: replay of any sealed trace completes with a fingerprint equal to
// the recorded checksum.
func TestReplayCompletesForAnySealedTrace(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("sealed traces replay to COMPLETE", prop.ForAll(
		func(keys []string, vals []string) bool {
			payloads := make([]map[string]any, 0, len(keys))
			for i := 0; i < len(keys) && i < len(vals); i++ {
				if keys[i] == "" {
					continue
				}
				payloads = append(payloads, map[string]any{keys[i]: vals[i], "seq": i})
			}
			src, ok := buildSealed(payloads)
			if !ok {
				return false
			}
			s, err := replay.NewEngine(src).Replay(context.Background(), "run-p")
			if err != nil {
				return false
			}
			return s.Status == replay.StatusComplete &&
				s.ReplayFingerprint == s.OriginalFingerprint
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// Property: tampering with any single payload after sealing is detected.
func TestReplayDetectsAnySingleTamper(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("tampered payloads diverge", prop.ForAll(
		func(n int, tamperAt int) bool {
			payloads := make([]map[string]any, n)
			for i := range payloads {
				payloads[i] = map[string]any{"step": i}
			}
			src, ok := buildSealed(payloads)
			if !ok {
				return false
			}
			idx := 1 + tamperAt%(len(src.records)-1)
			p := map[string]any{"tampered": true}
			src.records[idx].Payload = p

			s, err := replay.NewEngine(src).Replay(context.Background(), "run-p")
			if err != nil {
				return false
			}
			return s.Status == replay.StatusDiverged && s.DivergencePoint == idx
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
