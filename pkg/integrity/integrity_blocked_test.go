package integrity

import (
	"testing"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/capture"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

func TestBlockedRunWithoutStepOutcomesGradesPass(t *testing.T) {
	l := trace.NewLedger(trace.NewTrace("run-1", time.Now()))
	entry, _ := l.Append("", trace.KindRunEntry, trace.ClassActivity, map[string]any{"run_id": "run-1"}, false)
	l.Append(entry.ID, trace.KindPolicyDecision, trace.ClassPolicy, map[string]any{"decision": "deny"}, false)
	l.Append(entry.ID, trace.KindRunOutcome, trace.ClassActivity, map[string]any{"classification": "blocked"}, false)
	l.Append(entry.ID, trace.KindRunExit, trace.ClassActivity, map[string]any{"run_id": "run-1"}, false)

	en := NewEngine(capture.NewMemoryFailureStore())
	v, err := en.Grade("run-1", l)
	if err != nil {
		t.Fatal(err)
	}
	if v.Grade != GradePass {
		t.Fatalf("blocked run executed no steps, expected PASS, got %s (gaps %v)", v.Grade, v.Gaps)
	}
}
