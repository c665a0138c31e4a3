// Package cursor implements the Execution Cursor — the sole authority for
// step advancement on a claimed Run.
//
// Only the component actually executing steps holds a *Cursor and may call
// Advance. Every other collaborator (evidence writers, policy callers,
// observers) receives a read-only View and cannot mutate progress. This is a
// structural guarantee, not a convention: neither Run nor Step expose a
// progress mutator.
package cursor

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/canonical"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/run"
)

// ErrPlanExhausted is returned by Advance when no steps remain.
var ErrPlanExhausted = errors.New("cursor: plan exhausted")

// View is a read-only snapshot of execution position handed to collaborators.
type View struct {
	RunID         string
	TenantID      string
	CorrelationID string
	StepIndex     int
	Synthetic     bool
}

// Cursor drives serialized step advancement on one Run. Exactly one cursor
// exists per claimed Run; claim exclusivity guarantees no concurrent advancer.
type Cursor struct {
	mu    sync.Mutex
	run   *run.Run
	index int // index of the step currently open; -1 before the first advance
	stop  bool
}

// New creates a cursor positioned before the first step.
func New(r *run.Run) *Cursor {
	return &Cursor{run: r, index: -1}
}

// Resume creates a cursor re-entering after the last completed step index
// from a checkpoint. Completed steps are never re-executed.
func Resume(r *run.Run, lastCompleted int) *Cursor {
	return &Cursor{run: r, index: lastCompleted}
}

// Advance moves to the next step and returns its index. A step index may only
// be assigned here; step N+1 is never opened while step N is still open
// because the single holder calls Advance serially.
func (c *Cursor) Advance() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index+1 >= len(c.run.Plan) {
		return 0, ErrPlanExhausted
	}
	c.index++
	return c.index, nil
}

// Current returns the index of the currently open step, or -1 before the
// first advance.
func (c *Cursor) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// Step returns the currently open step by value.
func (c *Cursor) Step() (run.Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.index < 0 || c.index >= len(c.run.Plan) {
		return run.Step{}, fmt.Errorf("cursor: no open step")
	}
	return c.run.Plan[c.index], nil
}

// View returns a read-only execution context for collaborators.
func (c *Cursor) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		RunID:         c.run.ID,
		TenantID:      c.run.TenantID,
		CorrelationID: c.run.CorrelationID,
		StepIndex:     c.index,
		Synthetic:     c.run.Synthetic,
	}
}

// RequestStop sets the cooperative cancellation flag. The flag is consulted
// between steps only; an in-flight step is never interrupted by it.
func (c *Cursor) RequestStop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stop = true
}

// StopRequested reports whether cancellation was requested.
func (c *Cursor) StopRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop
}

// Checkpoint is an immutable snapshot of Run progress written after each
// successfully completed step.
type Checkpoint struct {
	RunID       string         `json:"run_id"`
	StepIndex   int            `json:"step_index"`
	Outputs     map[string]any `json:"outputs"`
	ContentHash string         `json:"content_hash"`
	CreatedAt   time.Time      `json:"created_at"`
}

// NewCheckpoint builds a snapshot with a content hash over the accumulated
// outputs.
func NewCheckpoint(runID string, stepIndex int, outputs map[string]any, now time.Time) (Checkpoint, error) {
	hash, err := canonical.Fingerprint(map[string]any{
		"run_id":     runID,
		"step_index": stepIndex,
		"outputs":    outputs,
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("cursor: checkpoint not hashable: %w", err)
	}
	return Checkpoint{
		RunID:       runID,
		StepIndex:   stepIndex,
		Outputs:     outputs,
		ContentHash: hash,
		CreatedAt:   now,
	}, nil
}

// Arena is an in-memory arena of immutable checkpoint snapshots indexed by
// (run_id, step_index).
type Arena struct {
	mu   sync.RWMutex
	byID map[string][]Checkpoint
}

// NewArena creates an empty checkpoint arena.
func NewArena() *Arena {
	return &Arena{byID: make(map[string][]Checkpoint)}
}

// Put stores a snapshot. Snapshots are never overwritten; a duplicate
// (run_id, step_index) is rejected.
func (a *Arena) Put(cp Checkpoint) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.byID[cp.RunID] {
		if existing.StepIndex == cp.StepIndex {
			return fmt.Errorf("cursor: checkpoint for run %s step %d already exists", cp.RunID, cp.StepIndex)
		}
	}
	a.byID[cp.RunID] = append(a.byID[cp.RunID], cp)
	return nil
}

// Latest returns the checkpoint with the highest step index for a run.
func (a *Arena) Latest(runID string) (Checkpoint, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cps := a.byID[runID]
	if len(cps) == 0 {
		return Checkpoint{}, false
	}
	best := cps[0]
	for _, cp := range cps[1:] {
		if cp.StepIndex > best.StepIndex {
			best = cp
		}
	}
	return best, true
}
