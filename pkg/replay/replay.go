// Package replay reconstructs a run's evidence sequence from its sealed
// trace and verifies it fingerprint-for-fingerprint against what was
// recorded.
//
// Replay is a pure function of the sealed trace: it performs no writes,
// consults no live clock for any compared value, and uses no randomness.
// Two replays of the same sealed trace always reach the same conclusion.
// Divergence at any record terminates the session with a diagnostic naming
// the sequence, the kind and both hashes.
package replay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/canonical"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/trace"
)

var (
	// ErrTraceNotSealed is returned when replay is attempted on a trace
	// that has not reached a terminal status. Replay reads sealed evidence
	// only; a live trace is still being written.
	ErrTraceNotSealed = errors.New("replay: trace not sealed")
	// ErrSchemaIncompatible is returned when the trace was written by a
	// schema this build cannot interpret.
	ErrSchemaIncompatible = errors.New("replay: incompatible trace schema")
	// ErrNoRecords is returned for a sealed trace with an empty ledger.
	ErrNoRecords = errors.New("replay: trace has no records")
)

// supportedSchemas is the trace schema range this build replays.
const supportedSchemas = ">= 1.0.0, < 2.0.0"

// Status is the lifecycle state of a replay session.
type Status string

const (
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusDiverged Status = "DIVERGED"
	StatusFailed   Status = "FAILED"
)

// Step is one replayed record with its expected and recomputed hashes.
type Step struct {
	Sequence     uint64     `json:"sequence"`
	Kind         trace.Kind `json:"kind"`
	ExpectedHash string     `json:"expected_hash"`
	ReplayedHash string     `json:"replayed_hash"`
}

// Session tracks one replay of one run.
type Session struct {
	SessionID           string    `json:"session_id"`
	RunID               string    `json:"run_id"`
	TraceID             string    `json:"trace_id"`
	Status              Status    `json:"status"`
	TotalRecords        int       `json:"total_records"`
	ReplayedRecords     int       `json:"replayed_records"`
	DivergencePoint     int       `json:"divergence_point,omitempty"`
	DivergenceInfo      string    `json:"divergence_info,omitempty"`
	OriginalFingerprint string    `json:"original_fingerprint"`
	ReplayFingerprint   string    `json:"replay_fingerprint,omitempty"`
	StartedAt           time.Time `json:"started_at"`
	CompletedAt         time.Time `json:"completed_at,omitempty"`
	Steps               []Step    `json:"steps"`
}

// Source loads a sealed trace and its ordered records.
type Source interface {
	LoadTrace(ctx context.Context, runID string) (trace.Trace, []trace.Record, error)
}

// Engine replays sealed traces and tracks sessions.
type Engine struct {
	mu         sync.Mutex
	source     Source
	sessions   map[string]*Session
	constraint *semver.Constraints
	clock      func() time.Time
}

// NewEngine creates a replay engine over a trace source.
func NewEngine(source Source) *Engine {
	c, err := semver.NewConstraint(supportedSchemas)
	if err != nil {
		// The constraint is a compile-time literal.
		panic(fmt.Sprintf("replay: bad schema constraint: %v", err))
	}
	return &Engine{
		source:     source,
		sessions:   make(map[string]*Session),
		constraint: c,
		clock:      time.Now,
	}
}

// WithClock overrides the clock used for session timestamps. Compared values
// never depend on it.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// Replay loads the sealed trace for a run, recomputes every payload and
// content hash along the chain, and compares the rebuilt fingerprint against
// the recorded checksum.
func (e *Engine) Replay(ctx context.Context, runID string) (*Session, error) {
	t, records, err := e.source.LoadTrace(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("replay: load trace for run %s: %w", runID, err)
	}
	if t.Status == trace.StatusRunning {
		return nil, fmt.Errorf("%w: run %s", ErrTraceNotSealed, runID)
	}
	if err := e.checkSchema(t.SchemaVersion); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: run %s", ErrNoRecords, runID)
	}

	session := &Session{
		SessionID:           fmt.Sprintf("replay-%s-%d", runID, e.clock().UnixNano()),
		RunID:               runID,
		TraceID:             t.ID,
		Status:              StatusRunning,
		TotalRecords:        len(records),
		OriginalFingerprint: t.Checksum,
		StartedAt:           e.clock().UTC(),
		Steps:               make([]Step, 0, len(records)),
	}

	e.mu.Lock()
	e.sessions[session.SessionID] = session
	e.mu.Unlock()

	prevHash := trace.GenesisHash
	for i, rec := range records {
		replayedPayload, perr := canonical.Fingerprint(rec.Payload)
		if perr != nil {
			return e.finish(session, StatusFailed, i,
				fmt.Sprintf("payload of sequence %d not hashable: %v", rec.Sequence, perr)), nil
		}
		replayedContent, cerr := canonical.Fingerprint(map[string]any{
			"sequence":     rec.Sequence,
			"kind":         string(rec.Kind),
			"payload_hash": replayedPayload,
			"prev_hash":    prevHash,
		})
		if cerr != nil {
			return e.finish(session, StatusFailed, i,
				fmt.Sprintf("content of sequence %d not hashable: %v", rec.Sequence, cerr)), nil
		}

		session.Steps = append(session.Steps, Step{
			Sequence:     rec.Sequence,
			Kind:         rec.Kind,
			ExpectedHash: rec.ContentHash,
			ReplayedHash: replayedContent,
		})
		session.ReplayedRecords = i + 1

		if rec.Sequence != uint64(i+1) {
			return e.finish(session, StatusDiverged, i,
				fmt.Sprintf("sequence gap at position %d: expected %d, got %d", i, i+1, rec.Sequence)), nil
		}
		if replayedPayload != rec.PayloadHash {
			return e.finish(session, StatusDiverged, i,
				fmt.Sprintf("payload diverged at sequence %d (%s): expected %s, got %s",
					rec.Sequence, rec.Kind, rec.PayloadHash, replayedPayload)), nil
		}
		if rec.PrevHash != prevHash {
			return e.finish(session, StatusDiverged, i,
				fmt.Sprintf("chain diverged at sequence %d: expected prev %s, got %s",
					rec.Sequence, prevHash, rec.PrevHash)), nil
		}
		if replayedContent != rec.ContentHash {
			return e.finish(session, StatusDiverged, i,
				fmt.Sprintf("content diverged at sequence %d (%s): expected %s, got %s",
					rec.Sequence, rec.Kind, rec.ContentHash, replayedContent)), nil
		}
		prevHash = replayedContent
	}

	fingerprint, ferr := trace.ChecksumRecords(records)
	if ferr != nil {
		return e.finish(session, StatusFailed, len(records)-1,
			fmt.Sprintf("fingerprint computation failed: %v", ferr)), nil
	}
	session.ReplayFingerprint = fingerprint
	if fingerprint != t.Checksum {
		return e.finish(session, StatusDiverged, len(records)-1,
			fmt.Sprintf("trace fingerprint mismatch: expected %s, got %s", t.Checksum, fingerprint)), nil
	}

	session.Status = StatusComplete
	session.CompletedAt = e.clock().UTC()
	return session, nil
}

// Session retrieves a tracked session by id.
func (e *Engine) Session(sessionID string) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("replay: session %q not found", sessionID)
	}
	return s, nil
}

func (e *Engine) checkSchema(version string) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: unparseable version %q", ErrSchemaIncompatible, version)
	}
	if !e.constraint.Check(v) {
		return fmt.Errorf("%w: trace schema %s outside supported range %s",
			ErrSchemaIncompatible, version, supportedSchemas)
	}
	return nil
}

func (e *Engine) finish(s *Session, status Status, point int, info string) *Session {
	s.Status = status
	s.DivergencePoint = point
	s.DivergenceInfo = info
	s.CompletedAt = e.clock().UTC()
	return s
}
