// Package trace defines the evidence model: a Trace is the container of all
// evidence for one Run, and every observed fact is one immutable Record in a
// hash-chained, causally-ordered ledger.
//
// Rules:
//   - records are append-only; committed rows are never mutated or deleted
//     (synthetic-tagged rows used for scenario cleanup are the one exception)
//   - each record references an already-committed parent, and the parent
//     timestamp never exceeds the child timestamp
//   - every terminal Run has exactly one outcome record; success is a row,
//     not the absence of one
package trace

import (
	"time"

	"github.com/google/uuid"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/canonical"
)

// SchemaVersion is the trace schema this build writes. Replay checks
// compatibility against it.
const SchemaVersion = "1.2.0"

// Classification tags the governance category of an evidence record.
type Classification string

const (
	// ClassActivity marks the run's own execution facts: step outcomes,
	// run outcome, entry/exit correlation.
	ClassActivity Classification = "activity"
	// ClassProvider marks externally-consequential activity such as
	// network or model provider calls.
	ClassProvider Classification = "provider"
	// ClassPolicy marks policy evaluation results, including not_applicable.
	ClassPolicy Classification = "policy"
	// ClassEnvironment marks environment snapshots.
	ClassEnvironment Classification = "environment"
	// ClassIntegrity marks the integrity verdict written back as evidence.
	ClassIntegrity Classification = "integrity"
)

// Kind identifies what fact a record states.
type Kind string

const (
	KindRunEntry         Kind = "run_entry"
	KindRunExit          Kind = "run_exit"
	KindStepOutcome      Kind = "step_outcome"
	KindRunOutcome       Kind = "run_outcome"
	KindPolicyDecision   Kind = "policy_decision"
	KindProviderCall     Kind = "provider_call"
	KindEnvSnapshot      Kind = "environment_snapshot"
	KindIntegrityVerdict Kind = "integrity_verdict"
)

// Status is the lifecycle state of a Trace.
type Status string

const (
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusAborted  Status = "aborted"
)

// OutcomeClass is the mandatory classification of a run outcome record.
type OutcomeClass string

const (
	OutcomeSuccess OutcomeClass = "success"
	OutcomeFailure OutcomeClass = "failure"
	OutcomePartial OutcomeClass = "partial"
	OutcomeBlocked OutcomeClass = "blocked"
)

// Resolution classifies a capture failure.
type Resolution string

const (
	// ResolutionTransient failures may self-heal.
	ResolutionTransient Resolution = "transient"
	// ResolutionPermanent failures will never resolve.
	ResolutionPermanent Resolution = "permanent"
	// ResolutionSuperseded failures were replaced by a later successful
	// capture.
	ResolutionSuperseded Resolution = "superseded"
)

// Record is one immutable evidence row.
type Record struct {
	ID             string         `json:"id"`
	TraceID        string         `json:"trace_id"`
	ParentID       string         `json:"parent_id,omitempty"`
	Sequence       uint64         `json:"sequence"`
	Kind           Kind           `json:"kind"`
	Classification Classification `json:"classification"`
	Payload        map[string]any `json:"payload"`
	PayloadHash    string         `json:"payload_hash"`
	ContentHash    string         `json:"content_hash"`
	PrevHash       string         `json:"prev_hash"`
	IsSynthetic    bool           `json:"is_synthetic"`
	CommittedAt    time.Time      `json:"committed_at"`
}

// Trace is the evidence container for one Run (1:1).
type Trace struct {
	ID            string     `json:"id"`
	RunID         string     `json:"run_id"`
	SchemaVersion string     `json:"schema_version"`
	Status        Status     `json:"status"`
	Checksum      string     `json:"checksum,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	SealedAt      *time.Time `json:"sealed_at,omitempty"`
}

// CaptureFailure records that evidence capture itself failed. It is persisted
// and fed to the integrity engine; it is never silently dropped.
type CaptureFailure struct {
	ID         string     `json:"id"`
	TraceID    string     `json:"trace_id"`
	Kind       Kind       `json:"kind"`
	Error      string     `json:"error"`
	Resolution Resolution `json:"resolution"`
	OccurredAt time.Time  `json:"occurred_at"`
}

// NewTrace creates a running trace for a run.
func NewTrace(runID string, now time.Time) *Trace {
	return &Trace{
		ID:            uuid.NewString(),
		RunID:         runID,
		SchemaVersion: SchemaVersion,
		Status:        StatusRunning,
		CreatedAt:     now,
	}
}

// hashableRecord is the normalized view of a record used for checksums and
// replay fingerprints. Volatile identifiers (record id, parent id) are
// excluded; sequence and payload hash pin the causal order and content.
type hashableRecord struct {
	Sequence       uint64         `json:"sequence"`
	Kind           Kind           `json:"kind"`
	Classification Classification `json:"classification"`
	PayloadHash    string         `json:"payload_hash"`
	Payload        map[string]any `json:"payload"`
}

// ChecksumRecords computes the deterministic checksum of an ordered record
// sequence. Two evaluations of the same sealed trace always agree.
func ChecksumRecords(records []Record) (string, error) {
	hashable := make([]hashableRecord, len(records))
	for i, r := range records {
		hashable[i] = hashableRecord{
			Sequence:       r.Sequence,
			Kind:           r.Kind,
			Classification: r.Classification,
			PayloadHash:    r.PayloadHash,
			Payload:        r.Payload,
		}
	}
	return canonical.Fingerprint(hashable)
}
