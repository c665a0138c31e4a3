// Package run defines the core data model: a Run is one unit of orchestrated
// work composed of an ordered plan of Steps.
//
// Ownership rules:
//   - a queued Run is owned by the scheduler until claimed
//   - a running Run is owned by the execution cursor of the claiming worker
//   - terminal fields are written once only
//
// Progress on a Run is never mutated through this package; only the cursor
// advances step indexes.
package run

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusPartial Status = "partial"
	StatusBlocked Status = "blocked"
)

// Terminal reports whether the status is a final state.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusPartial, StatusBlocked:
		return true
	}
	return false
}

// StepStatus is the per-step state machine position.
type StepStatus string

const (
	StepPending  StepStatus = "pending"
	StepRunning  StepStatus = "running"
	StepSuccess  StepStatus = "success"
	StepRetrying StepStatus = "retrying"
	StepFailure  StepStatus = "failure"
)

// OnError selects failure handling for a step.
type OnError string

const (
	// OnErrorRetry retries transient failures up to the configured limit.
	OnErrorRetry OnError = "retry"
	// OnErrorAbort aborts the run on first failure. The failure is recorded
	// as evidence before the abort propagates.
	OnErrorAbort OnError = "abort"
)

// Step is one action within a Run's plan. Index is assigned only by the
// execution cursor owning the Run.
type Step struct {
	Index          int            `json:"index"`
	ActionID       string         `json:"action_id"`
	Params         map[string]any `json:"params,omitempty"`
	RetryCount     int            `json:"retry_count"`
	Status         StepStatus     `json:"status"`
	Duration       time.Duration  `json:"duration"`
	CostUnits      int64          `json:"cost_units"`
	IdempotencyKey string         `json:"idempotency_key"`
	OnError        OnError        `json:"on_error"`
	Timeout        time.Duration  `json:"timeout,omitempty"`
}

// Run is a unit of work claimed and executed by exactly one worker at a time.
type Run struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Plan          []Step     `json:"plan"`
	Status        Status     `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	CorrelationID string     `json:"correlation_id"`
	Synthetic     bool       `json:"synthetic"`
	ClaimedBy     string     `json:"claimed_by,omitempty"`
	ClaimExpires  *time.Time `json:"claim_expires,omitempty"`
	Reclaims      int        `json:"reclaims"`
	CreatedAt     time.Time  `json:"created_at"`
}

// New builds a queued Run with a fresh id and correlation id. Step indexes
// are assigned from plan order; idempotency keys default to
// "<run>:<index>:<action>" when unset.
func New(tenantID string, plan []Step) (*Run, error) {
	if len(plan) == 0 {
		return nil, fmt.Errorf("run: plan must contain at least one step")
	}
	id := uuid.NewString()
	steps := make([]Step, len(plan))
	for i, s := range plan {
		if s.ActionID == "" {
			return nil, fmt.Errorf("run: step %d has empty action id", i)
		}
		s.Index = i
		s.Status = StepPending
		if s.OnError == "" {
			s.OnError = OnErrorRetry
		}
		if s.IdempotencyKey == "" {
			s.IdempotencyKey = fmt.Sprintf("%s:%d:%s", id, i, s.ActionID)
		}
		steps[i] = s
	}
	return &Run{
		ID:            id,
		TenantID:      tenantID,
		Plan:          steps,
		Status:        StatusQueued,
		CorrelationID: uuid.NewString(),
		CreatedAt:     time.Now().UTC(),
	}, nil
}
