// Package policy defines the authorization/policy collaborator consulted
// before a Run starts and optionally between steps.
//
// The executor records every decision as policy evidence regardless of its
// effect — including "not_applicable" when no policy is configured, which is
// a distinct, always-present value rather than an omitted record.
//
// Backends MUST be fail-closed (deny on error) and produce deterministic
// decision hashes (canonical JSON → SHA-256).
package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/canonical"
)

// Effect is the policy decision outcome.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
	// EffectAdvisory allows execution but flags the decision for review.
	EffectAdvisory Effect = "advisory"
	// EffectNotApplicable is recorded when no policy was consulted.
	EffectNotApplicable Effect = "not_applicable"
)

// Request is the canonical structured input to a policy evaluation.
type Request struct {
	RunID     string         `json:"run_id"`
	TenantID  string         `json:"tenant_id"`
	ActionID  string         `json:"action_id,omitempty"`
	StepIndex int            `json:"step_index"`
	Context   map[string]any `json:"context,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Decision is the canonical output of a policy evaluation.
type Decision struct {
	Effect       Effect `json:"effect"`
	Reason       string `json:"reason"`
	PolicyRef    string `json:"policy_ref"`
	DecisionHash string `json:"decision_hash"`
}

// Payload returns the decision as an evidence payload.
func (d *Decision) Payload() map[string]any {
	return map[string]any{
		"decision":      string(d.Effect),
		"reason":        d.Reason,
		"policy_ref":    d.PolicyRef,
		"decision_hash": d.DecisionHash,
	}
}

// DecisionPoint is the stable interface to the external policy service or a
// local backend.
type DecisionPoint interface {
	// Evaluate runs the policy evaluation. MUST be fail-closed: on error
	// the caller treats the run as denied.
	Evaluate(ctx context.Context, req *Request) (*Decision, error)
	// Ref identifies the backend for receipt binding.
	Ref() string
}

// finalize stamps the deterministic decision hash.
func finalize(d *Decision, req *Request) (*Decision, error) {
	hash, err := canonical.Fingerprint(map[string]any{
		"effect":     string(d.Effect),
		"reason":     d.Reason,
		"policy_ref": d.PolicyRef,
		"run_id":     req.RunID,
		"action_id":  req.ActionID,
		"step_index": req.StepIndex,
	})
	if err != nil {
		return nil, fmt.Errorf("policy: decision not hashable: %w", err)
	}
	d.DecisionHash = hash
	return d, nil
}

// NotApplicable is the backend used when no policy service is configured.
// It still produces a record for every evaluation.
type NotApplicable struct{}

// NewNotApplicable creates the not-applicable backend.
func NewNotApplicable() *NotApplicable { return &NotApplicable{} }

func (n *NotApplicable) Ref() string { return "policy/none" }

func (n *NotApplicable) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	return finalize(&Decision{
		Effect:    EffectNotApplicable,
		Reason:    "no policy configured",
		PolicyRef: n.Ref(),
	}, req)
}

// Static always returns a fixed effect. Used for tests and break-glass
// configurations.
type Static struct {
	effect Effect
	reason string
}

// NewStatic creates a static backend.
func NewStatic(effect Effect, reason string) *Static {
	return &Static{effect: effect, reason: reason}
}

func (s *Static) Ref() string { return "policy/static" }

func (s *Static) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	return finalize(&Decision{
		Effect:    s.effect,
		Reason:    s.reason,
		PolicyRef: s.Ref(),
	}, req)
}
