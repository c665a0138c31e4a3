// Package executor drives a claimed Run through its step plan: per-step
// retries, timeouts, idempotency keys, circuit-breaker gating and evidence
// capture, then outcome classification, integrity grading and trace sealing.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/fault"
)

// Invocation is the input handed to a step action. Retries of the same
// logical attempt always present the same idempotency key; the action's own
// contract guarantees duplicate safety downstream.
type Invocation struct {
	RunID          string
	TenantID       string
	StepIndex      int
	ActionID       string
	Params         map[string]any
	IdempotencyKey string
	Attempt        int
}

// Result is the output of a successful step action.
type Result struct {
	Output    map[string]any
	CostUnits int64
	// ProviderCalls lists externally-consequential calls the action made.
	// Each becomes a provider evidence record.
	ProviderCalls []map[string]any
	// EnvSnapshot, when non-nil, becomes an environment evidence record.
	EnvSnapshot map[string]any
}

// Action is a pluggable step implementation supplied externally.
type Action interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// ActionFunc adapts a function to the Action interface.
type ActionFunc func(ctx context.Context, inv Invocation) (*Result, error)

func (f ActionFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}

// Definition binds an action id to its implementation and an optional JSON
// schema for input parameters. Schema violations are VALIDATION faults and
// never retried.
type Definition struct {
	ID     string
	Action Action
	Schema *jsonschema.Schema
}

// Registry holds registered actions by id.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds a definition. Re-registering an id replaces it.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("executor: action id required")
	}
	if def.Action == nil {
		return fmt.Errorf("executor: action %q has no implementation", def.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[def.ID] = def
	return nil
}

// RegisterFunc registers a bare handler without a schema.
func (r *Registry) RegisterFunc(id string, fn ActionFunc) error {
	return r.Register(Definition{ID: id, Action: fn})
}

// Get returns the definition for an action id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// ValidateParams checks params against the action's schema, if any.
func (def Definition) ValidateParams(params map[string]any) error {
	if def.Schema == nil {
		return nil
	}
	// jsonschema validates generic JSON values; params already are.
	var v any = params
	if params == nil {
		v = map[string]any{}
	}
	if err := def.Schema.Validate(v); err != nil {
		return fault.Validation(fmt.Errorf("params for action %q: %w", def.ID, err))
	}
	return nil
}
