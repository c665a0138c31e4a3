package policy

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Rule is one named CEL expression. The expression must evaluate to a bool
// over the variables run, action, step_index and context.
type Rule struct {
	Name string
	Expr string
}

// CELEvaluator evaluates compiled CEL rules locally. Any rule evaluating to
// false denies; evaluation errors deny (fail-closed).
type CELEvaluator struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
	rules    []Rule
	// advisory-tagged rule names downgrade a false result from deny to
	// advisory.
	advisory map[string]bool
}

// NewCELEvaluator compiles the given rules.
func NewCELEvaluator(rules []Rule, advisoryRules ...string) (*CELEvaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("run", cel.DynType),
		cel.Variable("action", cel.StringType),
		cel.Variable("step_index", cel.IntType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment failed: %w", err)
	}

	e := &CELEvaluator{
		env:      env,
		programs: make(map[string]cel.Program, len(rules)),
		rules:    rules,
		advisory: make(map[string]bool),
	}
	for _, name := range advisoryRules {
		e.advisory[name] = true
	}

	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy: rule %q compile failed: %w", r.Name, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy: rule %q program failed: %w", r.Name, err)
		}
		e.programs[r.Name] = prg
	}
	return e, nil
}

func (e *CELEvaluator) Ref() string { return "policy/cel" }

func (e *CELEvaluator) Evaluate(_ context.Context, req *Request) (*Decision, error) {
	input := map[string]any{
		"run": map[string]any{
			"id":     req.RunID,
			"tenant": req.TenantID,
		},
		"action":     req.ActionID,
		"step_index": req.StepIndex,
		"context":    req.Context,
	}
	if input["context"] == nil {
		input["context"] = map[string]any{}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.rules {
		prg := e.programs[r.Name]
		out, _, err := prg.Eval(input)
		if err != nil {
			// Fail-closed: an evaluation error is a denial.
			return finalize(&Decision{
				Effect:    EffectDeny,
				Reason:    fmt.Sprintf("rule %q evaluation error: %v", r.Name, err),
				PolicyRef: e.Ref(),
			}, req)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return finalize(&Decision{
				Effect:    EffectDeny,
				Reason:    fmt.Sprintf("rule %q returned non-boolean", r.Name),
				PolicyRef: e.Ref(),
			}, req)
		}
		if !allowed {
			effect := EffectDeny
			if e.advisory[r.Name] {
				effect = EffectAdvisory
			}
			return finalize(&Decision{
				Effect:    effect,
				Reason:    fmt.Sprintf("rule %q violated", r.Name),
				PolicyRef: e.Ref(),
			}, req)
		}
	}

	return finalize(&Decision{
		Effect:    EffectAllow,
		Reason:    "all rules satisfied",
		PolicyRef: e.Ref(),
	}, req)
}
