package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/config"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/executor"
	"github.com/Xuniverzadmin/agenticverz-2.0-sub008/pkg/policy"
)

// registerBuiltins installs the diagnostic actions every deployment carries.
// Real action sets are registered by embedding the executor as a library.
func registerBuiltins(reg *executor.Registry) error {
	if err := reg.RegisterFunc("noop", func(context.Context, executor.Invocation) (*executor.Result, error) {
		return &executor.Result{}, nil
	}); err != nil {
		return err
	}

	if err := reg.RegisterFunc("echo", func(_ context.Context, inv executor.Invocation) (*executor.Result, error) {
		return &executor.Result{Output: inv.Params}, nil
	}); err != nil {
		return err
	}

	return reg.RegisterFunc("sleep", func(ctx context.Context, inv executor.Invocation) (*executor.Result, error) {
		ms, _ := inv.Params["duration_ms"].(float64)
		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		defer t.Stop()
		select {
		case <-t.C:
			return &executor.Result{}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

// policyFile is the on-disk rules format.
type policyFile struct {
	Rules []struct {
		Name string `json:"name"`
		Expr string `json:"expr"`
	} `json:"rules"`
	Advisory []string `json:"advisory,omitempty"`
}

// loadDecisionPoint builds the policy evaluator from POLICY_RULES. No file
// means no policy, which evaluates to not_applicable and is still recorded.
func loadDecisionPoint(cfg *config.Config, logger *slog.Logger) (policy.DecisionPoint, error) {
	if cfg.PolicyPath == "" {
		return policy.NewNotApplicable(), nil
	}
	raw, err := os.ReadFile(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	var pf policyFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("policy rules: %w", err)
	}
	rules := make([]policy.Rule, len(pf.Rules))
	for i, r := range pf.Rules {
		rules[i] = policy.Rule{Name: r.Name, Expr: r.Expr}
	}
	eval, err := policy.NewCELEvaluator(rules, pf.Advisory...)
	if err != nil {
		return nil, err
	}
	logger.Info("policy rules loaded",
		slog.String("path", cfg.PolicyPath),
		slog.Int("rules", len(rules)),
	)
	return eval, nil
}
