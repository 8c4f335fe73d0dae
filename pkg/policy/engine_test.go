package policy

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
)

func testPlan(entries ...engine.PlanEntry) *engine.Plan {
	plan := &engine.Plan{RunID: "run-1", Desired: []string{"firefox"}, Entries: entries}
	for _, e := range entries {
		switch e.Method {
		case engine.MethodInstall:
			plan.Summary.Install++
		case engine.MethodUpgrade:
			plan.Summary.Upgrade++
		case engine.MethodRemove:
			plan.Summary.Remove++
		}
	}
	return plan
}

func removal(id string) engine.PlanEntry {
	return engine.PlanEntry{ID: id, Name: id, Version: "1", Method: engine.MethodRemove}
}

func install(id string) engine.PlanEntry {
	return engine.PlanEntry{ID: id, Name: id, Version: "1", Method: engine.MethodInstall, Priority: 5}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	cfg.Hostname = "lab-1"
	eng, err := NewEngine(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return eng
}

func TestNewEngine(t *testing.T) {
	eng := newTestEngine(t, Config{})

	policies := eng.ListPolicies()
	if len(policies) != 2 || policies[0].Name != "max-removals" || policies[1].Name != "protected-packages" {
		t.Fatalf("ListPolicies() = %+v", policies)
	}
	for _, p := range policies {
		if !p.Builtin || !p.Enabled {
			t.Errorf("built-in policy %s: %+v", p.Name, p)
		}
	}
}

func TestCheckPlanBuiltins(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		plan     *engine.Plan
		wantDeny string
	}{
		{
			name: "no parameters allows everything",
			plan: testPlan(removal("a"), removal("b"), removal("c")),
		},
		{
			name: "removals within limit",
			cfg:  Config{MaxRemovals: 2},
			plan: testPlan(removal("a"), removal("b"), install("c")),
		},
		{
			name:     "too many removals",
			cfg:      Config{MaxRemovals: 2},
			plan:     testPlan(removal("a"), removal("b"), removal("c")),
			wantDeny: "plan removes 3 packages, more than the allowed 2",
		},
		{
			name: "protected package installed",
			cfg:  Config{ProtectedPackages: []string{"av-client"}},
			plan: testPlan(install("av-client")),
		},
		{
			name:     "protected package removed",
			cfg:      Config{ProtectedPackages: []string{"av-client"}},
			plan:     testPlan(removal("av-client"), removal("other")),
			wantDeny: "package av-client is protected",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine(t, tt.cfg)
			err := eng.CheckPlan(context.Background(), tt.plan)
			if tt.wantDeny == "" {
				if err != nil {
					t.Fatalf("CheckPlan() error = %v", err)
				}
				return
			}

			var engErr *engine.EngineError
			if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodePolicyDenied {
				t.Fatalf("CheckPlan() error = %v, want POLICY_DENIED", err)
			}
			if engErr.Operation != engine.PhasePolicy {
				t.Errorf("Operation = %q", engErr.Operation)
			}
			if !strings.Contains(err.Error(), tt.wantDeny) {
				t.Errorf("CheckPlan() error = %v, want %q", err, tt.wantDeny)
			}
		})
	}
}

const hostnamePolicy = `package winsync.custom.hosts

import rego.v1

# Lab machines may not install games.
deny contains msg if {
	startswith(input.context.hostname, "lab-")
	some entry in input.plan
	entry.method == "install"
	startswith(entry.id, "game-")
	msg := sprintf("%s is not allowed on lab machines", [entry.id])
}

deny contains violation if {
	input.summary.upgrade > 10
	violation := {"message": "large upgrade", "severity": "warning"}
}
`

func TestLoadCustomPolicy(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	if err := eng.Load(ctx, []Policy{{Name: "hosts", Rego: hostnamePolicy, Enabled: true}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	result, err := eng.Evaluate(ctx, testPlan(install("game-solitaire"), install("editor")))
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if result.Allowed || len(result.Violations) != 1 {
		t.Fatalf("Evaluate() = %+v", result)
	}
	v := result.Violations[0]
	if v.Policy != "hosts" || v.Severity != SeverityError || v.Message != "game-solitaire is not allowed on lab machines" {
		t.Errorf("violation = %+v", v)
	}
	if len(result.EvaluatedPolicies) != 3 {
		t.Errorf("EvaluatedPolicies = %v", result.EvaluatedPolicies)
	}

	// Non-blocking severities are warnings.
	plan := testPlan()
	plan.Summary.Upgrade = 11
	result, err = eng.Evaluate(ctx, plan)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 1 || result.Warnings[0].Severity != SeverityWarning {
		t.Errorf("Evaluate() = %+v", result)
	}
	if err := eng.CheckPlan(ctx, plan); err != nil {
		t.Errorf("CheckPlan() with warnings only = %v", err)
	}

	// Disabled policies are skipped.
	if err := eng.DisablePolicy("hosts"); err != nil {
		t.Fatalf("DisablePolicy() error = %v", err)
	}
	if err := eng.CheckPlan(ctx, testPlan(install("game-solitaire"))); err != nil {
		t.Errorf("CheckPlan() with disabled policy = %v", err)
	}
	if err := eng.EnablePolicy("missing"); err == nil {
		t.Error("EnablePolicy(missing) should fail")
	}
}

func TestLoadReplacesCustomPolicies(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	if err := eng.Load(ctx, []Policy{{Name: "hosts", Rego: hostnamePolicy, Enabled: true}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := eng.Load(ctx, nil); err != nil {
		t.Fatalf("Load(nil) error = %v", err)
	}
	if _, err := eng.GetPolicy("hosts"); err == nil {
		t.Error("custom policy survived reload")
	}
	if _, err := eng.GetPolicy("max-removals"); err != nil {
		t.Errorf("built-in policy lost: %v", err)
	}

	tests := []struct {
		name     string
		policies []Policy
	}{
		{"syntax error", []Policy{{Name: "bad", Rego: "package x\n\ndeny contains if {", Enabled: true}}},
		{"shadows builtin", []Policy{{Name: "max-removals", Rego: hostnamePolicy, Enabled: true}}},
		{"duplicate", []Policy{
			{Name: "hosts", Rego: hostnamePolicy, Enabled: true},
			{Name: "hosts", Rego: hostnamePolicy, Enabled: true},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := eng.Load(ctx, tt.policies); err == nil {
				t.Error("Load() should fail")
			}
			if n := len(eng.ListPolicies()); n != 2 {
				t.Errorf("failed Load() changed the policy set: %d policies", n)
			}
		})
	}
}

func TestCheckPlanEvaluationError(t *testing.T) {
	eng := newTestEngine(t, Config{})
	ctx := context.Background()

	conflict := `package winsync.custom.conflict

import rego.v1

deny := id if {
	some entry in input.plan
	id := entry.id
}
`
	if err := eng.Load(ctx, []Policy{{Name: "conflict", Rego: conflict, Enabled: true}}); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	err := eng.CheckPlan(ctx, testPlan(install("a"), install("b")))
	var engErr *engine.EngineError
	if !errors.As(err, &engErr) || engErr.Code != engine.ErrCodePolicyDenied {
		t.Errorf("CheckPlan() error = %v, want POLICY_DENIED", err)
	}
}
