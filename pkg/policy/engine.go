package policy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/winsync/winsync/pkg/engine"
)

// Config holds the parameters of the built-in policies.
type Config struct {
	// MaxRemovals is the largest number of removals a plan may contain.
	// Zero or negative disables the limit.
	MaxRemovals int

	// ProtectedPackages are ids that must never be removed.
	ProtectedPackages []string

	// Hostname is passed to policies in input.context.
	Hostname string
}

// params renders the configuration as input.params.
func (c Config) params() map[string]interface{} {
	params := make(map[string]interface{})
	if c.MaxRemovals > 0 {
		params["max_removals"] = c.MaxRemovals
	}
	if len(c.ProtectedPackages) > 0 {
		params["protected_packages"] = c.ProtectedPackages
	}
	return params
}

// Engine evaluates plans against built-in and loaded policies. It
// implements engine.PlanPolicy.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	cfg      Config
	logger   zerolog.Logger
	loader   *Loader
}

var _ engine.PlanPolicy = (*Engine)(nil)

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates an engine with the built-in policies loaded.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		cfg:      cfg,
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	builtins := GetBuiltinPolicies()
	for i := range builtins {
		cp, err := compilePolicy(context.Background(), &builtins[i])
		if err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
		e.policies[builtins[i].Name] = cp
	}

	e.logger.Debug().Int("count", len(builtins)).Msg("Built-in policies loaded")
	return e, nil
}

// Loader returns the loader used by LoadPaths and Watch.
func (e *Engine) Loader() *Loader {
	return e.loader
}

// CheckPlan refuses the plan when any blocking violation is found.
func (e *Engine) CheckPlan(ctx context.Context, plan *engine.Plan) error {
	result, err := e.Evaluate(ctx, plan)
	if err != nil {
		return engine.NewPermanentError("policy evaluation failed", err).
			WithCode(engine.ErrCodePolicyDenied).
			WithOperation(engine.PhasePolicy)
	}

	for _, w := range result.Warnings {
		e.logger.Warn().
			Str("policy", w.Policy).
			Str("package_id", w.Package).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, len(result.Violations))
	for i, v := range result.Violations {
		messages[i] = fmt.Sprintf("%s: %s", v.Policy, v.Message)
	}
	return engine.NewPermanentError("plan denied by policy", errors.New(strings.Join(messages, "; "))).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation(engine.PhasePolicy).
		WithDetail("violations", messages)
}

// Evaluate evaluates every enabled policy against plan.
func (e *Engine) Evaluate(ctx context.Context, plan *engine.Plan) (*Result, error) {
	startTime := time.Now()
	input := e.buildInput(plan)

	e.mu.RLock()
	defer e.mu.RUnlock()

	result := &Result{Allowed: true, EvaluatedPolicies: []string{}}
	for _, name := range e.sortedNamesLocked() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		violations, err := evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("run_id", plan.RunID).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

func (e *Engine) buildInput(plan *engine.Plan) *Input {
	entries := plan.Entries
	if entries == nil {
		entries = []engine.PlanEntry{}
	}
	desired := plan.Desired
	if desired == nil {
		desired = []string{}
	}
	hostname := e.cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}
	return &Input{
		Plan:    entries,
		Summary: plan.Summary,
		Desired: desired,
		Params:  e.cfg.params(),
		Context: &InputContext{
			RunID:     plan.RunID,
			Hostname:  hostname,
			Timestamp: time.Now(),
		},
	}
}

// evaluatePolicy evaluates a single compiled policy.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		// deny is a set, which OPA returns as a slice.
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, createViolation(cp.policy, d))
		}
	}
	return violations, nil
}

// createViolation creates a Violation from one deny entry.
func createViolation(policy *Policy, result interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if pkg, ok := v["package"].(string); ok {
			violation.Package = pkg
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityError
	}
	return &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// Load replaces every non-built-in policy with policies. Nothing changes
// if any of them fails to compile.
func (e *Engine) Load(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		p := policies[i]
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compilePolicy(ctx, &p)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if cp.policy.Builtin {
			if _, clash := compiled[name]; clash {
				return fmt.Errorf("policy %s shadows a built-in policy", name)
			}
			compiled[name] = cp
		}
	}
	e.policies = compiled

	e.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// LoadPaths loads .rego and .json policies from files or directories.
func (e *Engine) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Load(ctx, policies)
}

// Watch reloads policies from paths whenever they change, until ctx is
// done.
func (e *Engine) Watch(ctx context.Context, paths []string) error {
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.Load(ctx, policies)
	})
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNamesLocked() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

func (e *Engine) sortedNamesLocked() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}
