package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Engine compiles rego policies and gates plans on their deny sets. Each
// policy is prepared once at load time; evaluations reuse the prepared
// query with fresh input.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the builtin policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.compileAll(context.Background(), GetBuiltinPolicies()); err != nil {
		return nil, err
	}

	e.logger.Info().
		Int("count", len(e.policies)).
		Msg("Built-in policies loaded")

	return e, nil
}

// EvaluatePlan runs every enabled policy's deny query over the plan's JSON
// form. The plan is allowed unless some violation carries a blocking
// severity. A policy that fails to evaluate is reported as a warning and
// never blocks the plan.
func (e *Engine) EvaluatePlan(ctx context.Context, plan *engine.Plan, rctx *RunContext) (*Result, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan is required")
	}
	start := time.Now()

	doc, err := planDocument(plan, rctx)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []Violation
	var warnings []string
	evaluated := make([]string, 0, len(names))

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		evaluated = append(evaluated, name)

		found, err := evaluatePolicy(ctx, cp, doc)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Str("plan_id", plan.ID).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s: %v", name, err))
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Severity.Blocking() {
			allowed = false
			break
		}
	}

	result := &Result{
		Allowed:           allowed,
		Violations:        violations,
		Warnings:          warnings,
		EvaluatedPolicies: evaluated,
		EvaluatedAt:       time.Now().UTC(),
		Duration:          time.Since(start),
	}

	e.logger.Debug().
		Str("plan_id", plan.ID).
		Int("violations", len(violations)).
		Bool("allowed", allowed).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// LoadPolicies loads policy files from the given paths on top of the
// policies already present.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.compileAll(ctx, policies); err != nil {
		return err
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")

	return nil
}

// ReplacePolicies resets the engine to the builtin policies plus the given
// set. The loader's watch callback lands here so that policies removed on
// disk disappear from the engine too.
func (e *Engine) ReplacePolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	if err := e.compileAll(ctx, GetBuiltinPolicies()); err != nil {
		return err
	}
	if err := e.compileAll(ctx, policies); err != nil {
		return err
	}

	e.logger.Info().
		Int("count", len(e.policies)).
		Msg("Policies replaced")

	return nil
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

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Name < policies[j].Name
	})
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")
	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}

// compileAll compiles and stores the given policies. The caller holds the
// write lock.
func (e *Engine) compileAll(ctx context.Context, policies []Policy) error {
	for i := range policies {
		if err := e.compilePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("compiling policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// compilePolicy parses the policy module, prepares its deny query, and
// stores both under the policy name. A later policy with the same name
// replaces the earlier one.
func (e *Engine) compilePolicy(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return err
	}

	query := fmt.Sprintf("data.%s.deny", packagePath(module))
	r := rego.New(
		rego.Query(query),
		rego.Module(policy.Name, policy.Rego),
	)
	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return err
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    prepared,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("query", query).
		Msg("Policy compiled successfully")

	return nil
}

// evaluatePolicy runs one prepared deny query over the input document.
func evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc interface{}) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, err
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			// Deny sets arrive as arrays of strings or result objects.
			set, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, raw := range set {
				violations = append(violations, newViolation(cp.policy, raw))
			}
		}
	}
	return violations, nil
}

// newViolation builds a violation from one deny result. String results
// become the message; object results may override the message, severity,
// and node.
func newViolation(policy *Policy, raw interface{}) Violation {
	violation := Violation{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := raw.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			if parsed, valid := ParseSeverity(sev); valid {
				violation.Severity = parsed
			}
		}
		if node, ok := v["node"].(string); ok {
			violation.Node = node
		}
	default:
		violation.Message = fmt.Sprintf("%v", raw)
	}

	return violation
}

// packagePath renders the module's package as a dotted path under data.
func packagePath(module *ast.Module) string {
	parts := make([]string, 0, len(module.Package.Path))
	for _, term := range module.Package.Path {
		if s, ok := term.Value.(ast.String); ok {
			parts = append(parts, string(s))
		}
	}
	return strings.Join(parts, ".")
}

// planDocument renders the gate input as plain JSON data, so policies see
// the plan exactly as the plan command would print it.
func planDocument(plan *engine.Plan, rctx *RunContext) (interface{}, error) {
	runCtx := RunContext{}
	if rctx != nil {
		runCtx = *rctx
	}
	if runCtx.Timestamp.IsZero() {
		runCtx.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(&Input{Plan: plan, Context: &runCtx})
	if err != nil {
		return nil, fmt.Errorf("encoding plan for policy input: %w", err)
	}
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decoding policy input: %w", err)
	}
	return doc, nil
}
