package policy

import (
	"time"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Severity grades how strongly a deny result counts against the plan.
type Severity string

const (
	// SeverityInfo marks informational findings.
	SeverityInfo Severity = "info"

	// SeverityWarning marks findings that deserve review but do not block
	// the apply.
	SeverityWarning Severity = "warning"

	// SeverityError marks findings that block the apply.
	SeverityError Severity = "error"

	// SeverityCritical marks findings that block the apply and flag a
	// safety boundary, not just a convention.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity stops an apply.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// ParseSeverity maps a string onto a known severity level.
func ParseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// Policy is one rego module evaluated against plans. The Severity is the
// default grade for its deny results; a result object may override it.
type Policy struct {
	// Name identifies the policy. Loaded policies take the file basename.
	Name string `json:"name"`

	// Description says what the policy enforces. For .rego files it is
	// harvested from the leading comment block.
	Description string `json:"description,omitempty"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Severity is the default severity of this policy's violations.
	Severity Severity `json:"severity"`

	// Enabled gates whether the policy participates in evaluation.
	Enabled bool `json:"enabled"`

	// Tags classify the policy for listing and filtering.
	Tags []string `json:"tags,omitempty"`

	// Metadata carries free-form annotations, e.g. the source path.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was authored or first loaded.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation is one deny result produced by a policy evaluation.
type Violation struct {
	// Policy names the policy that produced the result.
	Policy string `json:"policy"`

	// Severity grades the violation.
	Severity Severity `json:"severity"`

	// Node is the address of the offending node, empty for plan-wide
	// findings.
	Node string `json:"node,omitempty"`

	// Message explains the violation.
	Message string `json:"message"`
}

// Result is the outcome of gating one plan.
type Result struct {
	// Allowed is false when any violation carries a blocking severity.
	Allowed bool `json:"allowed"`

	// Violations are all deny results, blocking or not.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings reports policies that failed to evaluate. A broken policy
	// never blocks the plan, it surfaces here instead.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies names the enabled policies that ran, in order.
	EvaluatedPolicies []string `json:"evaluated_policies,omitempty"`

	// EvaluatedAt is when the evaluation finished.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Blocking returns the violations severe enough to stop the apply.
func (r *Result) Blocking() []Violation {
	var blocking []Violation
	for _, v := range r.Violations {
		if v.Severity.Blocking() {
			blocking = append(blocking, v)
		}
	}
	return blocking
}

// RunContext carries the run facts policies can condition on beyond the
// plan itself.
type RunContext struct {
	// Command is the CLI command driving the run: plan, apply, or destroy.
	Command string `json:"command,omitempty"`

	// Environment names the deployment environment the run targets.
	Environment string `json:"environment,omitempty"`

	// User is who initiated the run.
	User string `json:"user,omitempty"`

	// Timestamp is when the run started.
	Timestamp time.Time `json:"timestamp"`

	// Metadata carries free-form key values for custom policies.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Input is the document handed to rego. Policies see the plan in its exact
// JSON wire form under input.plan and the run facts under input.context.
type Input struct {
	Plan    *engine.Plan `json:"plan"`
	Context *RunContext  `json:"context,omitempty"`
}

// Bundle groups versioned policies distributed as one JSON document.
type Bundle struct {
	// Name identifies the bundle.
	Name string `json:"name"`

	// Version is the bundle's release version.
	Version string `json:"version"`

	// Description says what the bundle covers.
	Description string `json:"description,omitempty"`

	// Policies are the bundled policies.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was built.
	CreatedAt time.Time `json:"created_at"`
}
