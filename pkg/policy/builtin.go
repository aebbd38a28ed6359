package policy

import (
	"time"
)

// GetBuiltinPolicies returns the policies every engine starts with. All of
// them live in the terrane rego package, so their deny sets answer the
// data.terrane.deny query.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		destroyGuardPolicy(),
		forcedReplacementPolicy(),
		replacementBudgetPolicy(),
	}
}

// destroyGuardPolicy refuses destroys while the run targets production.
func destroyGuardPolicy() Policy {
	return Policy{
		Name:        "destroy-guard",
		Description: "Refuses full destroys and per-node destroy operations in the production environment",
		Severity:    SeverityCritical,
		Enabled:     true,
		Tags:        []string{"safety", "production"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package terrane

import rego.v1

deny contains violation if {
	input.plan.destroy
	input.context.environment == "production"
	violation := {
		"message": "full destroy is not allowed in production",
		"severity": "critical",
	}
}

deny contains violation if {
	input.context.environment == "production"
	some op in input.plan.operations
	op.action == "destroy"
	violation := {
		"message": sprintf("%s: destroy is not allowed in production", [op.addr]),
		"severity": "critical",
		"node": op.addr,
	}
}`,
	}
}

// forcedReplacementPolicy blocks attribute-forced replacements in
// production, where a replace means downtime for the node.
func forcedReplacementPolicy() Policy {
	return Policy{
		Name:        "forced-replacement",
		Description: "Blocks replacements forced by attribute changes in the production environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"safety", "production", "replacement"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package terrane

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	some op in input.plan.operations
	op.action == "replace"
	some diff in op.diffs
	diff.forces_replacement
	violation := {
		"message": sprintf("%s: change to %s forces replacement in production", [op.addr, diff.name]),
		"severity": "error",
		"node": op.addr,
	}
}`,
	}
}

// replacementBudgetPolicy warns when a single plan destroys or replaces an
// unusually large number of objects.
func replacementBudgetPolicy() Policy {
	return Policy{
		Name:        "replacement-budget",
		Description: "Warns when a plan destroys or replaces more than five objects",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"review", "blast-radius"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package terrane

import rego.v1

max_destructive := 5

deny contains violation if {
	destructive := [op | some op in input.plan.operations; op.action in {"destroy", "replace"}]
	count(destructive) > max_destructive
	violation := {
		"message": sprintf("plan destroys or replaces %d objects, review before applying", [count(destructive)]),
		"severity": "warning",
	}
}`,
	}
}
