// Package policy gates plans on Open Policy Agent (OPA) rego policies.
//
// After planning and before apply, the plan is rendered to its JSON wire
// form and every enabled policy's deny set is evaluated over it. Any deny
// result with a blocking severity stops the apply.
//
// # Architecture
//
// The package has three parts:
//
//  1. Engine - Compiles policies and evaluates their deny queries
//  2. Loader - Loads .rego and .json policy files and watches them
//  3. Built-in Policies - Default plan safety rules
//
// # Usage
//
// Creating an engine and gating a plan:
//
//	logger := zerolog.New(os.Stderr)
//	gate, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//
//	result, err := gate.EvaluatePlan(ctx, plan, &policy.RunContext{
//	    Command:     "apply",
//	    Environment: "production",
//	})
//	if err != nil {
//	    return err
//	}
//
//	if !result.Allowed {
//	    for _, violation := range result.Blocking() {
//	        fmt.Printf("%s: %s\n", violation.Policy, violation.Message)
//	    }
//	    return errors.New("plan rejected by policy")
//	}
//
// Loading custom policies on top of the builtins:
//
//	err = gate.LoadPolicies(ctx, []string{"policies"})
//
// # Writing Policies
//
// Policies are ordinary rego modules. The builtins live in the terrane
// package, so their deny sets answer data.terrane.deny; custom policies
// may use any package, the engine derives the deny query from the module's
// package declaration. The input document carries the plan under
// input.plan, exactly as the plan command prints it, and the run facts
// under input.context:
//
//	package terrane
//
//	import rego.v1
//
//	# Keep staging small.
//	deny contains violation if {
//	    input.context.environment == "staging"
//	    input.plan.summary.to_create > 10
//	    violation := {
//	        "message": "staging plans may create at most 10 objects",
//	        "severity": "error",
//	    }
//	}
//
// A deny result is either a bare string, used as the message with the
// policy's default severity, or an object with message, severity, and node
// keys.
//
// # Severity Levels
//
// Violations carry one of four severities:
//
//   - info: informational findings
//   - warning: review findings, the apply proceeds
//   - error: the apply is blocked
//   - critical: the apply is blocked, a safety boundary was crossed
//
// # Hot Reload
//
// The loader can watch policy paths and push the reloaded set into the
// engine, so edits take effect without restarting a watch session:
//
//	loader := policy.NewLoader(logger)
//	err = loader.Watch(ctx, paths, func(policies []policy.Policy) error {
//	    return gate.ReplacePolicies(ctx, policies)
//	})
//
// # Performance
//
// Each policy's deny query is prepared once when the policy is compiled
// and reused across evaluations; only the input document changes per plan.
package policy
