package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/zclconf/go-cty/cty"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/policy"
)

// actionSymbol is the plan listing marker for an action.
func actionSymbol(action engine.Action) string {
	switch action {
	case engine.ActionCreate:
		return "+"
	case engine.ActionUpdate:
		return "~"
	case engine.ActionReplace:
		return "-/+"
	case engine.ActionDestroy:
		return "-"
	default:
		return " "
	}
}

// renderPlan writes the human-readable operation listing. No-ops are listed
// only when showNoOp is set.
func renderPlan(w io.Writer, plan *engine.Plan, showNoOp bool) {
	fmt.Fprintln(w)
	for _, op := range plan.Operations {
		if op.Action == engine.ActionNoOp && !showNoOp {
			continue
		}
		line := fmt.Sprintf("  %-3s %s", actionSymbol(op.Action), op.Addr)
		if op.Reason != "" {
			line += fmt.Sprintf("  (%s)", op.Reason)
		}
		fmt.Fprintln(w, line)
		for _, diff := range op.Diffs {
			suffix := ""
			if diff.ForcesReplacement {
				suffix = ", forces replacement"
			}
			fmt.Fprintf(w, "        %s: %s -> %s%s\n",
				diff.Name, engine.ValueJSON(diff.Before), engine.ValueJSON(diff.After), suffix)
		}
	}
	s := plan.Summary
	fmt.Fprintf(w, "\nPlan: %d to create, %d to update, %d to replace, %d to destroy.\n",
		s.ToCreate, s.ToUpdate, s.ToReplace, s.ToDestroy)
}

// renderViolations prints policy findings. Evaluation warnings are policy
// files that failed to evaluate, never grounds to block.
func renderViolations(w io.Writer, result *policy.Result) {
	if len(result.Violations) == 0 && len(result.Warnings) == 0 {
		return
	}
	fmt.Fprintln(w)
	for _, v := range result.Violations {
		kind := "warning"
		if v.Severity.Blocking() {
			kind = "violation"
		}
		fmt.Fprintf(w, "  policy %s [%s, %s]: %s\n", kind, v.Policy, v.Severity, v.Message)
	}
	for _, warning := range result.Warnings {
		fmt.Fprintf(w, "  policy evaluation warning: %s\n", warning)
	}
}

// renderApplyResult writes per-node outcomes in plan order, then the run
// summary.
func renderApplyResult(w io.Writer, plan *engine.Plan, result *engine.ApplyResult) {
	fmt.Fprintln(w)
	for _, op := range plan.Operations {
		res, ok := result.Results[op.Addr.String()]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %s: %s", res.Addr, res.Status)
		if res.Retries > 0 {
			line += fmt.Sprintf(" after %d retries", res.Retries)
		}
		if res.Error != nil {
			line += fmt.Sprintf(" - %s", res.Error.Message)
		}
		fmt.Fprintln(w, line)
	}
	s := result.Summary
	fmt.Fprintf(w, "\nRun %s finished %s: %d applied, %d failed, %d blocked, %d tainted, %d aborted.\n",
		result.RunID, result.Status, s.Applied, s.Failed, s.Blocked, s.Tainted, s.Aborted)
}

// renderOutputs prints root outputs sorted by name.
func renderOutputs(w io.Writer, outputs map[string]cty.Value) {
	if len(outputs) == 0 {
		return
	}
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(w, "\nOutputs:")
	for _, name := range names {
		fmt.Fprintf(w, "  %s = %s\n", name, engine.ValueJSON(outputs[name]))
	}
}

// renderJSON writes indented JSON for machine consumers.
func renderJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
