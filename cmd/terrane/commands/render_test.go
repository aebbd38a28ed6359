package commands

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/zclconf/go-cty/cty"

	"github.com/terrane-io/terrane/pkg/engine"
	"github.com/terrane-io/terrane/pkg/policy"
)

func TestActionSymbol(t *testing.T) {
	tests := []struct {
		action engine.Action
		want   string
	}{
		{engine.ActionCreate, "+"},
		{engine.ActionUpdate, "~"},
		{engine.ActionReplace, "-/+"},
		{engine.ActionDestroy, "-"},
		{engine.ActionNoOp, " "},
	}
	for _, tt := range tests {
		if got := actionSymbol(tt.action); got != tt.want {
			t.Errorf("actionSymbol(%s) = %q, want %q", tt.action, got, tt.want)
		}
	}
}

func testPlan() *engine.Plan {
	return &engine.Plan{
		ID: "plan-1",
		Operations: []*engine.Operation{
			{
				Addr:   engine.Address{Kind: "host", Name: "web"},
				Action: engine.ActionCreate,
				Reason: "not in state",
			},
			{
				Addr:   engine.Address{Kind: "host", Name: "db"},
				Action: engine.ActionReplace,
				Diffs: []engine.AttrDiff{
					{Name: "size", Before: cty.NumberIntVal(2), After: cty.NumberIntVal(4), ForcesReplacement: true},
					{Name: "ip", Before: cty.StringVal("10.0.0.1"), After: cty.UnknownVal(cty.String)},
				},
			},
			{
				Addr:   engine.Address{Kind: "host", Name: "cache"},
				Action: engine.ActionNoOp,
			},
		},
		Summary: engine.PlanSummary{Total: 3, ToCreate: 1, ToReplace: 1, NoOp: 1},
	}
}

func TestRenderPlan(t *testing.T) {
	var buf bytes.Buffer
	renderPlan(&buf, testPlan(), false)
	out := buf.String()

	for _, want := range []string{
		"+   host.web  (not in state)",
		"-/+ host.db",
		"size: 2 -> 4, forces replacement",
		`ip: "10.0.0.1" -> "(known after apply)"`,
		"Plan: 1 to create, 0 to update, 1 to replace, 0 to destroy.",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("plan output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "host.cache") {
		t.Errorf("no-op should be hidden by default:\n%s", out)
	}
}

func TestRenderPlanShowsNoOps(t *testing.T) {
	var buf bytes.Buffer
	renderPlan(&buf, testPlan(), true)
	if !strings.Contains(buf.String(), "host.cache") {
		t.Errorf("no-op missing with showNoOp set:\n%s", buf.String())
	}
}

func TestRenderApplyResult(t *testing.T) {
	plan := &engine.Plan{
		Operations: []*engine.Operation{
			{Addr: engine.Address{Kind: "host", Name: "web"}, Action: engine.ActionCreate},
			{Addr: engine.Address{Kind: "host", Name: "db"}, Action: engine.ActionCreate},
		},
	}
	result := &engine.ApplyResult{
		RunID:  "run-1",
		Status: engine.RunStatusPartial,
		Results: map[string]*engine.OperationResult{
			"host.db": {
				Addr:   engine.Address{Kind: "host", Name: "db"},
				Action: engine.ActionCreate,
				Status: engine.OperationFailed,
				Error:  engine.NewPermanentError("connect refused", nil),
			},
			"host.web": {
				Addr:    engine.Address{Kind: "host", Name: "web"},
				Action:  engine.ActionCreate,
				Status:  engine.OperationApplied,
				Retries: 2,
			},
		},
		Summary: engine.ApplySummary{Total: 2, Applied: 1, Failed: 1},
	}

	var buf bytes.Buffer
	renderApplyResult(&buf, plan, result)
	out := buf.String()

	webLine := "host.web: applied after 2 retries"
	dbLine := "host.db: failed - connect refused"
	if !strings.Contains(out, webLine) {
		t.Errorf("output missing %q:\n%s", webLine, out)
	}
	if !strings.Contains(out, dbLine) {
		t.Errorf("output missing %q:\n%s", dbLine, out)
	}
	if strings.Index(out, webLine) > strings.Index(out, dbLine) {
		t.Errorf("results should follow plan order:\n%s", out)
	}
	summary := "Run run-1 finished partial: 1 applied, 1 failed, 0 blocked, 0 tainted, 0 aborted."
	if !strings.Contains(out, summary) {
		t.Errorf("output missing %q:\n%s", summary, out)
	}
}

func TestRenderOutputs(t *testing.T) {
	var empty bytes.Buffer
	renderOutputs(&empty, nil)
	if empty.Len() != 0 {
		t.Errorf("no outputs should render nothing, got %q", empty.String())
	}

	var buf bytes.Buffer
	renderOutputs(&buf, map[string]cty.Value{
		"endpoint": cty.StringVal("10.0.0.1:8080"),
		"count":    cty.NumberIntVal(3),
	})
	want := "\nOutputs:\n  count = 3\n  endpoint = \"10.0.0.1:8080\"\n"
	if buf.String() != want {
		t.Errorf("outputs = %q, want %q", buf.String(), want)
	}
}

func TestRenderViolations(t *testing.T) {
	var empty bytes.Buffer
	renderViolations(&empty, &policy.Result{Allowed: true})
	if empty.Len() != 0 {
		t.Errorf("clean result should render nothing, got %q", empty.String())
	}

	result := &policy.Result{
		Allowed: false,
		Violations: []policy.Violation{
			{Policy: "no_prod_destroy", Severity: policy.SeverityCritical, Message: "destroying prod objects"},
			{Policy: "naming", Severity: policy.SeverityWarning, Message: "name too short"},
		},
		Warnings: []string{"policy bad.rego failed to evaluate"},
	}
	var buf bytes.Buffer
	renderViolations(&buf, result)
	out := buf.String()

	for _, want := range []string{
		"policy violation [no_prod_destroy, critical]: destroying prod objects",
		"policy warning [naming, warning]: name too short",
		"policy evaluation warning: policy bad.rego failed to evaluate",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("violations output missing %q:\n%s", want, out)
		}
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := renderJSON(&buf, map[string]int{"applied": 3}); err != nil {
		t.Fatalf("renderJSON: %v", err)
	}
	if !strings.Contains(buf.String(), "  \"applied\": 3") {
		t.Errorf("expected indented JSON, got %q", buf.String())
	}

	var decoded map[string]int
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}
	if decoded["applied"] != 3 {
		t.Errorf("round trip = %v", decoded)
	}
}

func TestEventTypeNames(t *testing.T) {
	all := []engine.ApplyEventType{
		engine.EventRunStarted,
		engine.EventRunCompleted,
		engine.EventOperationStarted,
		engine.EventOperationRetried,
		engine.EventOperationApplied,
		engine.EventOperationFailed,
		engine.EventOperationBlocked,
		engine.EventOperationAborted,
		engine.EventProvisionStarted,
		engine.EventProvisionFailed,
	}
	for _, eventType := range all {
		name, ok := eventTypes[eventType]
		if !ok {
			t.Errorf("event type %s has no stream name", eventType)
			continue
		}
		if !strings.Contains(name, ".") {
			t.Errorf("stream name for %s should be dotted, got %q", eventType, name)
		}
	}
}
