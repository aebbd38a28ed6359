package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// chainedPair declares leaf referencing base's computed id.
func chainedPair(t *testing.T, baseSize string) *ModuleConfig {
	t.Helper()
	return &ModuleConfig{
		Resources: []*ResourceDecl{
			res(t, "test_thing", "base", map[string]string{"size": baseSize}),
			res(t, "test_thing", "leaf", map[string]string{"upstream": `test_thing.base.id`}),
		},
	}
}

func TestApplyDependentSeesCommittedValue(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	g := buildGraph(t, chainedPair(t, `10`), ExpandOptions{})

	run := planAndApply(t, g, store, registry, ExecutorConfig{})

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want %s", run.Status, RunStatusSucceeded)
	}
	req := provider.createRequestFor(nodeAddr("test_thing", "leaf"))
	if req == nil {
		t.Fatal("leaf was never created")
	}
	upstream := req.Attrs["upstream"]
	if !upstream.RawEquals(cty.StringVal("test_thing-1")) {
		t.Errorf("leaf created with upstream %#v, want the committed base id", upstream)
	}

	record, ok := store.Record(nodeAddr("test_thing", "leaf"))
	if !ok {
		t.Fatal("leaf missing from state")
	}
	if len(record.Dependencies) != 1 || !record.Dependencies[0].Equal(nodeAddr("test_thing", "base")) {
		t.Errorf("leaf dependencies = %v", record.Dependencies)
	}
}

func TestApplyThenReplanConverges(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()

	g := buildGraph(t, chainedPair(t, `10`), ExpandOptions{})
	if run := planAndApply(t, g, store, registry, ExecutorConfig{}); run.Status != RunStatusSucceeded {
		t.Fatalf("initial apply status = %s", run.Status)
	}

	replan := planOnly(t, g, store, registry, PlanOptions{})
	for _, op := range replan.Operations {
		if op.Action != ActionNoOp {
			t.Errorf("%s replanned as %s after clean apply", op.Addr, op.Action)
		}
	}

	// A forced replacement ripples to the dependent, and one more apply
	// settles everything again.
	g = buildGraph(t, chainedPair(t, `20`), ExpandOptions{})
	run := planAndApply(t, g, store, registry, ExecutorConfig{})
	if run.Status != RunStatusSucceeded {
		t.Fatalf("replacement apply status = %s", run.Status)
	}
	record, _ := store.Record(nodeAddr("test_thing", "leaf"))
	if record == nil || !record.Attrs["upstream"].RawEquals(cty.StringVal("test_thing-3")) {
		t.Fatalf("leaf not rewired to the replacement: %+v", record)
	}

	final := planOnly(t, g, store, registry, PlanOptions{})
	for _, op := range final.Operations {
		if op.Action != ActionNoOp {
			t.Errorf("%s still planned as %s after convergence", op.Addr, op.Action)
		}
	}
	if got := provider.createCount(); got != 3 {
		t.Errorf("create calls = %d, want 3 (base, leaf, replacement)", got)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	sink := &recordingSink{}

	config := &ModuleConfig{
		Resources: []*ResourceDecl{
			res(t, "test_thing", "base", map[string]string{"size": `10`}),
			res(t, "test_thing", "leaf", map[string]string{"upstream": `test_thing.base.id`}),
			res(t, "test_thing", "deep", map[string]string{"upstream": `test_thing.leaf.id`}),
			res(t, "test_thing", "loner", map[string]string{"name": `"standalone"`}),
		},
	}
	g := buildGraph(t, config, ExpandOptions{})
	provider.failCreate(nodeAddr("test_thing", "base"),
		NewPermanentError("quota exceeded", nil))

	run := planAndApply(t, g, store, registry, ExecutorConfig{Events: sink})

	if run.Status != RunStatusPartial {
		t.Fatalf("run status = %s, want %s", run.Status, RunStatusPartial)
	}
	if got := run.Results["test_thing.base"].Status; got != OperationFailed {
		t.Errorf("base status = %s, want %s", got, OperationFailed)
	}
	for _, addr := range []string{"test_thing.leaf", "test_thing.deep"} {
		result := run.Results[addr]
		if result.Status != OperationBlocked {
			t.Errorf("%s status = %s, want %s", addr, result.Status, OperationBlocked)
			continue
		}
		var engineErr *EngineError
		if !errors.As(result.Error, &engineErr) || engineErr.Code != ErrCodeDependencyFailed {
			t.Errorf("%s error = %v, want code %s", addr, result.Error, ErrCodeDependencyFailed)
		}
	}
	if got := run.Results["test_thing.loner"].Status; got != OperationApplied {
		t.Errorf("loner status = %s, want %s", got, OperationApplied)
	}

	if _, ok := store.Record(nodeAddr("test_thing", "base")); ok {
		t.Error("failed create left a state record")
	}
	if _, ok := store.Record(nodeAddr("test_thing", "loner")); !ok {
		t.Error("independent subtree was not committed")
	}
	if run.Summary.Applied != 1 || run.Summary.Failed != 1 || run.Summary.Blocked != 2 {
		t.Errorf("summary = %+v", run.Summary)
	}
	if blocked := sink.ofType(EventOperationBlocked); len(blocked) != 2 {
		t.Errorf("blocked events = %d, want 2", len(blocked))
	}
}

func TestApplyRetriesTransientFailures(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	sink := &recordingSink{}

	g := buildGraph(t, &ModuleConfig{
		Resources: []*ResourceDecl{
			res(t, "test_thing", "web", map[string]string{"name": `"web"`}),
		},
	}, ExpandOptions{})
	provider.failCreate(nodeAddr("test_thing", "web"),
		NewTransientError("connection reset", nil),
		NewTransientError("connection reset", nil))

	run := planAndApply(t, g, store, registry, ExecutorConfig{Events: sink})

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want %s", run.Status, RunStatusSucceeded)
	}
	result := run.Results["test_thing.web"]
	if result.Retries != 2 {
		t.Errorf("retries = %d, want 2", result.Retries)
	}
	if got := len(sink.ofType(EventOperationRetried)); got != 2 {
		t.Errorf("retry events = %d, want 2", got)
	}
	if _, ok := store.Record(nodeAddr("test_thing", "web")); !ok {
		t.Error("object missing from state after eventual success")
	}
}

func TestApplyRetryBudgetExhausted(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()

	g := buildGraph(t, &ModuleConfig{
		Resources: []*ResourceDecl{
			res(t, "test_thing", "web", map[string]string{"name": `"web"`}),
		},
	}, ExpandOptions{})
	provider.failCreate(nodeAddr("test_thing", "web"),
		NewTransientError("connection reset", nil),
		NewTransientError("connection reset", nil))

	run := planAndApply(t, g, store, registry, ExecutorConfig{MaxRetries: 1})

	result := run.Results["test_thing.web"]
	if result.Status != OperationFailed {
		t.Fatalf("status = %s, want %s", result.Status, OperationFailed)
	}
	if result.Retries != 1 {
		t.Errorf("retries = %d, want 1", result.Retries)
	}
	if !IsTransient(result.Error) {
		t.Errorf("classification lost: %v", result.Error)
	}
	if run.Status != RunStatusFailed {
		t.Errorf("run status = %s, want %s", run.Status, RunStatusFailed)
	}
}

func TestApplyParallelism(t *testing.T) {
	buildIndependent := func(t *testing.T) *Graph {
		return buildGraph(t, &ModuleConfig{
			Resources: []*ResourceDecl{
				res(t, "test_thing", "one", map[string]string{"name": `"one"`}),
				res(t, "test_thing", "two", map[string]string{"name": `"two"`}),
				res(t, "test_thing", "three", map[string]string{"name": `"three"`}),
			},
		}, ExpandOptions{})
	}

	measure := func(t *testing.T, parallelism int) int {
		provider := newFakeProvider()
		var mu sync.Mutex
		current, peak := 0, 0
		provider.onCreate = func(*CreateRequest) {
			mu.Lock()
			current++
			if current > peak {
				peak = current
			}
			mu.Unlock()
			time.Sleep(30 * time.Millisecond)
			mu.Lock()
			current--
			mu.Unlock()
		}
		run := planAndApply(t, buildIndependent(t), newMemStore(), &fakeRegistry{provider: provider},
			ExecutorConfig{Parallelism: parallelism})
		if run.Status != RunStatusSucceeded {
			t.Fatalf("run status = %s", run.Status)
		}
		mu.Lock()
		defer mu.Unlock()
		return peak
	}

	t.Run("independent nodes overlap", func(t *testing.T) {
		if peak := measure(t, 3); peak < 2 {
			t.Errorf("peak concurrency = %d, want at least 2", peak)
		}
	})

	t.Run("parallelism one serializes", func(t *testing.T) {
		if peak := measure(t, 1); peak != 1 {
			t.Errorf("peak concurrency = %d, want exactly 1", peak)
		}
	})
}

func TestApplyAbortFinishesInflight(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	g := buildGraph(t, chainedPair(t, `10`), ExpandOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	provider.onCreate = func(req *CreateRequest) {
		if req.Addr.Equal(nodeAddr("test_thing", "base")) {
			cancel()
			// Give the dispatcher time to observe the cancellation before
			// this create reports back.
			time.Sleep(50 * time.Millisecond)
		}
	}

	plan, err := NewPlanner(g, store, registry).Plan(context.Background(), PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	run, err := NewExecutor(g, store, registry, ExecutorConfig{Backoff: noBackoff}).Apply(ctx, plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if run.Status != RunStatusCancelled {
		t.Fatalf("run status = %s, want %s", run.Status, RunStatusCancelled)
	}
	if got := run.Results["test_thing.base"].Status; got != OperationApplied {
		t.Errorf("in-flight base = %s, want %s", got, OperationApplied)
	}
	if got := run.Results["test_thing.leaf"].Status; got != OperationAborted {
		t.Errorf("never-issued leaf = %s, want %s", got, OperationAborted)
	}
	if _, ok := store.Record(nodeAddr("test_thing", "base")); !ok {
		t.Error("in-flight operation did not commit")
	}
	if _, ok := store.Record(nodeAddr("test_thing", "leaf")); ok {
		t.Error("aborted operation left a state record")
	}
}

func TestApplyProvisionerRunsAfterCreate(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	prov := &fakeProvisioner{output: "connected"}
	sink := &recordingSink{}

	decl := res(t, "test_thing", "web", map[string]string{"name": `"web"`})
	decl.Provisioners = []*ProvisionerDecl{{
		Type:   "remote-exec",
		Config: map[string]hcl.Expression{"inline": expr(t, `"echo ${self.id}"`)},
		Connection: &ConnectionDecl{
			Config: map[string]hcl.Expression{"host": expr(t, `self.id`)},
		},
	}}
	g := buildGraph(t, &ModuleConfig{Resources: []*ResourceDecl{decl}}, ExpandOptions{})

	run := planAndApply(t, g, store, registry, ExecutorConfig{Provisioner: prov, Events: sink})

	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s, want %s", run.Status, RunStatusSucceeded)
	}
	if len(prov.requests) != 1 {
		t.Fatalf("provision requests = %d, want 1", len(prov.requests))
	}
	req := prov.requests[0]
	if req.Type != "remote-exec" {
		t.Errorf("provisioner type = %q", req.Type)
	}
	if !req.Config["inline"].RawEquals(cty.StringVal("echo test_thing-1")) {
		t.Errorf("self was not bound: %#v", req.Config["inline"])
	}
	if !req.Connection["host"].RawEquals(cty.StringVal("test_thing-1")) {
		t.Errorf("connection host = %#v", req.Connection["host"])
	}
	if got := run.Results["test_thing.web"].ProvisionOutput; got != "connected" {
		t.Errorf("provision output = %q", got)
	}
	if len(sink.ofType(EventProvisionStarted)) != 1 {
		t.Error("missing provision_started event")
	}
	record, _ := store.Record(nodeAddr("test_thing", "web"))
	if record == nil || record.Tainted {
		t.Errorf("record = %+v, want committed and untainted", record)
	}
}

func TestApplyProvisionerFailureTaints(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	prov := &fakeProvisioner{output: "partial output", err: errors.New("script exited 1")}

	decl := res(t, "test_thing", "web", map[string]string{"name": `"web"`})
	decl.Provisioners = []*ProvisionerDecl{{
		Type:   "remote-exec",
		Config: map[string]hcl.Expression{"inline": expr(t, `"echo hello"`)},
	}}
	g := buildGraph(t, &ModuleConfig{Resources: []*ResourceDecl{decl}}, ExpandOptions{})

	run := planAndApply(t, g, store, registry, ExecutorConfig{Provisioner: prov})

	result := run.Results["test_thing.web"]
	if result.Status != OperationTainted {
		t.Fatalf("status = %s, want %s", result.Status, OperationTainted)
	}
	if result.ProvisionOutput != "partial output" {
		t.Errorf("provision output = %q", result.ProvisionOutput)
	}
	var engineErr *EngineError
	if !errors.As(result.Error, &engineErr) || engineErr.Code != ErrCodeProvisionerFailure {
		t.Errorf("error = %v, want code %s", result.Error, ErrCodeProvisionerFailure)
	}
	if run.Status == RunStatusSucceeded {
		t.Error("tainted run reported success")
	}

	// The object stays committed but flagged, and the next plan replaces it.
	record, ok := store.Record(nodeAddr("test_thing", "web"))
	if !ok {
		t.Fatal("tainted object missing from state")
	}
	if !record.Tainted {
		t.Error("record not marked tainted")
	}
	replan := planOnly(t, g, store, registry, PlanOptions{})
	op := opFor(t, replan, nodeAddr("test_thing", "web"))
	if op.Action != ActionReplace || op.Reason != "tainted" {
		t.Errorf("replan = %s (%q), want replace (tainted)", op.Action, op.Reason)
	}
}

func TestApplyCreateBeforeDestroy(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()

	configFor := func(size string) *ModuleConfig {
		decl := res(t, "test_thing", "web", map[string]string{"size": size})
		decl.Lifecycle = LifecyclePolicy{CreateBeforeDestroy: true}
		return &ModuleConfig{Resources: []*ResourceDecl{decl}}
	}

	if run := planAndApply(t, buildGraph(t, configFor(`10`), ExpandOptions{}), store, registry, ExecutorConfig{}); run.Status != RunStatusSucceeded {
		t.Fatalf("initial apply status = %s", run.Status)
	}

	oldAlive := false
	provider.onCreate = func(*CreateRequest) {
		provider.mu.Lock()
		_, oldAlive = provider.objects["test_thing-1"]
		provider.mu.Unlock()
	}

	run := planAndApply(t, buildGraph(t, configFor(`20`), ExpandOptions{}), store, registry, ExecutorConfig{})
	if run.Status != RunStatusSucceeded {
		t.Fatalf("replacement apply status = %s", run.Status)
	}
	if !oldAlive {
		t.Error("old object was destroyed before the replacement existed")
	}

	record, _ := store.Record(nodeAddr("test_thing", "web"))
	if record == nil || record.ID != "test_thing-2" {
		t.Fatalf("record = %+v, want the replacement object", record)
	}
	if len(record.Deposed) != 0 {
		t.Errorf("deposed = %v, want cleaned up", record.Deposed)
	}
	if len(provider.destroyed) != 1 || provider.destroyed[0] != "test_thing-1" {
		t.Errorf("destroyed = %v, want exactly the old object", provider.destroyed)
	}
}

func TestApplyCreateBeforeDestroyKeepsDeposedOnFailure(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()

	configFor := func(size string) *ModuleConfig {
		decl := res(t, "test_thing", "web", map[string]string{"size": size})
		decl.Lifecycle = LifecyclePolicy{CreateBeforeDestroy: true}
		return &ModuleConfig{Resources: []*ResourceDecl{decl}}
	}

	if run := planAndApply(t, buildGraph(t, configFor(`10`), ExpandOptions{}), store, registry, ExecutorConfig{}); run.Status != RunStatusSucceeded {
		t.Fatalf("initial apply status = %s", run.Status)
	}

	// The replacement create succeeds but destroying the old object fails,
	// leaving it deposed in state.
	provider.failDestroy("test_thing-1", NewPermanentError("still attached", nil))
	g := buildGraph(t, configFor(`20`), ExpandOptions{})
	run := planAndApply(t, g, store, registry, ExecutorConfig{})
	if got := run.Results["test_thing.web"].Status; got != OperationFailed {
		t.Fatalf("status = %s, want %s", got, OperationFailed)
	}
	record, _ := store.Record(nodeAddr("test_thing", "web"))
	if record == nil || record.ID != "test_thing-2" {
		t.Fatalf("record = %+v, want the new object committed", record)
	}
	if len(record.Deposed) != 1 || record.Deposed[0] != "test_thing-1" {
		t.Fatalf("deposed = %v, want the stranded old object", record.Deposed)
	}

	// The next plan is a no-op for the node itself but still carries the
	// deposed object, and a clean apply finally removes it.
	replan := planOnly(t, g, store, registry, PlanOptions{})
	op := opFor(t, replan, nodeAddr("test_thing", "web"))
	if op.Action != ActionNoOp || len(op.DeposedIDs) != 1 {
		t.Fatalf("replan = %s with deposed %v", op.Action, op.DeposedIDs)
	}
	result, err := NewExecutor(g, store, registry, ExecutorConfig{Backoff: noBackoff}).
		Apply(context.Background(), replan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if result.Status != RunStatusSucceeded {
		t.Fatalf("cleanup run status = %s", result.Status)
	}
	record, _ = store.Record(nodeAddr("test_thing", "web"))
	if record == nil || len(record.Deposed) != 0 {
		t.Errorf("deposed not cleaned up: %+v", record)
	}
	found := false
	for _, id := range provider.destroyed {
		if id == "test_thing-1" {
			found = true
		}
	}
	if !found {
		t.Error("stranded object was never destroyed")
	}
}

func TestApplyDestroyPlanRemovesEverything(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()
	g := buildGraph(t, chainedPair(t, `10`), ExpandOptions{})

	if run := planAndApply(t, g, store, registry, ExecutorConfig{}); run.Status != RunStatusSucceeded {
		t.Fatalf("initial apply status = %s", run.Status)
	}

	destroyPlan := planOnly(t, g, store, registry, PlanOptions{Destroy: true})
	run, err := NewExecutor(g, store, registry, ExecutorConfig{Backoff: noBackoff}).
		Apply(context.Background(), destroyPlan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if run.Status != RunStatusSucceeded {
		t.Fatalf("destroy run status = %s", run.Status)
	}
	if records := store.Records(); len(records) != 0 {
		t.Errorf("state still holds %d records", len(records))
	}
	if len(provider.destroyed) != 2 ||
		provider.destroyed[0] != "test_thing-2" || provider.destroyed[1] != "test_thing-1" {
		t.Errorf("destroy order = %v, want dependent first", provider.destroyed)
	}
}

func TestApplyOutputs(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	store := newMemStore()

	config := &ModuleConfig{
		Resources: []*ResourceDecl{
			res(t, "test_thing", "web", map[string]string{"name": `"web"`}),
		},
		Outputs: map[string]*OutputDecl{
			"endpoint": {Name: "endpoint", Value: expr(t, `test_thing.web.id`)},
		},
	}
	g := buildGraph(t, config, ExpandOptions{})

	if run := planAndApply(t, g, store, registry, ExecutorConfig{}); run.Status != RunStatusSucceeded {
		t.Fatalf("apply status = %s", run.Status)
	}
	endpoint, ok := store.outputValue("endpoint")
	if !ok || !endpoint.RawEquals(cty.StringVal("test_thing-1")) {
		t.Errorf("endpoint output = %#v, %v", endpoint, ok)
	}

	destroyPlan := planOnly(t, g, store, registry, PlanOptions{Destroy: true})
	if _, err := NewExecutor(g, store, registry, ExecutorConfig{Backoff: noBackoff}).
		Apply(context.Background(), destroyPlan); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, ok := store.outputValue("endpoint"); ok {
		t.Error("destroy left outputs behind")
	}
}

func TestApplyEvents(t *testing.T) {
	provider := newFakeProvider()
	registry := &fakeRegistry{provider: provider}
	sink := &recordingSink{}
	g := buildGraph(t, chainedPair(t, `10`), ExpandOptions{})

	run := planAndApply(t, g, newMemStore(), registry, ExecutorConfig{Events: sink})
	if run.Status != RunStatusSucceeded {
		t.Fatalf("run status = %s", run.Status)
	}

	counts := map[ApplyEventType]int{
		EventRunStarted:       1,
		EventOperationStarted: 2,
		EventOperationApplied: 2,
		EventRunCompleted:     1,
	}
	for eventType, want := range counts {
		if got := len(sink.ofType(eventType)); got != want {
			t.Errorf("%s events = %d, want %d", eventType, got, want)
		}
	}
	for _, event := range sink.ofType(EventOperationApplied) {
		if event.RunID != run.RunID {
			t.Errorf("event run ID = %q, want %q", event.RunID, run.RunID)
		}
	}
}

func TestApplyNilPlanRejected(t *testing.T) {
	g := buildGraph(t, chainedPair(t, `10`), ExpandOptions{})
	registry := &fakeRegistry{provider: newFakeProvider()}
	_, err := NewExecutor(g, newMemStore(), registry, ExecutorConfig{}).
		Apply(context.Background(), nil)
	if err == nil {
		t.Fatal("expected error for nil plan")
	}
	var engineErr *EngineError
	if !errors.As(err, &engineErr) || engineErr.Code != ErrCodeValidation {
		t.Errorf("error = %v, want code %s", err, ErrCodeValidation)
	}
}
