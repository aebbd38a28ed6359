package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/zclconf/go-cty/cty"
)

// Planner computes the ordered operation list by diffing the resolved
// desired graph against persisted state, honoring per-node lifecycle
// policies. Planning performs no mutation; graph and expansion errors are
// fatal before any apply begins.
type Planner struct {
	graph    *Graph
	state    StateReader
	registry ProviderRegistry
}

// NewPlanner creates a planner over a resolved graph.
func NewPlanner(graph *Graph, state StateReader, registry ProviderRegistry) *Planner {
	return &Planner{
		graph:    graph,
		state:    state,
		registry: registry,
	}
}

// PlanOptions configures one planning pass.
type PlanOptions struct {
	// Destroy plans the removal of every node recorded in state.
	Destroy bool

	// Refresh re-reads live attributes from providers before diffing, so
	// the prior side of the diff reflects reality instead of the last
	// commit. Objects a provider no longer finds plan as creates.
	Refresh bool
}

// Plan computes the operation list. The context is only consulted when
// Refresh is set, since refresh calls providers.
func (p *Planner) Plan(ctx context.Context, opts PlanOptions) (*Plan, error) {
	if !p.graph.Resolved() {
		return nil, NewPermanentError("graph references are not resolved", nil).
			WithCode(ErrCodeValidation)
	}

	prior, err := p.priorRecords(ctx, opts.Refresh)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now().UTC(),
		Destroy:   opts.Destroy,
	}

	if opts.Destroy {
		if err := p.planDestroyAll(plan, prior); err != nil {
			return nil, err
		}
		p.summarize(plan)
		return plan, nil
	}

	// Nodes already classified in this pass contribute their planned
	// post-apply value to dependents: committed values for no-ops, merged
	// values for updates, and unknowns for the computed attributes of
	// anything being created or replaced. Walking in topological order
	// guarantees dependencies are classified first, so a dependent of a
	// replacement sees its computed attributes as unknown and plans the
	// follow-up change in the same pass.
	planned := make(map[string]cty.Value)
	evaluator := NewEvaluator(p.graph, NodeValuesFunc(func(addr Address) (cty.Value, bool) {
		if val, ok := planned[addr.String()]; ok {
			return val, true
		}
		record, ok := prior.Record(addr)
		if !ok {
			return cty.NilVal, false
		}
		return record.Value(), true
	}))

	for _, addr := range p.graph.TopoOrder() {
		node := p.graph.Node(addr)
		schema, err := p.registry.SchemaFor(addr.Kind)
		if err != nil {
			return nil, NewPermanentError(
				fmt.Sprintf("no schema for kind %q", addr.Kind), err,
			).WithCode(ErrCodeValidation).WithNode(addr.String())
		}
		desired, err := evaluator.NodeAttrs(node)
		if err != nil {
			return nil, err
		}
		record, _ := prior.Record(addr)
		op, err := p.diffNode(node, desired, record, schema)
		if err != nil {
			return nil, err
		}
		plan.Operations = append(plan.Operations, op)
		planned[addr.String()] = plannedValue(op.Action, desired, record, schema)
	}

	removed, err := p.planRemoved(prior)
	if err != nil {
		return nil, err
	}
	plan.Operations = append(plan.Operations, removed...)

	p.summarize(plan)
	return plan, nil
}

// priorRecords snapshots state for diffing, optionally refreshed against
// live provider reads. Refresh never writes through to the store; it only
// changes what this plan diffs against.
func (p *Planner) priorRecords(ctx context.Context, refresh bool) (*memoryState, error) {
	snapshot := newMemoryState()
	for _, record := range p.state.Records() {
		if !refresh {
			snapshot.set(record.Copy())
			continue
		}
		provider, err := p.registry.ProviderFor(record.Addr.Kind)
		if err != nil {
			return nil, NewPermanentError(
				fmt.Sprintf("no provider for kind %q", record.Addr.Kind), err,
			).WithCode(ErrCodeValidation).WithNode(record.Addr.String())
		}
		resp, err := provider.Read(ctx, &ReadRequest{Kind: record.Addr.Kind, ID: record.ID})
		if err != nil {
			return nil, NewPermanentError("refreshing node", err).
				WithCode(ErrCodeProviderOperation).WithNode(record.Addr.String()).
				WithOperation("read")
		}
		if !resp.Found {
			// The object is gone; dropping the record plans a create.
			continue
		}
		refreshed := record.Copy()
		refreshed.Attrs = resp.Attrs
		snapshot.set(refreshed)
	}
	return snapshot, nil
}

// diffNode classifies one declared node against its prior record.
func (p *Planner) diffNode(node *Node, desired map[string]cty.Value, record *StateRecord, schema *KindSchema) (*Operation, error) {
	op := &Operation{
		ID:        uuid.New().String(),
		Addr:      node.Addr,
		DependsOn: p.graph.DependenciesOf(node.Addr),
	}

	if record == nil {
		op.Action = ActionCreate
		op.Phases = []Action{ActionCreate}
		op.Reason = "not in state"
		return op, nil
	}

	op.PriorID = record.ID
	op.DeposedIDs = append([]string(nil), record.Deposed...)

	diffs := diffAttrs(desired, record.Attrs, node.Lifecycle, schema)
	op.Diffs = diffs

	forced := ""
	for i := range diffs {
		if schema.ForcesReplacement(diffs[i].Name) {
			diffs[i].ForcesReplacement = true
			if forced == "" {
				forced = diffs[i].Name
			}
		}
	}

	switch {
	case record.Tainted:
		op.Action = ActionReplace
		op.Reason = "tainted"
	case forced != "":
		op.Action = ActionReplace
		op.Reason = fmt.Sprintf("attribute %q forces replacement", forced)
	case len(diffs) > 0:
		op.Action = ActionUpdate
		op.Phases = []Action{ActionUpdate}
	default:
		op.Action = ActionNoOp
		op.Phases = []Action{ActionNoOp}
	}

	if op.Action == ActionReplace {
		if node.Lifecycle.PreventDestroy {
			return nil, preventDestroyError(node.Addr, "replacement")
		}
		if node.Lifecycle.CreateBeforeDestroy {
			op.Phases = []Action{ActionCreate, ActionDestroy}
		} else {
			op.Phases = []Action{ActionDestroy, ActionCreate}
		}
	}

	return op, nil
}

// planRemoved emits destroy operations for records whose declarations are
// gone, ordered so dependents destroy before their dependencies.
func (p *Planner) planRemoved(prior *memoryState) ([]*Operation, error) {
	var removed []*StateRecord
	for _, record := range prior.Records() {
		if p.graph.Node(record.Addr) == nil {
			removed = append(removed, record)
		}
	}
	return p.destroyOperations(removed)
}

// planDestroyAll emits destroy operations for every record in state.
func (p *Planner) planDestroyAll(plan *Plan, prior *memoryState) error {
	ops, err := p.destroyOperations(prior.Records())
	if err != nil {
		return err
	}
	plan.Operations = ops
	return nil
}

// destroyOperations orders the given records for destruction using the
// dependency addresses recorded in state: a node is destroyed only after
// every recorded dependent among the candidates. A prevent_destroy policy,
// whether still declared or persisted in the record, aborts the whole plan.
func (p *Planner) destroyOperations(records []*StateRecord) ([]*Operation, error) {
	candidates := make(map[string]*StateRecord, len(records))
	for _, record := range records {
		if record.PreventDestroy {
			return nil, preventDestroyError(record.Addr, "removal")
		}
		if node := p.graph.Node(record.Addr); node != nil && node.Lifecycle.PreventDestroy {
			return nil, preventDestroyError(record.Addr, "removal")
		}
		candidates[record.Addr.String()] = record
	}

	// dependents[x] lists candidate addresses that recorded x as a
	// dependency; their destroys must commit before x's.
	dependents := make(map[string][]string)
	inDegree := make(map[string]int)
	for key := range candidates {
		inDegree[key] = 0
	}
	for key, record := range candidates {
		for _, dep := range record.Dependencies {
			depKey := dep.String()
			if _, ok := candidates[depKey]; !ok {
				continue
			}
			dependents[depKey] = append(dependents[depKey], key)
			inDegree[depKey]++
		}
	}

	ready := make([]string, 0, len(candidates))
	for key, degree := range inDegree {
		if degree == 0 {
			ready = append(ready, key)
		}
	}

	var ordered []string
	for len(ready) > 0 {
		sort.Strings(ready)
		key := ready[0]
		ready = ready[1:]
		ordered = append(ordered, key)
		for _, dep := range candidates[key].Dependencies {
			depKey := dep.String()
			if _, ok := candidates[depKey]; !ok {
				continue
			}
			inDegree[depKey]--
			if inDegree[depKey] == 0 {
				ready = append(ready, depKey)
			}
		}
	}
	if len(ordered) != len(candidates) {
		keys := make([]string, 0, len(candidates))
		for key := range candidates {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		return nil, NewPermanentError(
			fmt.Sprintf("destroy ordering unresolvable for: %s", formatCycle(keys)), nil,
		).WithCode(ErrCodeCyclicDependency)
	}

	ops := make([]*Operation, 0, len(ordered))
	for _, key := range ordered {
		record := candidates[key]
		op := &Operation{
			ID:         uuid.New().String(),
			Addr:       record.Addr,
			Action:     ActionDestroy,
			Phases:     []Action{ActionDestroy},
			Reason:     "removed from declarations",
			PriorID:    record.ID,
			DeposedIDs: append([]string(nil), record.Deposed...),
		}
		for _, depKey := range dependents[key] {
			op.DependsOn = append(op.DependsOn, candidates[depKey].Addr)
		}
		sort.Slice(op.DependsOn, func(i, j int) bool {
			return op.DependsOn[i].String() < op.DependsOn[j].String()
		})
		ops = append(ops, op)
	}
	return ops, nil
}

func (p *Planner) summarize(plan *Plan) {
	summary := PlanSummary{Total: len(plan.Operations)}
	for _, op := range plan.Operations {
		switch op.Action {
		case ActionCreate:
			summary.ToCreate++
		case ActionUpdate:
			summary.ToUpdate++
		case ActionReplace:
			summary.ToReplace++
		case ActionDestroy:
			summary.ToDestroy++
		case ActionNoOp:
			summary.NoOp++
		}
	}
	plan.Summary = summary
}

// diffAttrs compares desired declared attributes against the prior record,
// skipping ignore_changes attributes and provider-computed ones. With no
// schema, removals cannot be told apart from computed attributes, so only
// declared attributes are compared.
func diffAttrs(desired, prior map[string]cty.Value, lifecycle LifecyclePolicy, schema *KindSchema) []AttrDiff {
	names := make([]string, 0, len(desired))
	for name := range desired {
		names = append(names, name)
	}
	sort.Strings(names)

	var diffs []AttrDiff
	for _, name := range names {
		if lifecycle.IgnoresAttr(name) || schema.Computed(name) {
			continue
		}
		after := desired[name]
		before, existed := prior[name]
		if !existed {
			diffs = append(diffs, AttrDiff{Name: name, Before: cty.NilVal, After: after})
			continue
		}
		if !after.IsWhollyKnown() || !after.RawEquals(before) {
			diffs = append(diffs, AttrDiff{Name: name, Before: before, After: after})
		}
	}

	if schema != nil {
		removedNames := make([]string, 0)
		for name := range prior {
			if _, declared := desired[name]; declared {
				continue
			}
			if lifecycle.IgnoresAttr(name) || schema.Computed(name) {
				continue
			}
			removedNames = append(removedNames, name)
		}
		sort.Strings(removedNames)
		for _, name := range removedNames {
			diffs = append(diffs, AttrDiff{Name: name, Before: prior[name], After: cty.NilVal})
		}
	}

	return diffs
}

// plannedValue is the value a node is expected to hold once its planned
// action applies. Creates and replaces keep declared attributes but mark
// every computed attribute unknown, so dependents referencing a fresh
// identity plan their own change instead of reusing a value that is about
// to be invalidated.
func plannedValue(action Action, desired map[string]cty.Value, record *StateRecord, schema *KindSchema) cty.Value {
	switch action {
	case ActionNoOp:
		return record.Value()
	case ActionUpdate:
		merged := make(map[string]cty.Value, len(record.Attrs)+len(desired))
		for name, val := range record.Attrs {
			merged[name] = val
		}
		for name, val := range desired {
			merged[name] = val
		}
		if len(merged) == 0 {
			return cty.EmptyObjectVal
		}
		return cty.ObjectVal(merged)
	default:
		out := make(map[string]cty.Value, len(desired)+1)
		for name, val := range desired {
			out[name] = val
		}
		if schema != nil {
			for name, attr := range schema.Attributes {
				if attr != nil && attr.Computed {
					out[name] = cty.UnknownVal(cty.DynamicPseudoType)
				}
			}
		}
		if len(out) == 0 {
			return cty.EmptyObjectVal
		}
		return cty.ObjectVal(out)
	}
}

func preventDestroyError(addr Address, cause string) error {
	return (&EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodePreventDestroy,
		Message: fmt.Sprintf("node %s requires %s but its lifecycle prevents destroy", addr, cause),
		Node:    addr.String(),
	}).WithOperation("plan")
}

// memoryState is the in-memory prior snapshot plans diff against.
type memoryState struct {
	records map[string]*StateRecord
}

func newMemoryState() *memoryState {
	return &memoryState{records: make(map[string]*StateRecord)}
}

func (m *memoryState) set(record *StateRecord) {
	m.records[record.Addr.String()] = record
}

// Record implements StateReader.
func (m *memoryState) Record(addr Address) (*StateRecord, bool) {
	record, ok := m.records[addr.String()]
	return record, ok
}

// Records implements StateReader.
func (m *memoryState) Records() []*StateRecord {
	out := make([]*StateRecord, 0, len(m.records))
	for _, record := range m.records {
		out = append(out, record)
	}
	SortRecords(out)
	return out
}
