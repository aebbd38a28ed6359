package engine

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// NodeValues supplies the observed attribute object of applied nodes. The
// plan engine backs it with state records; the apply executor backs it with
// state plus the values committed during the session. A false return means
// the node has no observed values yet and evaluates as a symbolic unknown.
type NodeValues interface {
	NodeValue(addr Address) (cty.Value, bool)
}

// NodeValuesFunc adapts a function to the NodeValues interface.
type NodeValuesFunc func(addr Address) (cty.Value, bool)

// NodeValue implements NodeValues.
func (f NodeValuesFunc) NodeValue(addr Address) (cty.Value, bool) {
	return f(addr)
}

// Evaluator evaluates attribute expressions against a resolved graph.
// References to nodes without observed values produce unknown values that
// propagate through expressions, so plans can be computed before anything
// exists. The evaluator holds no mutable state and is safe for concurrent
// use when its NodeValues implementation is.
type Evaluator struct {
	graph  *Graph
	values NodeValues
}

// NewEvaluator creates an evaluator over a graph whose references have been
// resolved.
func NewEvaluator(graph *Graph, values NodeValues) *Evaluator {
	return &Evaluator{graph: graph, values: values}
}

// NodeAttrs evaluates every declared attribute of the node in its own scope.
func (e *Evaluator) NodeAttrs(node *Node) (map[string]cty.Value, error) {
	scope := e.graph.scopeOf(node)
	if scope == nil {
		return nil, NewPermanentError(
			fmt.Sprintf("node %s has no expanded scope", node.Addr), nil,
		).WithCode(ErrCodeValidation).WithNode(node.Addr.String())
	}
	return e.EvalExprMap(scope, node.Attrs, cty.NilVal)
}

// EvalExprMap evaluates a map of expressions in one scope, in sorted name
// order. self binds the "self" root for provisioner expressions.
func (e *Evaluator) EvalExprMap(scope *ModuleScope, exprs map[string]hcl.Expression, self cty.Value) (map[string]cty.Value, error) {
	names := make([]string, 0, len(exprs))
	for name := range exprs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]cty.Value, len(exprs))
	for _, name := range names {
		val, err := e.EvalExpr(scope, exprs[name], self)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

// EvalExpr evaluates one expression in the given scope. Variables, locals,
// and module outputs are chased recursively through their own scopes; node
// references resolve to observed values or unknowns.
func (e *Evaluator) EvalExpr(scope *ModuleScope, expr hcl.Expression, self cty.Value) (cty.Value, error) {
	traversals := expr.Variables()
	if len(traversals) == 0 {
		val, diags := expr.Value(nil)
		if diags.HasErrors() {
			return cty.NilVal, evalDiagError(expr, diags)
		}
		return val, nil
	}

	kindVals := make(map[string]map[string]cty.Value)
	moduleVals := make(map[string]map[string]cty.Value)
	varVals := make(map[string]cty.Value)
	localVals := make(map[string]cty.Value)
	selfNeeded := false

	for _, traversal := range traversals {
		root := traversal.RootName()
		steps := traversalSteps(traversal)
		rng := traversal.SourceRange()

		switch root {
		case rootVar:
			if len(steps) < 1 {
				return cty.NilVal, unknownReferenceError("var", rng)
			}
			val, err := e.variableValue(scope, steps[0], rng)
			if err != nil {
				return cty.NilVal, err
			}
			varVals[steps[0]] = val

		case rootLocal:
			if len(steps) < 1 {
				return cty.NilVal, unknownReferenceError("local", rng)
			}
			val, err := e.localValue(scope, steps[0], rng)
			if err != nil {
				return cty.NilVal, err
			}
			localVals[steps[0]] = val

		case rootModule:
			if len(steps) < 2 {
				return cty.NilVal, unknownReferenceError(renderTraversal(traversal), rng)
			}
			val, err := e.outputValue(scope, steps[0], steps[1], rng)
			if err != nil {
				return cty.NilVal, err
			}
			if moduleVals[steps[0]] == nil {
				moduleVals[steps[0]] = make(map[string]cty.Value)
			}
			moduleVals[steps[0]][steps[1]] = val

		case rootSelf:
			if self == cty.NilVal {
				return cty.NilVal, unknownReferenceError("self (only valid inside provisioner blocks)", rng)
			}
			selfNeeded = true

		default:
			if len(steps) < 1 {
				return cty.NilVal, unknownReferenceError(renderTraversal(traversal), rng)
			}
			addr := Address{Module: scope.Path, Kind: root, Name: steps[0]}
			if e.graph.Node(addr) == nil {
				return cty.NilVal, unknownReferenceError(addr.String(), rng)
			}
			if kindVals[root] == nil {
				kindVals[root] = make(map[string]cty.Value)
			}
			kindVals[root][steps[0]] = e.observedValue(addr)
		}
	}

	ctx := &hcl.EvalContext{Variables: make(map[string]cty.Value)}
	for kind, names := range kindVals {
		ctx.Variables[kind] = cty.ObjectVal(names)
	}
	if len(moduleVals) > 0 {
		calls := make(map[string]cty.Value, len(moduleVals))
		for call, outputs := range moduleVals {
			calls[call] = cty.ObjectVal(outputs)
		}
		ctx.Variables[rootModule] = cty.ObjectVal(calls)
	}
	if len(varVals) > 0 {
		ctx.Variables[rootVar] = cty.ObjectVal(varVals)
	}
	if len(localVals) > 0 {
		ctx.Variables[rootLocal] = cty.ObjectVal(localVals)
	}
	if selfNeeded {
		ctx.Variables[rootSelf] = self
	}

	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return cty.NilVal, evalDiagError(expr, diags)
	}
	return val, nil
}

// observedValue returns a node's full attribute object, or an unknown when
// the node has not been applied yet. Unknowns propagate through expressions,
// leaving dependents symbolic until apply commits real values.
func (e *Evaluator) observedValue(addr Address) cty.Value {
	if val, ok := e.values.NodeValue(addr); ok {
		return val
	}
	return cty.UnknownVal(cty.DynamicPseudoType)
}

func (e *Evaluator) variableValue(scope *ModuleScope, name string, rng hcl.Range) (cty.Value, error) {
	binding, ok := scope.Variables[name]
	if !ok {
		return cty.NilVal, unknownReferenceError("var."+name, rng)
	}
	if binding.Expr == nil {
		return binding.Decl.Default, nil
	}
	return e.EvalExpr(binding.CallerScope, binding.Expr, cty.NilVal)
}

func (e *Evaluator) localValue(scope *ModuleScope, name string, rng hcl.Range) (cty.Value, error) {
	expr, ok := scope.Locals[name]
	if !ok {
		return cty.NilVal, unknownReferenceError(renderInScope(scope, "local."+name), rng)
	}
	return e.EvalExpr(scope, expr, cty.NilVal)
}

func (e *Evaluator) outputValue(scope *ModuleScope, callName, outputName string, rng hcl.Range) (cty.Value, error) {
	child, ok := scope.Children[callName]
	if !ok {
		return cty.NilVal, unknownReferenceError(renderInScope(scope, "module."+callName), rng)
	}
	output, ok := child.Outputs[outputName]
	if !ok {
		return cty.NilVal, &EngineError{
			Class:   ErrorClassPermanent,
			Code:    ErrCodeUnknownOutput,
			Message: fmt.Sprintf("module %q declares no output %q (referenced at %s)", child.Key(), outputName, rng),
		}
	}
	return e.EvalExpr(child, output.Value, cty.NilVal)
}

// RootOutputs evaluates the root module's declared outputs.
func (e *Evaluator) RootOutputs() (map[string]cty.Value, error) {
	root := e.graph.RootScope()
	names := make([]string, 0, len(root.Outputs))
	for name := range root.Outputs {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]cty.Value, len(names))
	for _, name := range names {
		val, err := e.EvalExpr(root, root.Outputs[name].Value, cty.NilVal)
		if err != nil {
			return nil, err
		}
		out[name] = val
	}
	return out, nil
}

func evalDiagError(expr hcl.Expression, diags hcl.Diagnostics) error {
	return NewPermanentError(
		fmt.Sprintf("evaluating expression at %s", expr.Range()), diags,
	).WithCode(ErrCodeValidation)
}
