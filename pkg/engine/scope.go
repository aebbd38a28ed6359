package engine

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// ModuleScope is the name-resolution environment of one expanded module
// instance. Expressions declared inside the instance resolve variables,
// locals, sibling resources, and child module outputs against it.
type ModuleScope struct {
	// Path is the module instance path this scope belongs to.
	Path ModulePath

	// Parent is the calling scope, nil for the root.
	Parent *ModuleScope

	// Variables holds the input bindings established by the module call,
	// keyed by variable name.
	Variables map[string]*BoundVariable

	// Locals holds the scope's named expressions.
	Locals map[string]hcl.Expression

	// Outputs holds the scope's declared output contract.
	Outputs map[string]*OutputDecl

	// Children maps child module instance names to their scopes.
	Children map[string]*ModuleScope
}

// BoundVariable is one input variable binding for a module instance. When
// Expr is nil the declared default applies; otherwise Expr is evaluated in
// the calling scope.
type BoundVariable struct {
	Decl *VariableDecl

	// Expr is the caller-provided binding, nil when the default is used.
	Expr hcl.Expression

	// CallerScope is the scope Expr evaluates in.
	CallerScope *ModuleScope
}

func newModuleScope(path ModulePath, parent *ModuleScope) *ModuleScope {
	return &ModuleScope{
		Path:      path,
		Parent:    parent,
		Variables: make(map[string]*BoundVariable),
		Locals:    make(map[string]hcl.Expression),
		Outputs:   make(map[string]*OutputDecl),
		Children:  make(map[string]*ModuleScope),
	}
}

// Key returns the canonical scope key, "" for the root.
func (s *ModuleScope) Key() string {
	return s.Path.Key()
}

// Reserved traversal roots that never name a resource kind.
const (
	rootVar    = "var"
	rootLocal  = "local"
	rootModule = "module"
	rootSelf   = "self"
)

// refsForExpr resolves every traversal embedded in expr to the set of node
// references it ultimately depends on. Traversals through variables, locals,
// and module outputs are chased transitively without evaluating anything.
// selfAddr is non-nil only for provisioner expressions, where "self" names
// the owning node.
func (g *Graph) refsForExpr(scope *ModuleScope, expr hcl.Expression, selfAddr *Address, visiting []string) ([]Reference, error) {
	var refs []Reference
	for _, traversal := range expr.Variables() {
		found, err := g.refsForTraversal(scope, traversal, selfAddr, visiting)
		if err != nil {
			return nil, err
		}
		refs = append(refs, found...)
	}
	return refs, nil
}

// refsForTraversal resolves one traversal in the given scope. The visiting
// slice tracks the symbolic chain (locals, outputs, variables) being chased
// so expression-level cycles are reported instead of recursing forever.
func (g *Graph) refsForTraversal(scope *ModuleScope, traversal hcl.Traversal, selfAddr *Address, visiting []string) ([]Reference, error) {
	root := traversal.RootName()
	steps := traversalSteps(traversal)
	rng := traversal.SourceRange()

	switch root {
	case rootVar:
		if len(steps) < 1 {
			return nil, unknownReferenceError("var", rng)
		}
		name := steps[0]
		binding, ok := scope.Variables[name]
		if !ok {
			return nil, unknownReferenceError("var."+name, rng)
		}
		if binding.Expr == nil {
			return nil, nil
		}
		key := symbolKey(binding.CallerScope, "var", name)
		if err := checkSymbolCycle(visiting, key); err != nil {
			return nil, err
		}
		return g.refsForExpr(binding.CallerScope, binding.Expr, nil, append(visiting, key))

	case rootLocal:
		if len(steps) < 1 {
			return nil, unknownReferenceError("local", rng)
		}
		name := steps[0]
		expr, ok := scope.Locals[name]
		if !ok {
			return nil, unknownReferenceError(renderInScope(scope, "local."+name), rng)
		}
		key := symbolKey(scope, "local", name)
		if err := checkSymbolCycle(visiting, key); err != nil {
			return nil, err
		}
		return g.refsForExpr(scope, expr, nil, append(visiting, key))

	case rootModule:
		if len(steps) < 2 {
			return nil, unknownReferenceError(renderTraversal(traversal), rng)
		}
		callName, outputName := steps[0], steps[1]
		child, ok := scope.Children[callName]
		if !ok {
			return nil, unknownReferenceError(renderInScope(scope, "module."+callName), rng)
		}
		output, ok := child.Outputs[outputName]
		if !ok {
			return nil, &EngineError{
				Class:   ErrorClassPermanent,
				Code:    ErrCodeUnknownOutput,
				Message: fmt.Sprintf("module %q declares no output %q (referenced at %s)", child.Key(), outputName, rng),
			}
		}
		key := symbolKey(child, "output", outputName)
		if err := checkSymbolCycle(visiting, key); err != nil {
			return nil, err
		}
		return g.refsForExpr(child, output.Value, nil, append(visiting, key))

	case rootSelf:
		if selfAddr == nil {
			return nil, unknownReferenceError("self (only valid inside provisioner blocks)", rng)
		}
		// The node's own attributes impose no external ordering.
		return nil, nil

	default:
		// A resource reference: kind.name.attr...
		if len(steps) < 1 {
			return nil, unknownReferenceError(renderTraversal(traversal), rng)
		}
		addr := Address{Module: scope.Path, Kind: root, Name: steps[0]}
		if g.Node(addr) == nil {
			return nil, unknownReferenceError(addr.String(), rng)
		}
		return []Reference{{Target: addr, AttrPath: steps[1:]}}, nil
	}
}

func symbolKey(scope *ModuleScope, category, name string) string {
	return scope.Key() + "|" + category + "." + name
}

func checkSymbolCycle(visiting []string, key string) error {
	for i, seen := range visiting {
		if seen == key {
			chain := append(append([]string{}, visiting[i:]...), key)
			return &EngineError{
				Class:   ErrorClassPermanent,
				Code:    ErrCodeCyclicDependency,
				Message: fmt.Sprintf("circular reference detected: %s", strings.Join(chain, " -> ")),
				Details: map[string]interface{}{"cycle": chain},
			}
		}
	}
	return nil
}

func unknownReferenceError(target string, rng hcl.Range) error {
	return &EngineError{
		Class:   ErrorClassPermanent,
		Code:    ErrCodeUnknownReference,
		Message: fmt.Sprintf("reference to unknown target %s at %s", target, rng),
	}
}

func renderInScope(scope *ModuleScope, ref string) string {
	if scope.Path.IsRoot() {
		return ref
	}
	return scope.Key() + "." + ref
}

// traversalSteps flattens the relative steps of a traversal into strings.
// Index steps render their key so error messages stay readable.
func traversalSteps(traversal hcl.Traversal) []string {
	steps := make([]string, 0, len(traversal)-1)
	for _, step := range traversal[1:] {
		switch s := step.(type) {
		case hcl.TraverseAttr:
			steps = append(steps, s.Name)
		case hcl.TraverseIndex:
			steps = append(steps, indexKeyString(s.Key))
		}
	}
	return steps
}

func indexKeyString(key cty.Value) string {
	if key.IsNull() || !key.IsKnown() {
		return "?"
	}
	switch key.Type() {
	case cty.String:
		return key.AsString()
	case cty.Number:
		return key.AsBigFloat().Text('f', -1)
	default:
		return "?"
	}
}

func renderTraversal(traversal hcl.Traversal) string {
	parts := []string{traversal.RootName()}
	parts = append(parts, traversalSteps(traversal)...)
	return strings.Join(parts, ".")
}

// resolveDependsOn maps an explicit depends_on traversal to a node address
// in the given scope. Only resource targets are accepted.
func (g *Graph) resolveDependsOn(scope *ModuleScope, traversal hcl.Traversal) (Address, error) {
	root := traversal.RootName()
	steps := traversalSteps(traversal)
	rng := traversal.SourceRange()
	switch root {
	case rootVar, rootLocal, rootModule, rootSelf:
		return Address{}, unknownReferenceError(
			fmt.Sprintf("%s (depends_on must name a resource)", renderTraversal(traversal)), rng)
	}
	if len(steps) != 1 {
		return Address{}, unknownReferenceError(renderTraversal(traversal), rng)
	}
	addr := Address{Module: scope.Path, Kind: root, Name: steps[0]}
	if g.Node(addr) == nil {
		return Address{}, unknownReferenceError(addr.String(), rng)
	}
	return addr, nil
}
