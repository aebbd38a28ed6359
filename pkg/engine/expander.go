package engine

import (
	"fmt"
	"sort"

	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// DefaultModuleRecursionLimit bounds module nesting depth so accidental
// self-instantiation fails fast instead of overflowing.
const DefaultModuleRecursionLimit = 16

// ExpandOptions configures module expansion.
type ExpandOptions struct {
	// Loader resolves child module sources. Required when the configuration
	// contains module calls.
	Loader ModuleLoader

	// MaxDepth is the module nesting ceiling. Zero means
	// DefaultModuleRecursionLimit.
	MaxDepth int

	// RootVariables binds the root module's input variables to concrete
	// values, typically from the command line or a bindings file.
	RootVariables map[string]cty.Value
}

// scopedTraversal is a depends_on hint carried with the scope it resolves
// in. Module-call hints propagate to every node the call expands into but
// still resolve in the calling scope.
type scopedTraversal struct {
	scope     *ModuleScope
	traversal hcl.Traversal
}

// Expand inlines every module call into a flat attribute graph. Each child
// module's nodes are namespaced under the calling instance's path, its
// variables are bound to the caller's expressions, and its outputs become
// resolvable under "module.<instance>.<output>". Expansion is a pure pass
// over declarations: no references are evaluated and no providers run.
func Expand(root *ModuleConfig, opts ExpandOptions) (*Graph, error) {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultModuleRecursionLimit
	}

	g := NewGraph()
	ex := &expansion{graph: g, opts: opts}

	rootInputs := make(map[string]hcl.Expression, len(opts.RootVariables))
	for name, val := range opts.RootVariables {
		rootInputs[name] = hcl.StaticExpr(val, hcl.Range{Filename: "<root bindings>"})
	}

	if err := ex.expandModule(nil, nil, root, rootInputs, hcl.Range{}, nil, 0); err != nil {
		return nil, err
	}
	return g, nil
}

type expansion struct {
	graph *Graph
	opts  ExpandOptions
}

func (ex *expansion) expandModule(
	path ModulePath,
	parent *ModuleScope,
	config *ModuleConfig,
	inputs map[string]hcl.Expression,
	callRange hcl.Range,
	inherited []scopedTraversal,
	depth int,
) error {
	var scope *ModuleScope
	if path.IsRoot() {
		scope = ex.graph.RootScope()
	} else {
		scope = newModuleScope(path, parent)
		ex.graph.registerScope(scope)
	}

	if err := ex.bindVariables(scope, config, inputs, callRange); err != nil {
		return err
	}

	for name, expr := range config.Locals {
		scope.Locals[name] = expr
	}
	for name, output := range config.Outputs {
		scope.Outputs[name] = output
	}

	for _, decl := range config.Resources {
		node := &Node{
			Addr:         Address{Module: path, Kind: decl.Kind, Name: decl.Name},
			Attrs:        decl.Attrs,
			DependsOn:    decl.DependsOn,
			Lifecycle:    decl.Lifecycle,
			Provisioners: decl.Provisioners,
			DeclRange:    decl.DeclRange,
		}
		for _, dep := range inherited {
			node.extraDepends = append(node.extraDepends, dep)
		}
		if err := ex.graph.AddNode(node); err != nil {
			return err
		}
	}

	for _, call := range config.ModuleCalls {
		if _, exists := scope.Children[call.Name]; exists {
			return NewPermanentError(
				fmt.Sprintf("duplicate module call %q in %s", call.Name, describeScope(scope)), nil,
			).WithCode(ErrCodeDuplicateNode)
		}
		if depth+1 > ex.opts.MaxDepth {
			return (&EngineError{
				Class: ErrorClassPermanent,
				Code:  ErrCodeModuleRecursionLimit,
				Message: fmt.Sprintf("module nesting exceeds the recursion limit of %d at %s (source %q)",
					ex.opts.MaxDepth, path.Child(call.Name).Key(), call.Source),
			}).WithDetail("limit", ex.opts.MaxDepth)
		}
		if ex.opts.Loader == nil {
			return NewPermanentError(
				fmt.Sprintf("module call %q requires a module loader", call.Name), nil,
			).WithCode(ErrCodeValidation)
		}

		child, err := ex.opts.Loader.LoadModule(call.Source)
		if err != nil {
			return NewPermanentError(
				fmt.Sprintf("loading module %q from %q", call.Name, call.Source), err,
			).WithCode(ErrCodeValidation)
		}

		childInherited := inherited
		for _, traversal := range call.DependsOn {
			childInherited = append(childInherited, scopedTraversal{scope: scope, traversal: traversal})
		}

		if err := ex.expandModule(path.Child(call.Name), scope, child, call.Inputs, call.DeclRange, childInherited, depth+1); err != nil {
			return err
		}
	}

	return nil
}

// bindVariables establishes the scope's input bindings: caller expressions
// where provided, declared defaults otherwise. A required variable with
// neither is a fatal expansion error, as is binding a variable the module
// never declares.
func (ex *expansion) bindVariables(scope *ModuleScope, config *ModuleConfig, inputs map[string]hcl.Expression, callRange hcl.Range) error {
	names := make([]string, 0, len(config.Variables))
	for name := range config.Variables {
		names = append(names, name)
	}
	sort.Strings(names)

	callerScope := scope.Parent
	if callerScope == nil {
		// Root bindings are literal values; they resolve in the root scope.
		callerScope = scope
	}
	for _, name := range names {
		decl := config.Variables[name]
		if expr, ok := inputs[name]; ok {
			scope.Variables[name] = &BoundVariable{Decl: decl, Expr: expr, CallerScope: callerScope}
			continue
		}
		if decl.HasDefault {
			scope.Variables[name] = &BoundVariable{Decl: decl}
			continue
		}
		return &EngineError{
			Class: ErrorClassPermanent,
			Code:  ErrCodeMissingRequiredVariable,
			Message: fmt.Sprintf("required variable %q of %s has no binding and no default (call at %s)",
				name, describeScope(scope), callRange),
		}
	}

	inputNames := make([]string, 0, len(inputs))
	for name := range inputs {
		inputNames = append(inputNames, name)
	}
	sort.Strings(inputNames)
	for _, name := range inputNames {
		if _, declared := config.Variables[name]; !declared {
			return NewPermanentError(
				fmt.Sprintf("%s declares no variable %q", describeScope(scope), name), nil,
			).WithCode(ErrCodeValidation)
		}
	}
	return nil
}

func describeScope(scope *ModuleScope) string {
	if scope.Path.IsRoot() {
		return "the root module"
	}
	return "module " + scope.Key()
}
