package engine

import (
	"github.com/hashicorp/hcl/v2"
	"github.com/zclconf/go-cty/cty"
)

// ModuleConfig is the declaration set of a single module: its resources,
// nested module calls, input variables, outputs, and locals. The root
// configuration is itself a ModuleConfig; child modules are loaded on demand
// by a ModuleLoader during expansion.
type ModuleConfig struct {
	// Source is the locator the module was loaded from, for diagnostics.
	Source string

	// Variables declares the module's input contract, keyed by name.
	Variables map[string]*VariableDecl

	// Outputs declares the module's output contract, keyed by name.
	Outputs map[string]*OutputDecl

	// Locals holds named expressions evaluated in the module's own scope.
	Locals map[string]hcl.Expression

	// Resources holds the node declarations in declaration order.
	Resources []*ResourceDecl

	// ModuleCalls holds nested module instantiations in declaration order.
	ModuleCalls []*ModuleCallDecl
}

// VariableDecl declares one module input variable.
type VariableDecl struct {
	Name        string
	Description string

	// Default is the value used when the caller binds nothing. HasDefault
	// distinguishes an explicit null default from no default at all; a
	// variable without a default is required.
	Default    cty.Value
	HasDefault bool

	DeclRange hcl.Range
}

// Required reports whether the caller must bind this variable.
func (v *VariableDecl) Required() bool {
	return !v.HasDefault
}

// OutputDecl declares one module output. The value expression is evaluated
// in the declaring module's scope.
type OutputDecl struct {
	Name        string
	Description string
	Value       hcl.Expression
	Sensitive   bool
	DeclRange   hcl.Range
}

// ResourceDecl declares one resource node before expansion assigns it a
// namespaced address.
type ResourceDecl struct {
	Kind string
	Name string

	// Attrs maps attribute names to their declared expressions. Expressions
	// may embed references to other nodes, variables, locals, and module
	// outputs; those are extracted during reference resolution.
	Attrs map[string]hcl.Expression

	// DependsOn holds explicit ordering hints as raw traversals, resolved
	// against the declaring scope during expansion.
	DependsOn []hcl.Traversal

	Lifecycle    LifecyclePolicy
	Provisioners []*ProvisionerDecl

	DeclRange hcl.Range
}

// LifecyclePolicy carries the per-node lifecycle flags honored by the
// plan/diff engine.
type LifecyclePolicy struct {
	// CreateBeforeDestroy orders the replacement create ahead of the destroy
	// of the old object when a replace is planned.
	CreateBeforeDestroy bool `json:"create_before_destroy,omitempty"`

	// PreventDestroy turns any planned destroy of this node into a fatal
	// plan error.
	PreventDestroy bool `json:"prevent_destroy,omitempty"`

	// IgnoreChanges lists attribute names excluded from diffing.
	IgnoreChanges []string `json:"ignore_changes,omitempty"`
}

// IgnoresAttr reports whether the named attribute is excluded from diffing.
func (p LifecyclePolicy) IgnoresAttr(name string) bool {
	for _, ignored := range p.IgnoreChanges {
		if ignored == name {
			return true
		}
	}
	return false
}

// ProvisionerDecl attaches a post-create remote execution step to a node.
type ProvisionerDecl struct {
	// Type names the provisioner implementation, e.g. "remote-exec".
	Type string

	// Config holds the provisioner's own attributes (script, inline).
	// Evaluated at provision time with the just-created node bound as
	// "self".
	Config map[string]hcl.Expression

	// Connection describes how to reach the target. A nil connection is a
	// declaration error for remote provisioners.
	Connection *ConnectionDecl

	DeclRange hcl.Range
}

// ConnectionDecl describes the remote session parameters for a provisioner.
// Values are expressions so hosts and credentials can reference the created
// node's own attributes or an already-applied dependency.
type ConnectionDecl struct {
	Config    map[string]hcl.Expression
	DeclRange hcl.Range
}

// ModuleCallDecl declares one nested module instantiation.
type ModuleCallDecl struct {
	Name string

	// Source locates the child module's declarations. Local paths only;
	// registry distribution is out of scope.
	Source string

	// Inputs binds the child's variables; expressions are evaluated in the
	// calling module's scope.
	Inputs map[string]hcl.Expression

	DependsOn []hcl.Traversal

	DeclRange hcl.Range
}

// ModuleLoader loads a child module's declaration set from its source
// locator. Implemented by the config package for local directories.
type ModuleLoader interface {
	LoadModule(source string) (*ModuleConfig, error)
}
