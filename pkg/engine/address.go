package engine

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ModulePath is the chain of module instance names from the root down to a
// node's enclosing module. Empty for root-level nodes.
type ModulePath []string

// Key renders the path as "module.a.module.b". Root renders as "".
func (p ModulePath) Key() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p)*2)
	for _, name := range p {
		parts = append(parts, "module", name)
	}
	return strings.Join(parts, ".")
}

// Child returns the path extended by one module instance name.
func (p ModulePath) Child(name string) ModulePath {
	child := make(ModulePath, len(p), len(p)+1)
	copy(child, p)
	return append(child, name)
}

// IsRoot reports whether the path names the root module.
func (p ModulePath) IsRoot() bool {
	return len(p) == 0
}

// Address identifies one node in the graph: the enclosing module instance
// path, the resource kind, and the logical name. Addresses render as
// "kind.name" at the root and "module.<instance>.kind.name" inside modules.
type Address struct {
	Module ModulePath
	Kind   string
	Name   string
}

// MarshalJSON renders the address in its canonical dotted form.
func (a Address) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

// UnmarshalJSON parses the canonical dotted form.
func (a *Address) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseAddress(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// String renders the address in its canonical dotted form.
func (a Address) String() string {
	if len(a.Module) == 0 {
		return a.Kind + "." + a.Name
	}
	return a.Module.Key() + "." + a.Kind + "." + a.Name
}

// Equal reports whether two addresses identify the same node.
func (a Address) Equal(other Address) bool {
	return a.String() == other.String()
}

// ParseAddress parses a canonical dotted address. Module segments appear as
// "module.<name>" pairs before the trailing "kind.name". The scope root
// names var, local, module and self are not valid kinds.
func ParseAddress(s string) (Address, error) {
	segments := strings.Split(s, ".")
	var path ModulePath
	for len(segments) > 2 && segments[0] == "module" {
		path = append(path, segments[1])
		segments = segments[2:]
	}
	if len(segments) != 2 || segments[0] == "" || segments[1] == "" || reservedRootName(segments[0]) {
		return Address{}, NewPermanentError(
			fmt.Sprintf("invalid node address %q", s), nil,
		).WithCode(ErrCodeValidation)
	}
	return Address{Module: path, Kind: segments[0], Name: segments[1]}, nil
}

func reservedRootName(name string) bool {
	switch name {
	case rootVar, rootLocal, rootModule, rootSelf:
		return true
	}
	return false
}

// Reference is a symbolic pointer from one node's attribute expression to an
// attribute on another node. It owns no state; it is a lookup key resolved
// against the graph before any provider call.
type Reference struct {
	// Target is the node whose attribute is referenced.
	Target Address `json:"target"`

	// AttrPath is the attribute path on the target, outermost name first.
	AttrPath []string `json:"attr_path,omitempty"`
}

// String renders the reference as "target.attr.path".
func (r Reference) String() string {
	if len(r.AttrPath) == 0 {
		return r.Target.String()
	}
	return r.Target.String() + "." + strings.Join(r.AttrPath, ".")
}
