package engine

import (
	"context"

	"github.com/zclconf/go-cty/cty"
)

// Provider is the external collaborator that realizes resource kinds. The
// engine treats every concrete kind as an opaque implementation of this
// interface; it never inspects what a kind means, only the attribute values
// flowing in and out.
type Provider interface {
	// Kinds lists the resource kinds this provider implements.
	Kinds() []string

	// Schema describes one kind's attributes, in particular which ones
	// force replacement when changed. A nil schema means every change is
	// updatable in place.
	Schema(kind string) (*KindSchema, error)

	// Create realizes a new object from the resolved attributes and returns
	// the provider-assigned identity plus the full observed attribute set.
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)

	// Read fetches the current attributes of an existing object. A missing
	// object reports Found=false, not an error.
	Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error)

	// Update changes an existing object in place and returns the full
	// observed attribute set after the change.
	Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error)

	// Destroy removes an existing object. Destroying an already-absent
	// object succeeds.
	Destroy(ctx context.Context, req *DestroyRequest) error
}

// KindSchema describes the attribute surface of one resource kind.
type KindSchema struct {
	Attributes map[string]*AttrSchema `json:"attributes"`
}

// AttrSchema describes one attribute of a kind.
type AttrSchema struct {
	// Required attributes must be present in the declaration.
	Required bool `json:"required,omitempty"`

	// Computed attributes are assigned by the provider and never diffed
	// against declarations.
	Computed bool `json:"computed,omitempty"`

	// ForcesReplacement marks attributes whose change cannot be applied in
	// place; the plan engine emits a replace instead of an update.
	ForcesReplacement bool `json:"forces_replacement,omitempty"`
}

// ForcesReplacement reports whether changing the named attribute requires
// destroying and recreating the object. Unknown attributes update in place.
func (s *KindSchema) ForcesReplacement(name string) bool {
	if s == nil {
		return false
	}
	attr, ok := s.Attributes[name]
	return ok && attr.ForcesReplacement
}

// Computed reports whether the named attribute is provider-assigned.
func (s *KindSchema) Computed(name string) bool {
	if s == nil {
		return false
	}
	attr, ok := s.Attributes[name]
	return ok && attr.Computed
}

// CreateRequest asks a provider to realize a new object.
type CreateRequest struct {
	Kind  string
	Addr  Address
	Attrs map[string]cty.Value
}

// CreateResponse carries the provider-assigned identity and the full
// observed attribute set of the new object.
type CreateResponse struct {
	ID    string
	Attrs map[string]cty.Value
}

// ReadRequest asks a provider for the current attributes of an object.
type ReadRequest struct {
	Kind string
	ID   string
}

// ReadResponse carries an object's current attributes. Found is false when
// the object no longer exists.
type ReadResponse struct {
	Attrs map[string]cty.Value
	Found bool
}

// UpdateRequest asks a provider to change an object in place.
type UpdateRequest struct {
	Kind  string
	ID    string
	Addr  Address
	Attrs map[string]cty.Value
}

// UpdateResponse carries the full observed attribute set after an update.
type UpdateResponse struct {
	Attrs map[string]cty.Value
}

// DestroyRequest asks a provider to remove an object.
type DestroyRequest struct {
	Kind string
	ID   string
	Addr Address
}

// ProviderRegistry dispatches resource kinds to the provider implementing
// them and exposes kind schemas to the plan engine.
type ProviderRegistry interface {
	ProviderFor(kind string) (Provider, error)
	SchemaFor(kind string) (*KindSchema, error)
}
