// Package memory implements the in-process provider behind the mem_*
// resource kinds. Objects live in a process-local table, so every
// operation is deterministic and instant: the provider is the reference
// collaborator for engine semantics and the backend of CLI walkthroughs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zclconf/go-cty/cty"

	"github.com/terrane-io/terrane/pkg/engine"
)

const (
	// KindNet is an isolated network with an address range.
	KindNet = "mem_net"

	// KindBox is a machine attached to a network. Boxes get a
	// provider-assigned address on creation.
	KindBox = "mem_box"

	// KindRecord is a name-to-value entry, typically pointing at a box
	// address.
	KindRecord = "mem_record"
)

// Provider implements engine.Provider for the mem_* kinds.
type Provider struct {
	mu      sync.Mutex
	schemas map[string]*engine.KindSchema
	objects map[string]*object

	// seq numbers provider-assigned IDs; boxSeq numbers assigned addresses.
	seq    int
	boxSeq int
}

type object struct {
	kind  string
	attrs map[string]cty.Value
}

var _ engine.Provider = (*Provider)(nil)

// New creates a memory provider with an empty object table.
func New() *Provider {
	return &Provider{
		schemas: map[string]*engine.KindSchema{
			KindNet: {
				Attributes: map[string]*engine.AttrSchema{
					"id":   {Computed: true},
					"name": {Required: true},
					"cidr": {ForcesReplacement: true},
				},
			},
			KindBox: {
				Attributes: map[string]*engine.AttrSchema{
					"id":      {Computed: true},
					"ip":      {Computed: true},
					"name":    {Required: true},
					"image":   {ForcesReplacement: true},
					"network": {ForcesReplacement: true},
					"cpus":    {},
					"tags":    {},
				},
			},
			KindRecord: {
				Attributes: map[string]*engine.AttrSchema{
					"id":    {Computed: true},
					"name":  {Required: true},
					"value": {Required: true},
					"ttl":   {},
				},
			},
		},
		objects: make(map[string]*object),
	}
}

// Kinds lists the resource kinds the provider implements.
func (p *Provider) Kinds() []string {
	kinds := make([]string, 0, len(p.schemas))
	for kind := range p.schemas {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

// Schema returns the attribute schema of a kind.
func (p *Provider) Schema(kind string) (*engine.KindSchema, error) {
	schema, ok := p.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return schema, nil
}

// Create realizes a new object and assigns its identity. Boxes also get an
// address in the 10.0.0.0/16 range.
func (p *Provider) Create(ctx context.Context, req *engine.CreateRequest) (*engine.CreateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	schema, ok := p.schemas[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", req.Kind)
	}
	if err := validateAttrs(req.Kind, schema, req.Attrs); err != nil {
		return nil, err
	}

	p.seq++
	id := fmt.Sprintf("%s-%d", req.Kind, p.seq)

	attrs := copyAttrs(req.Attrs)
	attrs["id"] = cty.StringVal(id)
	if req.Kind == KindBox {
		p.boxSeq++
		attrs["ip"] = cty.StringVal(fmt.Sprintf("10.0.%d.%d", p.boxSeq/250, p.boxSeq%250+1))
	}

	p.objects[id] = &object{kind: req.Kind, attrs: attrs}
	return &engine.CreateResponse{ID: id, Attrs: copyAttrs(attrs)}, nil
}

// Read fetches the current attributes of an object. A missing object is
// reported through Found, not as an error.
func (p *Provider) Read(ctx context.Context, req *engine.ReadRequest) (*engine.ReadResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[req.ID]
	if !ok || obj.kind != req.Kind {
		return &engine.ReadResponse{Found: false}, nil
	}
	return &engine.ReadResponse{Attrs: copyAttrs(obj.attrs), Found: true}, nil
}

// Update changes an object in place. Computed attributes keep the values
// assigned at creation; declared attributes are replaced wholesale, so an
// attribute removed from the declaration disappears from the object.
func (p *Provider) Update(ctx context.Context, req *engine.UpdateRequest) (*engine.UpdateResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	schema, ok := p.schemas[req.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", req.Kind)
	}
	obj, ok := p.objects[req.ID]
	if !ok {
		return nil, fmt.Errorf("%s %q does not exist", req.Kind, req.ID)
	}
	if obj.kind != req.Kind {
		return nil, fmt.Errorf("object %q is a %s, not a %s", req.ID, obj.kind, req.Kind)
	}
	if err := validateAttrs(req.Kind, schema, req.Attrs); err != nil {
		return nil, err
	}

	attrs := make(map[string]cty.Value, len(req.Attrs)+2)
	for name, val := range obj.attrs {
		if schema.Computed(name) {
			attrs[name] = val
		}
	}
	for name, val := range req.Attrs {
		attrs[name] = val
	}

	obj.attrs = attrs
	return &engine.UpdateResponse{Attrs: copyAttrs(attrs)}, nil
}

// Destroy removes an object. Destroying an absent object succeeds.
func (p *Provider) Destroy(ctx context.Context, req *engine.DestroyRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	obj, ok := p.objects[req.ID]
	if !ok {
		return nil
	}
	if obj.kind != req.Kind {
		return fmt.Errorf("object %q is a %s, not a %s", req.ID, obj.kind, req.Kind)
	}
	delete(p.objects, req.ID)
	return nil
}

// Len reports how many objects the provider holds.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.objects)
}

func validateAttrs(kind string, schema *engine.KindSchema, attrs map[string]cty.Value) error {
	for name := range attrs {
		attr, ok := schema.Attributes[name]
		if !ok {
			return fmt.Errorf("unsupported attribute %q for %s", name, kind)
		}
		if attr.Computed {
			return fmt.Errorf("attribute %q of %s is assigned by the provider", name, kind)
		}
		if !attrs[name].IsWhollyKnown() {
			return fmt.Errorf("attribute %q of %s has no known value", name, kind)
		}
	}
	for name, attr := range schema.Attributes {
		if !attr.Required {
			continue
		}
		val, ok := attrs[name]
		if !ok || val.IsNull() {
			return fmt.Errorf("attribute %q of %s is required", name, kind)
		}
	}
	return nil
}

func copyAttrs(attrs map[string]cty.Value) map[string]cty.Value {
	out := make(map[string]cty.Value, len(attrs))
	for name, val := range attrs {
		out[name] = val
	}
	return out
}
