package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
)

// expr parses one HCL expression for test declarations.
func expr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	parsed, diags := hclsyntax.ParseExpression([]byte(src), "test.tn", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		t.Fatalf("parsing expression %q: %s", src, diags.Error())
	}
	return parsed
}

// traversal parses an absolute traversal for depends_on hints.
func traversal(t *testing.T, src string) hcl.Traversal {
	t.Helper()
	parsed, diags := hclsyntax.ParseTraversalAbs([]byte(src), "test.tn", hcl.Pos{Line: 1, Column: 1})
	if diags.HasErrors() {
		t.Fatalf("parsing traversal %q: %s", src, diags.Error())
	}
	return parsed
}

// res builds a resource declaration with attributes parsed from expression
// sources.
func res(t *testing.T, kind, name string, attrs map[string]string) *ResourceDecl {
	t.Helper()
	decl := &ResourceDecl{
		Kind:  kind,
		Name:  name,
		Attrs: make(map[string]hcl.Expression, len(attrs)),
	}
	for attr, src := range attrs {
		decl.Attrs[attr] = expr(t, src)
	}
	return decl
}

func nodeAddr(kind, name string) Address {
	return Address{Kind: kind, Name: name}
}

// buildGraph expands the root config and resolves references, failing the
// test on any error.
func buildGraph(t *testing.T, config *ModuleConfig, opts ExpandOptions) *Graph {
	t.Helper()
	g, err := Expand(config, opts)
	if err != nil {
		t.Fatalf("Expand: %v", err)
	}
	if err := g.ResolveReferences(); err != nil {
		t.Fatalf("ResolveReferences: %v", err)
	}
	return g
}

// noBackoff keeps retry tests from sleeping for real.
func noBackoff(int, error) time.Duration {
	return time.Millisecond
}

// fakeLoader resolves module sources from an in-memory table.
type fakeLoader map[string]*ModuleConfig

func (l fakeLoader) LoadModule(source string) (*ModuleConfig, error) {
	config, ok := l[source]
	if !ok {
		return nil, fmt.Errorf("module source %q not found", source)
	}
	return config, nil
}

// fakeProvider implements Provider for tests. Creates echo their request
// attributes plus a computed id; failures are injected per address or per
// object ID and consumed one call at a time, so a queue of two transient
// errors fails exactly two attempts.
type fakeProvider struct {
	mu      sync.Mutex
	schemas map[string]*KindSchema
	nextID  int

	objects     map[string]map[string]cty.Value
	createReqs  []*CreateRequest
	updateReqs  []*UpdateRequest
	destroyed   []string
	createErrs  map[string][]error
	updateErrs  map[string][]error
	destroyErrs map[string][]error

	// onCreate runs before any bookkeeping, outside the lock, so tests can
	// observe or serialize concurrent creates.
	onCreate func(req *CreateRequest)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		schemas: map[string]*KindSchema{
			"test_thing": {
				Attributes: map[string]*AttrSchema{
					"id":   {Computed: true},
					"size": {ForcesReplacement: true},
				},
			},
		},
		objects:     make(map[string]map[string]cty.Value),
		createErrs:  make(map[string][]error),
		updateErrs:  make(map[string][]error),
		destroyErrs: make(map[string][]error),
	}
}

func (p *fakeProvider) failCreate(addr Address, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createErrs[addr.String()] = append(p.createErrs[addr.String()], errs...)
}

func (p *fakeProvider) failDestroy(id string, errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyErrs[id] = append(p.destroyErrs[id], errs...)
}

func (p *fakeProvider) createRequestFor(addr Address) *CreateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, req := range p.createReqs {
		if req.Addr.Equal(addr) {
			return req
		}
	}
	return nil
}

func (p *fakeProvider) createCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.createReqs)
}

func (p *fakeProvider) Kinds() []string {
	kinds := make([]string, 0, len(p.schemas))
	for kind := range p.schemas {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}

func (p *fakeProvider) Schema(kind string) (*KindSchema, error) {
	schema, ok := p.schemas[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	return schema, nil
}

func (p *fakeProvider) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	if p.onCreate != nil {
		p.onCreate(req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	key := req.Addr.String()
	if errs := p.createErrs[key]; len(errs) > 0 {
		err := errs[0]
		p.createErrs[key] = errs[1:]
		return nil, err
	}
	p.nextID++
	id := fmt.Sprintf("%s-%d", req.Kind, p.nextID)
	attrs := make(map[string]cty.Value, len(req.Attrs)+1)
	for name, val := range req.Attrs {
		attrs[name] = val
	}
	attrs["id"] = cty.StringVal(id)
	p.objects[id] = attrs
	p.createReqs = append(p.createReqs, req)
	return &CreateResponse{ID: id, Attrs: attrs}, nil
}

func (p *fakeProvider) Read(ctx context.Context, req *ReadRequest) (*ReadResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	attrs, ok := p.objects[req.ID]
	if !ok {
		return &ReadResponse{Found: false}, nil
	}
	return &ReadResponse{Attrs: attrs, Found: true}, nil
}

func (p *fakeProvider) Update(ctx context.Context, req *UpdateRequest) (*UpdateResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := req.Addr.String()
	if errs := p.updateErrs[key]; len(errs) > 0 {
		err := errs[0]
		p.updateErrs[key] = errs[1:]
		return nil, err
	}
	attrs := make(map[string]cty.Value, len(req.Attrs)+1)
	for name, val := range req.Attrs {
		attrs[name] = val
	}
	attrs["id"] = cty.StringVal(req.ID)
	p.objects[req.ID] = attrs
	p.updateReqs = append(p.updateReqs, req)
	return &UpdateResponse{Attrs: attrs}, nil
}

func (p *fakeProvider) Destroy(ctx context.Context, req *DestroyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if errs := p.destroyErrs[req.ID]; len(errs) > 0 {
		err := errs[0]
		p.destroyErrs[req.ID] = errs[1:]
		return err
	}
	delete(p.objects, req.ID)
	p.destroyed = append(p.destroyed, req.ID)
	return nil
}

// fakeRegistry dispatches every kind to one provider.
type fakeRegistry struct {
	provider Provider
}

func (r *fakeRegistry) ProviderFor(kind string) (Provider, error) {
	for _, k := range r.provider.Kinds() {
		if k == kind {
			return r.provider, nil
		}
	}
	return nil, fmt.Errorf("no provider registered for kind %q", kind)
}

func (r *fakeRegistry) SchemaFor(kind string) (*KindSchema, error) {
	return r.provider.Schema(kind)
}

// memStore is an in-memory StateStore for tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*StateRecord
	outputs map[string]cty.Value
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*StateRecord),
		outputs: make(map[string]cty.Value),
	}
}

func (s *memStore) Record(addr Address) (*StateRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.records[addr.String()]
	if !ok {
		return nil, false
	}
	return record.Copy(), true
}

func (s *memStore) Records() []*StateRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*StateRecord, 0, len(s.records))
	for _, record := range s.records {
		out = append(out, record.Copy())
	}
	SortRecords(out)
	return out
}

func (s *memStore) Commit(record *StateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Addr.String()] = record.Copy()
	return nil
}

func (s *memStore) Remove(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, addr.String())
	return nil
}

func (s *memStore) SetOutputs(outputs map[string]cty.Value) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs = outputs
	return nil
}

func (s *memStore) outputValue(name string) (cty.Value, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.outputs[name]
	return val, ok
}

// recordingSink captures apply events for assertions.
type recordingSink struct {
	mu     sync.Mutex
	events []*ApplyEvent
}

func (s *recordingSink) Publish(event *ApplyEvent) {
	s.mu.Lock()
	s.events = append(s.events, event)
	s.mu.Unlock()
}

func (s *recordingSink) ofType(eventType ApplyEventType) []*ApplyEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*ApplyEvent
	for _, event := range s.events {
		if event.Type == eventType {
			out = append(out, event)
		}
	}
	return out
}

// fakeProvisioner records provision requests and fails on demand.
type fakeProvisioner struct {
	mu       sync.Mutex
	requests []*ProvisionRequest
	output   string
	err      error
}

func (p *fakeProvisioner) Provision(ctx context.Context, req *ProvisionRequest) (*ProvisionResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	return &ProvisionResult{Output: p.output}, p.err
}

// planAndApply runs one full pass and fails the test on planning errors.
func planAndApply(t *testing.T, g *Graph, store *memStore, registry ProviderRegistry, cfg ExecutorConfig) *ApplyResult {
	t.Helper()
	plan, err := NewPlanner(g, store, registry).Plan(context.Background(), PlanOptions{})
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if cfg.Backoff == nil {
		cfg.Backoff = noBackoff
	}
	result, err := NewExecutor(g, store, registry, cfg).Apply(context.Background(), plan)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	return result
}
