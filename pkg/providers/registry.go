// Package providers wires concrete provider implementations to the
// resource kinds they serve. The engine asks for providers by kind alone;
// the registry owns the kind namespace and rejects double registration.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/terrane-io/terrane/pkg/engine"
)

// Registry dispatches resource kinds to registered providers.
type Registry struct {
	// mu protects the kind table.
	mu sync.RWMutex

	// providers maps each claimed kind to its provider.
	providers map[string]engine.Provider
}

var _ engine.ProviderRegistry = (*Registry)(nil)

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]engine.Provider),
	}
}

// Register claims every kind the provider implements. A kind can have only
// one owner; registering it twice is an error and leaves the registry
// unchanged.
func (r *Registry) Register(provider engine.Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kinds := provider.Kinds()
	if len(kinds) == 0 {
		return fmt.Errorf("provider implements no kinds")
	}
	for _, kind := range kinds {
		if _, exists := r.providers[kind]; exists {
			return fmt.Errorf("kind %q already registered", kind)
		}
	}
	for _, kind := range kinds {
		r.providers[kind] = provider
	}
	return nil
}

// ProviderFor returns the provider implementing a kind.
func (r *Registry) ProviderFor(kind string) (engine.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, ok := r.providers[kind]
	if !ok {
		return nil, fmt.Errorf("no provider registered for kind %q", kind)
	}
	return provider, nil
}

// SchemaFor returns the attribute schema of a kind from its provider.
func (r *Registry) SchemaFor(kind string) (*engine.KindSchema, error) {
	provider, err := r.ProviderFor(kind)
	if err != nil {
		return nil, err
	}
	return provider.Schema(kind)
}

// Kinds lists every registered kind in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.providers))
	for kind := range r.providers {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	return kinds
}
