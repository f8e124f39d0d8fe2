package adapter

import (
	"fmt"
	"sort"
	"sync"

	"github.com/serviceability-scanner/internal/config"
)

// Registry holds the configured serviceability providers by name
type Registry struct {
	mu        sync.RWMutex
	providers map[string]ServiceabilityProvider
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]ServiceabilityProvider)}
}

// NewRegistryFromConfig builds HTTP providers for every entry of the providers file
func NewRegistryFromConfig(file config.ProvidersFile) *Registry {
	r := NewRegistry()
	for _, name := range file.Names() {
		r.Register(NewHTTPProvider(name, file.Providers[name]))
	}
	return r
}

// Register adds or replaces a provider
func (r *Registry) Register(p ServiceabilityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns the named provider
func (r *Registry) Get(name string) (ServiceabilityProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	return p, nil
}

// Names lists registered provider names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
