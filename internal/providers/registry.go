package providers

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry routes model identifiers to providers. Routing is by longest
// matching model prefix (for example "gpt-" or "claude-"), falling back
// to the default provider.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	prefixes  map[string]string // model prefix -> provider name
	fallback  string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		prefixes:  make(map[string]string),
	}
}

// Register adds a provider under its own name. The first registered
// provider becomes the default.
func (r *Registry) Register(p Provider) {
	if p == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.fallback == "" {
		r.fallback = p.Name()
	}
}

// RoutePrefix maps models starting with prefix to the named provider.
func (r *Registry) RoutePrefix(prefix, providerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prefixes[prefix] = providerName
}

// SetDefault sets the fallback provider by name.
func (r *Registry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; !ok {
		return fmt.Errorf("%w: unknown provider %q", ErrNoProvider, name)
	}
	r.fallback = name
	return nil
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Resolve returns the provider serving the given model identifier.
func (r *Registry) Resolve(model string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if model != "" {
		best := ""
		for prefix := range r.prefixes {
			if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
				best = prefix
			}
		}
		if best != "" {
			if p, ok := r.providers[r.prefixes[best]]; ok {
				return p, nil
			}
		}
	}

	if p, ok := r.providers[r.fallback]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrNoProvider, model)
}

// Names returns registered provider names, sorted.
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

// AllModels lists every model across registered providers, sorted by id.
func (r *Registry) AllModels() []Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Model
	for _, p := range r.providers {
		out = append(out, p.Models()...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
