package llm

import (
	"fmt"
	"sync"
)

// Factory constructs a concrete client for one provider. The providers
// subpackage supplies the production factory; tests inject fakes.
type Factory func(p Provider, settings ProviderSettings) (Client, error)

// Registry lazily constructs and caches one client per provider. Clients
// are built on first use so that configuring a key never costs anything
// until a chain actually reaches that vendor.
type Registry struct {
	mu       sync.Mutex
	factory  Factory
	settings map[Provider]ProviderSettings
	clients  map[Provider]Client
}

// NewRegistry creates a registry over the given settings.
func NewRegistry(factory Factory, settings map[Provider]ProviderSettings) *Registry {
	if settings == nil {
		settings = map[Provider]ProviderSettings{}
	}
	return &Registry{
		factory:  factory,
		settings: settings,
		clients:  map[Provider]Client{},
	}
}

// Client returns the cached client for p, constructing it on first use.
func (r *Registry) Client(p Provider) (Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.clients[p]; ok {
		return c, nil
	}
	s, ok := r.settings[p]
	if !ok && p != ProviderLocal {
		return nil, fmt.Errorf("llm: provider %q is not configured", p)
	}
	if p != ProviderLocal && s.APIKey == "" {
		return nil, fmt.Errorf("llm: provider %q has no API key", p)
	}
	c, err := r.factory(p, s)
	if err != nil {
		return nil, fmt.Errorf("llm: construct %s client: %w", p, err)
	}
	r.clients[p] = c
	return c, nil
}

// HasKey reports whether p can be selected. The local runtime needs no
// key.
func (r *Registry) HasKey(p Provider) bool {
	if p == ProviderLocal {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.settings[p].APIKey != ""
}

// Settings returns the settings registered for p.
func (r *Registry) Settings(p Provider) (ProviderSettings, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settings[p]
	return s, ok
}
