package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Info describes a registered provider instance for API responses.
type Info struct {
	Name     string                    `json:"name"`
	Type     Type                      `json:"type"`
	Enabled  bool                      `json:"enabled"`
	Weight   int                       `json:"weight"`
	Handlers map[Handler]HandlerConfig `json:"handlers"`
}

// Entry pairs a provider instance's configuration with its gateway.
type Entry struct {
	Config  InstanceConfig
	Gateway Gateway
}

// Registry holds the configured provider instances and their gateways.
// It is built once at process start and passed to the components that need it.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	entries map[string]Entry
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]Entry),
	}
}

// Register adds a provider instance. Instances keep the order in which they
// were registered; names must be unique.
func (r *Registry) Register(cfg InstanceConfig, gw Gateway) error {
	if cfg.Name == "" {
		return fmt.Errorf("provider instance has no name")
	}
	if gw == nil {
		return fmt.Errorf("provider %q has no gateway", cfg.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[cfg.Name]; ok {
		return fmt.Errorf("provider %q is already registered", cfg.Name)
	}
	r.entries[cfg.Name] = Entry{Config: cfg, Gateway: gw}
	r.order = append(r.order, cfg.Name)
	return nil
}

// Gateway returns the gateway registered under name.
func (r *Registry) Gateway(name string) (Gateway, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("provider %q is not registered", name)
	}
	return e.Gateway, nil
}

// Config returns the instance configuration registered under name.
func (r *Registry) Config(name string) (InstanceConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e.Config, ok
}

// Configs returns all instance configurations in registration order.
func (r *Registry) Configs() []InstanceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceConfig, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Config)
	}
	return out
}

// Enabled returns the enabled instance configurations in registration order.
func (r *Registry) Enabled() []InstanceConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]InstanceConfig, 0, len(r.order))
	for _, name := range r.order {
		if cfg := r.entries[name].Config; cfg.Enabled {
			out = append(out, cfg)
		}
	}
	return out
}

// List returns information about all registered providers, sorted by name
// for a stable API response.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.entries))
	for name, e := range r.entries {
		handlers, _ := EffectiveHandlers(e.Config)
		infos = append(infos, Info{
			Name:     name,
			Type:     e.Config.Type,
			Enabled:  e.Config.Enabled,
			Weight:   e.Config.Weight,
			Handlers: handlers,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
