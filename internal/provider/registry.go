// Package provider resolves logical model ids to adapters and their static
// capabilities.
package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/polyglot-orchestrator/internal/config"
	"github.com/tjfontaine/polyglot-orchestrator/internal/domain"
	"github.com/tjfontaine/polyglot-orchestrator/internal/provider/registry"
)

// ErrDuplicateModel indicates an attempt to register the same model id twice.
var ErrDuplicateModel = errors.New("model already registered")

type modelEntry struct {
	id       string
	aliases  []string
	provider domain.Provider
	caps     domain.ProviderCapabilities
}

// Registry maps model ids and aliases to adapters. Registration happens at
// startup; resolution is a pure lookup with no network I/O.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]*modelEntry
	aliases   map[string]string
	providers map[string]domain.Provider
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:    make(map[string]*modelEntry),
		aliases:   make(map[string]string),
		providers: make(map[string]domain.Provider),
	}
}

// Build creates one adapter per configured provider through the registered
// factories and registers every configured model.
func Build(cfgs []config.ProviderConfig, opts registry.CreateOptions) (*Registry, error) {
	r := NewRegistry()
	for _, cfg := range cfgs {
		p, err := registry.CreateFromFactory(cfg, opts)
		if err != nil {
			return nil, fmt.Errorf("create provider %s: %w", cfg.Name, err)
		}
		for _, m := range cfg.Models {
			if err := r.Register(p, m.ID, m.Aliases...); err != nil {
				return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
			}
		}
	}
	return r, nil
}

// Register exposes model through p. The adapter must declare capabilities
// for model.
func (r *Registry) Register(p domain.Provider, model string, aliases ...string) error {
	if p == nil {
		return errors.New("provider must not be nil")
	}
	caps, ok := p.Capabilities(model)
	if !ok {
		return fmt.Errorf("provider %q declares no capabilities for model %q", p.Name(), model)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[model]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, model)
	}
	if _, exists := r.aliases[model]; exists {
		return fmt.Errorf("%w: %s (already an alias)", ErrDuplicateModel, model)
	}
	for _, alias := range aliases {
		if _, exists := r.models[alias]; exists {
			return fmt.Errorf("alias %q conflicts with existing model", alias)
		}
		if target, exists := r.aliases[alias]; exists {
			return fmt.Errorf("alias %q already points at %q", alias, target)
		}
	}

	r.models[model] = &modelEntry{id: model, aliases: aliases, provider: p, caps: caps}
	for _, alias := range aliases {
		r.aliases[alias] = model
	}
	r.providers[p.Name()] = p
	return nil
}

// Resolve returns the adapter and capabilities serving modelID, following
// aliases. Capabilities always carry the canonical model id.
func (r *Registry) Resolve(modelID string) (domain.Provider, domain.ProviderCapabilities, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.lookup(modelID)
	if !ok {
		return nil, domain.ProviderCapabilities{}, domain.ErrUnknownModel(modelID)
	}
	return entry.provider, entry.caps, nil
}

// Canonical returns the canonical id for a model id or alias.
func (r *Registry) Canonical(modelID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.lookup(modelID)
	if !ok {
		return "", false
	}
	return entry.id, true
}

// Capabilities returns the static capabilities of modelID.
func (r *Registry) Capabilities(modelID string) (domain.ProviderCapabilities, error) {
	_, caps, err := r.Resolve(modelID)
	return caps, err
}

// Models returns every registered model, sorted by id.
func (r *Registry) Models() []domain.ModelInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.ModelInfo, 0, len(r.models))
	for _, e := range r.models {
		out = append(out, domain.ModelInfo{
			ID:           e.id,
			Aliases:      append([]string(nil), e.aliases...),
			Capabilities: e.caps,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pricing returns the per-model pricing table of every registered model.
func (r *Registry) Pricing() map[string]domain.Pricing {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]domain.Pricing, len(r.models))
	for id, e := range r.models {
		out[id] = e.caps.Pricing
	}
	return out
}

func (r *Registry) lookup(modelID string) (*modelEntry, bool) {
	if entry, ok := r.models[modelID]; ok {
		return entry, true
	}
	if target, ok := r.aliases[modelID]; ok {
		entry, ok := r.models[target]
		return entry, ok
	}
	return nil, false
}
