package agentapi

import (
	"sort"
	"sync"

	"github.com/hensu-run/hensu/toolerrors"
)

// ProviderRegistry resolves a model identifier to the highest-priority
// (lowest Priority value) registered AgentProvider that supports it.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers []AgentProvider
}

// NewProviderRegistry builds an empty registry. Register a stub provider
// via Register(NewStubProvider()) to guarantee every model resolves.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{}
}

// Register adds a provider. Safe to call concurrently with Resolve.
func (r *ProviderRegistry) Register(p AgentProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = append(r.providers, p)
	sort.SliceStable(r.providers, func(i, j int) bool {
		return r.providers[i].Priority() < r.providers[j].Priority()
	})
}

// Resolve returns an Agent for model, constructed by the first provider (in
// priority order) that claims support for it.
func (r *ProviderRegistry) Resolve(model, role string, temperature float64, maxTokens int, instructions string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.SupportsModel(model) {
			return p.CreateAgent(model, role, temperature, maxTokens, instructions)
		}
	}
	return nil, toolerrors.Newf(toolerrors.KindProviderMissingForModel, "no provider registered for model %q", model)
}
