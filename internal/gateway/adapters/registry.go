package adapters

import (
	"sort"
	"strings"

	"github.com/billingworks/rebill/internal/gateway/domain"
)

type Registry struct {
	factories map[string]domain.Factory
}

func NewRegistry(factories ...domain.Factory) *Registry {
	registry := &Registry{factories: map[string]domain.Factory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(factory.Provider()))
		if provider == "" {
			continue
		}
		registry.factories[provider] = factory
	}
	return registry
}

func (r *Registry) ProviderExists(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	_, ok := r.factories[provider]
	return ok
}

// IsTokenProvider reports whether the provider can charge a stored credential
// without a redirect flow. Unknown providers are not chargeable.
func (r *Registry) IsTokenProvider(provider string) bool {
	if r == nil {
		return false
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return false
	}
	return factory.Kind() == domain.ProviderKindToken
}

// TokenProviders returns the sorted names of all token-based providers. The
// scheduler uses this set to filter charge candidates in SQL.
func (r *Registry) TokenProviders() []string {
	if r == nil {
		return nil
	}
	providers := make([]string, 0, len(r.factories))
	for name, factory := range r.factories {
		if factory.Kind() == domain.ProviderKindToken {
			providers = append(providers, name)
		}
	}
	sort.Strings(providers)
	return providers
}

func (r *Registry) NewClient(provider string, cfg domain.AdapterConfig) (domain.Client, error) {
	if r == nil {
		return nil, domain.ErrProviderNotFound
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	factory, ok := r.factories[provider]
	if !ok {
		return nil, domain.ErrProviderNotFound
	}
	if factory.Kind() != domain.ProviderKindToken {
		return nil, domain.ErrNotChargeable
	}
	return factory.NewClient(cfg)
}
