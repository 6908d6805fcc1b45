// Package mollie registers a redirect-based provider. Mollie manages its own
// recurring billing after a hosted checkout, so subscriptions on it must never
// be picked up by the charge engine; the factory exists so eligibility checks
// can distinguish "unknown provider" from "known but redirect-based".
package mollie

import (
	"github.com/billingworks/rebill/internal/gateway/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "mollie"
}

func (f *Factory) Kind() domain.ProviderKind {
	return domain.ProviderKindRedirect
}

func (f *Factory) NewClient(cfg domain.AdapterConfig) (domain.Client, error) {
	return nil, domain.ErrNotChargeable
}
