package gateway

import (
	"github.com/billingworks/rebill/internal/gateway/adapters"
	"github.com/billingworks/rebill/internal/gateway/adapters/adyen"
	"github.com/billingworks/rebill/internal/gateway/adapters/braintree"
	"github.com/billingworks/rebill/internal/gateway/adapters/mollie"
	"github.com/billingworks/rebill/internal/gateway/adapters/stripe"
	"go.uber.org/fx"
)

var Module = fx.Module("gateway",
	fx.Provide(func() *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(),
			adyen.NewFactory(),
			braintree.NewFactory(),
			mollie.NewFactory(),
		)
	}),
	fx.Provide(NewClients),
)
