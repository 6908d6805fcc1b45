package subscription

import (
	"github.com/billingworks/rebill/internal/subscription/repository"
	"github.com/billingworks/rebill/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
