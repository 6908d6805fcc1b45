package rebill

import (
	"github.com/billingworks/rebill/internal/rebill/dunning"
	"github.com/billingworks/rebill/internal/rebill/repository"
	"github.com/billingworks/rebill/internal/rebill/service"
	"go.uber.org/fx"
)

var Module = fx.Module("rebill.service",
	fx.Provide(repository.Provide),
	fx.Provide(dunning.NewPolicy),
	fx.Provide(service.NewService),
)
