package migration

import (
	"github.com/billingworks/rebill/internal/config"
	"github.com/billingworks/rebill/internal/event"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType != "postgres" {
			// Non-postgres dialects (local sqlite, mysql) use the model
			// definitions directly; the SQL migrations target postgres.
			return conn.AutoMigrate(
				&subscriptiondomain.Subscription{},
				&rebilldomain.RebillRecord{},
				&event.BillingEvent{},
			)
		}

		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}),
)
