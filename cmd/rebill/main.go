package main

import (
	"github.com/billingworks/rebill/internal/clock"
	"github.com/billingworks/rebill/internal/config"
	"github.com/billingworks/rebill/internal/event"
	"github.com/billingworks/rebill/internal/gateway"
	"github.com/billingworks/rebill/internal/migration"
	"github.com/billingworks/rebill/internal/observability"
	"github.com/billingworks/rebill/internal/rebill"
	"github.com/billingworks/rebill/internal/scheduler"
	"github.com/billingworks/rebill/internal/server"
	"github.com/billingworks/rebill/internal/subscription"
	"github.com/billingworks/rebill/pkg/db"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		event.Module,
		gateway.Module,
		subscription.Module,
		rebill.Module,
		scheduler.Module,
		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
