package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/lingora/internal/billing"
	"github.com/smallbiznis/lingora/internal/clock"
	"github.com/smallbiznis/lingora/internal/config"
	"github.com/smallbiznis/lingora/internal/entitlement"
	"github.com/smallbiznis/lingora/internal/evaluation"
	"github.com/smallbiznis/lingora/internal/examsession"
	"github.com/smallbiznis/lingora/internal/migration"
	"github.com/smallbiznis/lingora/internal/observability"
	"github.com/smallbiznis/lingora/internal/ratelimit"
	"github.com/smallbiznis/lingora/internal/server"
	"github.com/smallbiznis/lingora/internal/tasks"
	"github.com/smallbiznis/lingora/internal/usage"
	"github.com/smallbiznis/lingora/pkg/db"
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

		usage.Module,
		entitlement.Module,
		tasks.Module,
		examsession.Module,
		ratelimit.Module,
		evaluation.Module,
		billing.Module,

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
