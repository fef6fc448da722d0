package tasks

import (
	"github.com/smallbiznis/lingora/internal/tasks/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tasks.service",
	fx.Provide(service.New),
)
