package examsession

import (
	"github.com/smallbiznis/lingora/internal/examsession/service"
	"go.uber.org/fx"
)

var Module = fx.Module("examsession.service",
	fx.Provide(service.New),
)
