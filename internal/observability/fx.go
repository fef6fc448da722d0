package observability

import (
	"os"
	"strings"

	"github.com/smallbiznis/lingora/internal/config"
	"github.com/smallbiznis/lingora/internal/observability/logger"
	"github.com/smallbiznis/lingora/internal/observability/metrics"
	"go.uber.org/fx"
)

var Module = fx.Module("observability",
	fx.Provide(
		provideLoggerConfig,
		logger.New,
		metrics.New,
	),
)

func provideLoggerConfig(cfg config.Config) logger.Config {
	return logger.Config{
		ServiceName: cfg.AppName,
		Environment: cfg.Environment,
		Version:     cfg.AppVersion,
		Level:       strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
		Format:      strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
