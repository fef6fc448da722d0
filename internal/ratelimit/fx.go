package ratelimit

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/lingora/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit",
	fx.Provide(NewEvaluatorLimiter),
)

// NewEvaluatorLimiter builds the shared evaluator rate gate. Without redis
// there is no cross-instance budget to enforce, so it degrades to a no-op.
func NewEvaluatorLimiter(cfg config.Config, log *zap.Logger) Limiter {
	if !cfg.Redis.Enabled {
		log.Named("ratelimit").Info("redis disabled, evaluator rate limiting off")
		return NewNoopLimiter()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     strings.TrimSpace(cfg.Redis.Addr),
		Password: strings.TrimSpace(cfg.Redis.Password),
		DB:       cfg.Redis.DB,
	})
	return NewBucketLimiter(NewTokenBucket(client), "lingora:ratelimit:evaluator", cfg.Evaluator.Rate, cfg.Evaluator.Burst)
}
