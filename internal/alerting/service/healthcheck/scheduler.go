package healthcheck

import (
	"context"
	"time"

	"github.com/qiniu/opsguard/internal/alerting/metrics"
	"github.com/qiniu/opsguard/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Evaluator *Evaluator
	Interval  time.Duration
}

// NewRedisClientFromConfig constructs a redis client from app config.
func NewRedisClientFromConfig(c *config.RedisConfig) *redis.Client {
	if c == nil {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// StartScheduler evaluates rules every Interval until ctx is done.
func StartScheduler(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = 60 * time.Second
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			if err := deps.Evaluator.RunOnce(ctx); err != nil {
				log.Error().Err(err).Msg("healthcheck runOnce failed")
			}
			metrics.ObserveLoop("evaluator", time.Since(start))
		}
	}
}
