package queue

import (
	"github.com/redis/go-redis/v9"
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newQueue(appCfg config.Config, clk clock.Clock, log *zap.Logger) Queue {
	if appCfg.IsStandalone() {
		log.Named("queue").Info("queue.backend", zap.String("backend", "memory"))
		return NewMemory(clk)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     appCfg.RedisAddr,
		Password: appCfg.RedisPassword,
		DB:       appCfg.RedisDB,
	})
	log.Named("queue").Info("queue.backend",
		zap.String("backend", "redis"),
		zap.String("addr", appCfg.RedisAddr),
	)
	return NewRedis(client, clk, appCfg.QueueNamespace)
}

func newWorker(q Queue, clk clock.Clock, log *zap.Logger) *Worker {
	return NewWorker(q, clk, WorkerConfig{}, log)
}

// Module provides the job queue and its worker pool.
var Module = fx.Module("queue",
	fx.Provide(
		newQueue,
		newWorker,
	),
)
