package scheduler

import (
	"github.com/redis/go-redis/v9"
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/config"
	"github.com/tontinehq/tontine/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newLocker(appCfg config.Config) Locker {
	if appCfg.IsStandalone() {
		return NewLocalLocker()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     appCfg.RedisAddr,
		Password: appCfg.RedisPassword,
		DB:       appCfg.RedisDB,
	})
	return NewRedisLocker(client, appCfg.QueueNamespace)
}

func newScheduler(db *gorm.DB, q queue.Queue, locker Locker, clk clock.Clock, log *zap.Logger) (*Scheduler, error) {
	return New(db, q, locker, clk, Config{}, log)
}

// Module wires the cycle scheduler.
var Module = fx.Module("scheduler",
	fx.Provide(
		newLocker,
		newScheduler,
	),
)
