// Command scheduler runs the sweep loop that enqueues due cycle runs.
// It only writes to the queue; workers do the execution.
package main

import (
	"context"

	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/config"
	"github.com/tontinehq/tontine/internal/logger"
	"github.com/tontinehq/tontine/internal/queue"
	"github.com/tontinehq/tontine/internal/scheduler"
	"github.com/tontinehq/tontine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		db.Module,
		queue.Module,
		scheduler.Module,

		fx.Invoke(startScheduler),
	)
	app.Run()
}

func startScheduler(lc fx.Lifecycle, s *scheduler.Scheduler, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := s.RunForever(ctx); err != nil && ctx.Err() == nil {
					log.Error("scheduler.run", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
