// Command tontine runs the whole system in one process: HTTP surface,
// queue workers, and the scheduler sweep. Suited to standalone
// deployments; split the worker and scheduler out under load.
package main

import (
	"context"

	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/config"
	"github.com/tontinehq/tontine/internal/engine"
	"github.com/tontinehq/tontine/internal/gateway"
	"github.com/tontinehq/tontine/internal/gateway/webhook"
	"github.com/tontinehq/tontine/internal/ids"
	"github.com/tontinehq/tontine/internal/jobs"
	"github.com/tontinehq/tontine/internal/ledger"
	"github.com/tontinehq/tontine/internal/logger"
	"github.com/tontinehq/tontine/internal/migration"
	"github.com/tontinehq/tontine/internal/notification"
	"github.com/tontinehq/tontine/internal/queue"
	"github.com/tontinehq/tontine/internal/scheduler"
	"github.com/tontinehq/tontine/internal/server"
	"github.com/tontinehq/tontine/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		clock.Module,
		ids.Module,
		db.Module,
		migration.Module,

		ledger.Module,
		breaker.Module,
		queue.Module,
		gateway.Module,
		notification.Module,
		engine.Module,
		scheduler.Module,
		webhook.Module,
		jobs.Module,
		server.Module,

		fx.Invoke(startWorker, startScheduler),
	)
	app.Run()
}

func startWorker(lc fx.Lifecycle, w *queue.Worker, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := w.Run(ctx); err != nil && ctx.Err() == nil {
					log.Error("worker.run", zap.Error(err))
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
