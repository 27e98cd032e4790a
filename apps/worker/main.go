// Command worker drains the job queue: cycle runs, payment retries,
// pause handling, and notification dispatch. No HTTP surface.
package main

import (
	"context"

	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/config"
	"github.com/tontinehq/tontine/internal/engine"
	"github.com/tontinehq/tontine/internal/gateway"
	"github.com/tontinehq/tontine/internal/ids"
	"github.com/tontinehq/tontine/internal/jobs"
	"github.com/tontinehq/tontine/internal/ledger"
	"github.com/tontinehq/tontine/internal/logger"
	"github.com/tontinehq/tontine/internal/notification"
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
		ids.Module,
		db.Module,

		ledger.Module,
		breaker.Module,
		queue.Module,
		gateway.Module,
		notification.Module,
		engine.Module,
		scheduler.Module,
		jobs.Module,

		fx.Invoke(startWorker),
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
