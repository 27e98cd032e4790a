package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/config"
	"github.com/tontinehq/tontine/internal/engine"
	"github.com/tontinehq/tontine/internal/gateway/webhook"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"github.com/tontinehq/tontine/internal/queue"
	"github.com/tontinehq/tontine/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Server is the operator and webhook surface. It carries no cycle
// logic; every mutating route delegates to the engine.
type Server struct {
	db      *gorm.DB
	engine  *engine.Engine
	sched   *scheduler.Scheduler
	queue   queue.Queue
	breaker *breaker.Breaker
	webhook *webhook.Service
	log     *zap.Logger
}

func New(db *gorm.DB, eng *engine.Engine, sched *scheduler.Scheduler, q queue.Queue, brk *breaker.Breaker, wh *webhook.Service, log *zap.Logger) *Server {
	return &Server{
		db:      db,
		engine:  eng,
		sched:   sched,
		queue:   q,
		breaker: brk,
		webhook: wh,
		log:     log.Named("server"),
	}
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router(appCfg config.Config) *gin.Engine {
	if appCfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{})))

	v1 := router.Group("/v1")
	{
		v1.GET("/groups/:id", s.GetGroup)
		v1.POST("/groups/:id/reactivate", s.ReactivateGroup)
		v1.POST("/groups/:id/schedule", s.ScheduleGroup)
		v1.GET("/queue/stats", s.QueueStats)
		v1.GET("/queue/dead", s.DeadJobs)
		v1.GET("/breaker", s.BreakerState)
		v1.POST("/breaker/force-close", s.ForceCloseBreaker)
	}

	router.POST("/webhooks/:provider", s.HandleWebhook)
	return router
}

// Run starts the HTTP listener under the fx lifecycle.
func Run(lc fx.Lifecycle, s *Server, appCfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:              ":8080",
		Handler:           s.Router(appCfg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("server.listen", zap.String("addr", srv.Addr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("server.listen", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// Module wires the HTTP surface.
var Module = fx.Module("server",
	fx.Provide(New),
	fx.Invoke(Run),
)
