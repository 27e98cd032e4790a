package breaker

import (
	"github.com/tontinehq/tontine/internal/clock"
	"github.com/tontinehq/tontine/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newBreaker(clk clock.Clock, log *zap.Logger) *Breaker {
	b := New(Config{}, clk, log)
	b.OnStateChange(func(from, to State) {
		metrics.SetBreakerState(int(to))
		metrics.BreakerTransition(to.String())
	})
	return b
}

// Module provides the gateway circuit breaker.
var Module = fx.Module("breaker",
	fx.Provide(newBreaker),
)
