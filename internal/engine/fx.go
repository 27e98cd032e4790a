package engine

import (
	"github.com/bwmarrin/snowflake"
	"github.com/tontinehq/tontine/internal/breaker"
	"github.com/tontinehq/tontine/internal/clock"
	gwdomain "github.com/tontinehq/tontine/internal/gateway/domain"
	ledgersvc "github.com/tontinehq/tontine/internal/ledger/service"
	"github.com/tontinehq/tontine/internal/notification"
	"github.com/tontinehq/tontine/internal/queue"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newEngine(
	db *gorm.DB,
	node *snowflake.Node,
	gateway gwdomain.Gateway,
	brk *breaker.Breaker,
	q queue.Queue,
	ledger ledgersvc.Service,
	outbox *notification.Outbox,
	clk clock.Clock,
	log *zap.Logger,
) *Engine {
	return New(db, node, gateway, brk, q, ledger, outbox, clk, Config{}, log)
}

// Module wires the cycle engine.
var Module = fx.Module("engine",
	fx.Provide(newEngine),
)
