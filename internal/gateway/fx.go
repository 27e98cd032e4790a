package gateway

import (
	"github.com/tontinehq/tontine/internal/config"
	"github.com/tontinehq/tontine/internal/gateway/adapters"
	_ "github.com/tontinehq/tontine/internal/gateway/adapters/sandbox"
	"github.com/tontinehq/tontine/internal/gateway/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func newGateway(appCfg config.Config, log *zap.Logger) (domain.Gateway, error) {
	return adapters.Build(appCfg.GatewayProvider, log)
}

// Module builds the configured payment provider adapter.
var Module = fx.Module("gateway",
	fx.Provide(newGateway),
)
