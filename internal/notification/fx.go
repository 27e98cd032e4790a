package notification

import (
	"github.com/tontinehq/tontine/internal/config"
	"go.uber.org/fx"
)

func newProvider(appCfg config.Config) Provider {
	if appCfg.SMTP.Host == "" {
		return NoOpProvider{}
	}
	return NewSMTP(appCfg.SMTP)
}

// Module wires the outbox writer, provider, and dispatcher.
var Module = fx.Module("notification",
	fx.Provide(
		NewOutbox,
		newProvider,
		NewDispatcher,
	),
)
