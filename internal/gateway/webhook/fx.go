package webhook

import "go.uber.org/fx"

// Module wires the webhook processor.
var Module = fx.Module("webhook",
	fx.Provide(New),
)
