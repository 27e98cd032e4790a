package ledger

import (
	"github.com/tontinehq/tontine/internal/ledger/service"
	"go.uber.org/fx"
)

// Module wires the ledger service.
var Module = fx.Module("ledger",
	fx.Provide(service.New),
)
