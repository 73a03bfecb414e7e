package exchange

import (
	"go.uber.org/fx"
)

var Module = fx.Module("exchange.service",
	fx.Provide(NewService),
)
