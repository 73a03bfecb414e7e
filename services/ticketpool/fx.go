package ticketpool

import (
	"go.uber.org/fx"
)

var Module = fx.Module("ticketpool.service",
	fx.Provide(NewService),
)
