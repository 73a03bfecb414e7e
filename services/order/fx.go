package order

import (
	"kolo-engine/services/exchange"

	"go.uber.org/fx"
)

var Module = fx.Module("order.service",
	fx.Provide(
		func(s *exchange.Service) RateSource { return s },
		NewService,
	),
)
