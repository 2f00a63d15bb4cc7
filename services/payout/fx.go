package payout

import "go.uber.org/fx"

var Module = fx.Module("payout.service",
	fx.Provide(NewAccountDirectory),
	fx.Provide(NewService),
)

var Routes = fx.Module("payout.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
