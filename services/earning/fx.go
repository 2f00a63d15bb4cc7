package earning

import "go.uber.org/fx"

var Module = fx.Module("earning.service",
	fx.Provide(NewPolicy),
	fx.Provide(NewService),
)

var Routes = fx.Module("earning.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
