package download

import "go.uber.org/fx"

var Module = fx.Module("download.service",
	fx.Provide(NewProductCatalog),
	fx.Provide(NewService),
)

var Routes = fx.Module("download.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)
