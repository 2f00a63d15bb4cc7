package ledger

import (
	"go.uber.org/fx"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
)

// Health exposes the ledger database check on the gRPC health service.
var Health = fx.Module("ledger.health",
	fx.Invoke(registerHealthServer),
)

var Routes = fx.Module("ledger.http",
	fx.Provide(NewHandler),
	fx.Invoke(RegisterRoutes),
)

func registerHealthServer(server *grpc.Server, service *Service) {
	grpc_health_v1.RegisterHealthServer(server, newHealthServer(service))
}
