package ledger

import (
	"context"

	"github.com/gogo/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServiceName is the service name health checks may ask for besides "".
const HealthServiceName = "creator-earnings.ledger"

// healthServer exposes the ledger database on the gRPC health protocol.
type healthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	svc *Service
}

func newHealthServer(svc *Service) *healthServer {
	return &healthServer{svc: svc}
}

func (h *healthServer) servingStatus(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	sqlDB, err := h.svc.db.DB()
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// Check reports NOT_SERVING while the ledger database is unreachable.
func (h *healthServer) Check(ctx context.Context, req *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if req.GetService() != "" && req.GetService() != HealthServiceName {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
	return &grpc_health_v1.HealthCheckResponse{Status: h.servingStatus(ctx)}, nil
}

// Watch sends the current status once and holds the stream until the client
// goes away.
func (h *healthServer) Watch(req *grpc_health_v1.HealthCheckRequest, srv grpc_health_v1.Health_WatchServer) error {
	resp, err := h.Check(srv.Context(), req)
	if err != nil {
		return err
	}
	if err := srv.Send(resp); err != nil {
		return err
	}
	<-srv.Context().Done()
	return nil
}
