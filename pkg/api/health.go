package api

import (
	"context"
	"time"

	"github.com/cuemby/hive/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func registerHealth(g *grpc.Server, h *health.Server) {
	healthpb.RegisterHealthServer(g, h)
}

// UpdateHealth sets the gRPC serving status of the API from the readiness
// of the driver components.
func (s *Server) UpdateHealth() healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if metrics.GetReadiness().Status != metrics.StatusReady {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
	return st
}

// WatchHealth refreshes the serving status every interval until ctx is
// done.
func (s *Server) WatchHealth(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.UpdateHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.UpdateHealth()
		}
	}
}
