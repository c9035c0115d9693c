package health

import (
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vietddude/pipewarden/internal/core/domain"
)

// GRPCServer mirrors readiness into the standard gRPC health service.
// The empty service name carries overall readiness; each probed service is
// published under its own name.
type GRPCServer struct {
	addr   string
	health *grpchealth.Server
	server *grpc.Server
}

// NewGRPCServer creates a gRPC health server listening on addr.
func NewGRPCServer(addr string) *GRPCServer {
	hs := grpchealth.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	// not ready until the first sweep
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &GRPCServer{addr: addr, health: hs, server: srv}
}

// Publish updates serving statuses from a report.
func (s *GRPCServer) Publish(report Report) {
	overall := healthpb.HealthCheckResponse_SERVING
	if !report.Ready {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", overall)

	for _, r := range report.Services {
		status := healthpb.HealthCheckResponse_SERVING
		if r.Status == domain.HealthFailed {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		s.health.SetServingStatus(r.Service, status)
	}
}

// Health exposes the underlying health server.
func (s *GRPCServer) Health() healthpb.HealthServer {
	return s.health
}

// Start listens and serves until Stop is called.
func (s *GRPCServer) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	slog.Info("gRPC health server listening", "addr", s.addr)
	return s.server.Serve(lis)
}

// Stop drains connections and stops the server.
func (s *GRPCServer) Stop() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
