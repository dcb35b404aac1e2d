// Package grpc serves the orchestrator's gRPC health endpoint behind ingress rate limiting.
package grpc

import (
	"net"

	"ordersaga/internal/observability"

	"github.com/rs/zerolog"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for the orchestrator.
const ServiceName = "ordersaga.Orchestrator"

// ServerConfig configures a Server. A nil Limiter disables rate limiting.
type ServerConfig struct {
	Limiter    Limiter
	Metrics    *observability.Metrics
	Logger     zerolog.Logger
	Reflection bool
}

// Server wraps a grpc.Server carrying the standard health service.
type Server struct {
	server *grpcpkg.Server
	health *health.Server
	logger zerolog.Logger
}

// NewServer builds the server and reports NOT_SERVING until SetServing is called.
func NewServer(cfg ServerConfig) *Server {
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(cfg.Limiter, cfg.Metrics, cfg.Logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(cfg.Limiter, cfg.Metrics, cfg.Logger)),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	if cfg.Reflection {
		reflection.Register(server)
		cfg.Logger.Info().Msg("gRPC reflection enabled")
	}
	s := &Server{server: server, health: healthServer, logger: cfg.Logger}
	s.SetServing(false)
	return s
}

// SetServing flips the overall and orchestrator health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks serving lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.server.Serve(lis)
}

// GracefulStop marks the service NOT_SERVING and drains in-flight calls.
func (s *Server) GracefulStop() {
	s.SetServing(false)
	s.server.GracefulStop()
}

// Stop closes every connection immediately.
func (s *Server) Stop() {
	s.server.Stop()
}
