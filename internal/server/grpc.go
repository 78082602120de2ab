package server

import (
	"CDPLedger/internal/observability"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// LedgerService is the service name reported by the gRPC health server.
const LedgerService = "cdpledger.Ledger"

// GRPCServer exposes the standard gRPC health service, driven by the
// HealthChecker, for orchestrators that probe over gRPC.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	checker      *observability.HealthChecker
	addr         string
	pollEvery    time.Duration
	logger       zerolog.Logger
}

func NewGRPCServer(addr string, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	s := &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		checker:      checker,
		addr:         addr,
		pollEvery:    time.Second,
		logger:       logger,
	}
	s.syncHealth()
	return s
}

// Serve serves on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(s.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.healthServer.Shutdown()
				s.logger.Info().Msg("gRPC server shutting down")
				s.grpcServer.GracefulStop()
				return
			case <-ticker.C:
				s.syncHealth()
			}
		}
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}

// Start listens on the configured address and serves (blocking).
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// syncHealth mirrors readiness into the overall and ledger service status.
func (s *GRPCServer) syncHealth() {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.checker == nil || s.checker.IsReady() {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus(LedgerService, status)
}
