package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"SpotSnapshot/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer wraps the gRPC server (health, reflection) and the HTTP API.
type GRPCServer struct {
	grpcServer   *grpc.Server
	healthServer *health.Server
	httpServer   *http.Server
	grpcAddr     string
	httpAddr     string
	handler      http.Handler
	logger       zerolog.Logger
}

// ServerDeps holds everything the HTTP API serves from.
type ServerDeps struct {
	Querier       Querier
	Snapshotter   Snapshotter // nil disables POST /snapshots
	HealthChecker *observability.HealthChecker
	Metrics       *observability.Metrics
	Logger        zerolog.Logger
}

// NewGRPCServer creates the gRPC server and builds the HTTP handler.
func NewGRPCServer(grpcAddr, httpAddr string, deps *ServerDeps) (*GRPCServer, error) {
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		return nil, err
	}

	grpcServer := grpc.NewServer()

	// Health check; NOT_SERVING until SetServing(true)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	return &GRPCServer{
		grpcServer:   grpcServer,
		healthServer: healthServer,
		grpcAddr:     grpcAddr,
		httpAddr:     httpAddr,
		handler:      handler,
		logger:       deps.Logger,
	}, nil
}

// SetServing flips the gRPC health status.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.healthServer.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP starts the HTTP API (blocking). After ctx is cancelled it
// returns only once in-flight requests have finished or the 5s shutdown
// timeout has forced their connections closed.
func (s *GRPCServer) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP shutdown timed out, closing connections")
			s.httpServer.Close()
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	<-shutdownDone
	return nil
}
