// Package api provides the gRPC server of the quantbar daemon. It exposes the
// standard health service with one status per scheduled job.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Server hosts the gRPC health service.
type Server struct {
	addr   string
	grpc   *grpc.Server
	health *health.Server
	log    *slog.Logger

	mu sync.Mutex
	ln net.Listener
}

// NewServer creates a Server that will listen on addr. The overall status
// ("") starts as SERVING.
func NewServer(addr string) *Server {
	gs := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	return &Server{
		addr:   addr,
		grpc:   gs,
		health: hs,
		log:    slog.Default().With("component", "api"),
	}
}

// SetServing records the status of service.
func (s *Server) SetServing(service string, ok bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(service, status)
}

// Listen binds the listener and returns its address. ListenAndServe calls it
// when it has not been called yet.
func (s *Server) Listen() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return s.ln.Addr().String(), nil
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return "", fmt.Errorf("listening on %s: %w", s.addr, err)
	}
	s.ln = ln
	return ln.Addr().String(), nil
}

// ListenAndServe serves until ctx is cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Shutdown()
	}()

	s.log.Info("grpc listening", "addr", addr)
	if err := s.grpc.Serve(ln); err != nil {
		return fmt.Errorf("serving grpc: %w", err)
	}
	return nil
}

// Shutdown marks every service NOT_SERVING and waits for in-flight calls.
func (s *Server) Shutdown() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
