// Package health exposes the bridge state through the standard gRPC health
// checking service.
package health

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"EnigmaNetz/Enigma-Capture-Bridge/internal/bridge"
	"EnigmaNetz/Enigma-Capture-Bridge/internal/logger"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Service is the service name reported alongside the overall ("") status.
const Service = "capture.Bridge"

// Server serves grpc.health.v1.Health for one bridge.
type Server struct {
	log    *logger.Logger
	grpc   *grpc.Server
	health *health.Server

	mu    sync.Mutex
	state bridge.State
}

// NewServer creates a health server that reports SERVING for an idle bridge.
func NewServer(log *logger.Logger) *Server {
	s := &Server{
		log:    log.Named("health"),
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetState(bridge.StateIdle)
	return s
}

// Track mirrors every state change of h.
func (s *Server) Track(h *bridge.Handler) {
	s.SetState(h.State())
	h.OnStateChange(s.SetState)
}

// statusFor maps a bridge state to a serving status. A bridge that is
// winding down no longer accepts work.
func statusFor(st bridge.State) healthpb.HealthCheckResponse_ServingStatus {
	switch st {
	case bridge.StateIdle, bridge.StateStreaming:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// SetState records the bridge state.
func (s *Server) SetState(st bridge.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()

	status := statusFor(st)
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(Service, status)
	s.log.Debug("bridge %s, health %s", st, status)
}

// State returns the last recorded bridge state.
func (s *Server) State() bridge.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Serve answers health checks on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("health service listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("health service: %w", err)
	}
	return nil
}

// ListenAndServe listens on the TCP address addr and serves.
func (s *Server) ListenAndServe(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server. Open
// Watch streams are cut.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.Stop()
}
