package grpc_control

import (
	"fmt"
	"net"

	"market-sync/src/logger"
	"market-sync/src/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// -----------------------------------------------------------------------------
// ControlService is the ops endpoint: the standard gRPC health service with
// one entry per component (engine, feeds, journal) plus server reflection so
// grpcurl works without local protos.
// -----------------------------------------------------------------------------

type ControlService struct {
	Config *models.MConfig
	Logger *logger.Logger

	server *grpc.Server
	health *health.Server
	lis    net.Listener
}

// -----------------------------------------------------------------------------

func NewControlService(cfg *models.MConfig, log *logger.Logger) *ControlService {
	return &ControlService{
		Config: cfg,
		Logger: log,
	}
}

// -----------------------------------------------------------------------------

// Start serves on grpc_host:grpc_port. Port 0 disables the endpoint.
func (s *ControlService) Start() error {
	if s.Config.GrpcPort == 0 {
		s.Logger.Info("gRPC control endpoint disabled (grpc_port is 0)")
		return nil
	}

	addr := fmt.Sprintf("%s:%d", s.Config.GrpcHost, s.Config.GrpcPort)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	return s.StartWithListener(lis)
}

// -----------------------------------------------------------------------------

// StartWithListener serves on a prepared listener.
func (s *ControlService) StartWithListener(lis net.Listener) error {
	s.lis = lis
	s.server = grpc.NewServer()
	s.health = health.NewServer()

	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		if err := s.server.Serve(lis); err != nil {
			s.Logger.Error("gRPC server stopped: %v", err)
		}
	}()

	s.Logger.Info("gRPC control endpoint on %s", lis.Addr())
	return nil
}

// -----------------------------------------------------------------------------

// Addr reports the bound address, empty while not serving.
func (s *ControlService) Addr() string {
	if s.lis == nil {
		return ""
	}
	return s.lis.Addr().String()
}

// -----------------------------------------------------------------------------

// SetComponentStatus flips one component's health entry. Calls before Start
// or on a disabled endpoint are no-ops.
func (s *ControlService) SetComponentStatus(component string, healthy bool) {
	if s.health == nil {
		return
	}
	st := healthpb.HealthCheckResponse_SERVING
	if !healthy {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(component, st)
}

// -----------------------------------------------------------------------------

// Stop marks every entry NOT_SERVING, then drains in-flight RPCs.
func (s *ControlService) Stop() {
	if s.server == nil {
		return
	}
	s.health.Shutdown()
	s.server.GracefulStop()
	s.Logger.Info("gRPC control endpoint stopped")
}
