package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"lostfound.org/authcore/internal/auth"
	"lostfound.org/authcore/internal/obs"
)

// Health service names reported by HealthServer.
const (
	HealthOverall   = ""
	HealthStore     = "store"
	HealthDirectory = "directory"
)

type directoryProber interface {
	DirectoryHealth(ctx context.Context) auth.DirectoryHealth
}

// HealthServer implements grpc.health.v1.Health over the store and directory probes.
type HealthServer struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	directory directoryProber
	timeout   time.Duration
}

// NewHealthServer creates the gRPC health service. directory may be nil.
func NewHealthServer(r readinessChecker, directory directoryProber) *HealthServer {
	if r == nil {
		r = ReadyProbe{}
	}
	return &HealthServer{readiness: r, directory: directory, timeout: 5 * time.Second}
}

// Register attaches the service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h)
}

// Check reports SERVING or NOT_SERVING. The overall status follows the store
// only; a directory outage is reported under its own name.
func (h *HealthServer) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	switch req.GetService() {
	case HealthOverall, HealthStore:
		if err := h.readiness.Check(ctx); err != nil {
			obs.SetReady(false)
			return servingStatus(false), nil
		}
		obs.SetReady(true)
		return servingStatus(true), nil
	case HealthDirectory:
		if h.directory == nil {
			return servingStatus(true), nil
		}
		health := h.directory.DirectoryHealth(ctx)
		return servingStatus(health.Status != auth.DirectoryStatusUnavailable), nil
	default:
		return nil, status.Errorf(codes.NotFound, "unknown service %q", req.GetService())
	}
}

func servingStatus(ok bool) *healthpb.HealthCheckResponse {
	if ok {
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}
	}
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}
}
