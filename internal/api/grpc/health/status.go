// Package health publishes the sync core component states through the
// standard gRPC health service.
package health

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/academysync/internal/model"
)

// Service names reported by the health server. The empty name is the overall status.
const (
	ServiceSync         = "academysync.sync"
	ServiceConnectivity = "academysync.connectivity"
)

// Status maps component state onto serving statuses.
type Status struct {
	server *health.Server
}

// NewStatus creates a Status with every component starting as NOT_SERVING.
func NewStatus() *Status {
	s := &Status{server: health.NewServer()}
	s.server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.server.SetServingStatus(ServiceSync, healthpb.HealthCheckResponse_NOT_SERVING)
	s.server.SetServingStatus(ServiceConnectivity, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Server returns the health server to register.
func (s *Status) Server() *health.Server {
	return s.server
}

func (s *Status) SetConnectivity(online bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.server.SetServingStatus(ServiceConnectivity, st)
}

// SetSync reports the engine as not serving while operations need manual resolution.
func (s *Status) SetSync(state model.SyncState) {
	st := healthpb.HealthCheckResponse_SERVING
	if state.Status == model.SyncStatusError {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.server.SetServingStatus(ServiceSync, st)
}

// Shutdown marks every service NOT_SERVING and ends watches.
func (s *Status) Shutdown() {
	s.server.Shutdown()
}
