package health

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dtroode/academysync/internal/model"
)

func check(t *testing.T, s *Status, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Server().Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestStatus(t *testing.T) {
	s := NewStatus()
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ServiceSync))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ServiceConnectivity))

	s.SetConnectivity(true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ServiceConnectivity))

	s.SetSync(model.SyncState{Status: model.SyncStatusIdle})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, s, ServiceSync))

	s.SetSync(model.SyncState{Status: model.SyncStatusError, Failed: 1})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ServiceSync))

	s.SetConnectivity(false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ServiceConnectivity))

	s.Shutdown()
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, s, ""))
}
