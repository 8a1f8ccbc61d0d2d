package connectivity

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Ping(ctx context.Context) error { return f(ctx) }

// HealthProber checks a gRPC health endpoint.
type HealthProber struct {
	client  healthpb.HealthClient
	service string
}

func NewHealthProber(conn grpc.ClientConnInterface, service string) *HealthProber {
	return &HealthProber{
		client:  healthpb.NewHealthClient(conn),
		service: service,
	}
}

func (p *HealthProber) Ping(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("service %q is %s", p.service, resp.GetStatus())
	}
	return nil
}

// All succeeds only when every prober does.
func All(probers ...Prober) Prober {
	return ProberFunc(func(ctx context.Context) error {
		var errs []error
		for _, p := range probers {
			if err := p.Ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
