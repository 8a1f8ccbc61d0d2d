package router

import (
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/dtroode/academysync/internal/api/grpc/middleware"
	"github.com/dtroode/academysync/internal/logger"
)

// Router builds the gRPC status server.
type Router struct {
	health *health.Server
	logger *logger.Logger
}

// New creates new gRPC Router instance serving the given health server.
func New(health *health.Server, logger *logger.Logger) *Router {
	return &Router{
		health: health,
		logger: logger,
	}
}

// Register creates the gRPC server with logging and panic recovery interceptors, and registers the health and reflection services.
func (r *Router) Register(opts ...grpc.ServerOption) *grpc.Server {
	logging := middleware.NewLogging(r.logger)
	recoverOpt := middleware.NewRecovery(r.logger).Option()

	opts = append(opts,
		grpc.ChainUnaryInterceptor(
			logging.HandleGRPC,
			recovery.UnaryServerInterceptor(recoverOpt),
		),
		grpc.ChainStreamInterceptor(
			logging.HandleStream,
			recovery.StreamServerInterceptor(recoverOpt),
		),
	)
	s := grpc.NewServer(opts...)

	healthpb.RegisterHealthServer(s, r.health)
	reflection.Register(s)

	return s
}
