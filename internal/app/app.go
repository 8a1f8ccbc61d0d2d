// Package app wires the sync core components into one explicit context object.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	apihealth "github.com/dtroode/academysync/internal/api/grpc/health"
	httpapi "github.com/dtroode/academysync/internal/api/http"
	"github.com/dtroode/academysync/internal/api/grpc/router"
	grpcServer "github.com/dtroode/academysync/internal/api/grpc/server"
	"github.com/dtroode/academysync/internal/config"
	"github.com/dtroode/academysync/internal/connectivity"
	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/metrics"
	"github.com/dtroode/academysync/internal/model"
	"github.com/dtroode/academysync/internal/policy"
	"github.com/dtroode/academysync/internal/repository/memory"
	"github.com/dtroode/academysync/internal/repository/postgres"
	"github.com/dtroode/academysync/internal/repository/redis"
	"github.com/dtroode/academysync/internal/repository/sqlite"
	"github.com/dtroode/academysync/internal/server"
	"github.com/dtroode/academysync/internal/service"
	storage "github.com/dtroode/academysync/internal/storage/minio"
	"github.com/dtroode/academysync/internal/token"
)

// App holds every long-lived component of the process.
type App struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *metrics.Metrics

	Local         *sqlite.Connection
	Store         *sqlite.Store
	Remote        model.Remote
	Connectivity  *connectivity.Monitor
	Notifications *service.Gateway
	Resolver      *service.Resolver
	Engine        *service.Engine
	Academy       *service.Academy
	Tokens        *token.JWT
	Health        *apihealth.Status

	servers       []model.Server
	// metricsServer is served without TLS.
	metricsServer model.Server
	closers       []func() error
}

// New builds the App from cfg. On error everything opened so far is closed.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.New(nil),
		Health:  apihealth.NewStatus(),
	}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()
	a.Metrics.RegisterRuntime()

	a.Local, err = sqlite.NewConnection(ctx, cfg.Local.Path, sqlite.Options{
		MaxPages: cfg.Local.MaxPages,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	a.closers = append(a.closers, a.Local.Close)
	a.Store = sqlite.NewStore(a.Local, cfg.Local.MaxPending)

	a.Remote, err = a.openRemote(ctx)
	if err != nil {
		return nil, err
	}

	var (
		grants service.GrantCache = memory.NewGrantsCache(cfg.RBAC.CacheTTL, cfg.RBAC.CacheMaxSize)
		pusher model.Pusher
	)
	if cfg.Redis.Addr != "" {
		client, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		grants = redis.NewGrantsCache(client, cfg.Redis.Prefix, cfg.RBAC.CacheTTL)
		pusher = redis.NewPusher(client, cfg.Redis.Channel)
	}

	a.Notifications = service.NewGateway(service.GatewayOptions{
		ToastTimeout:     cfg.Notify.ToastTimeout,
		SubscriberBuffer: cfg.Notify.SubscriberBuffer,
		PushTimeout:      cfg.Notify.PushTimeout,
	}, pusher, a.Metrics, log.Component("notifications"))

	seed, err := policy.LoadSeedFile(cfg.RBAC.SeedFile)
	if err != nil {
		return nil, err
	}
	a.Resolver = service.NewResolver(service.NewStorePolicySource(a.Store, seed), grants, a.Metrics, log.Component("rbac"))

	checker, err := a.livenessCheck()
	if err != nil {
		return nil, err
	}
	a.Connectivity = connectivity.NewMonitor(checker, connectivity.Options{
		Debounce:      cfg.Connectivity.Debounce,
		Interval:      cfg.Connectivity.Interval,
		Timeout:       cfg.Connectivity.Timeout,
		InitialOnline: cfg.Connectivity.InitialOnline,
	}, log.Component("connectivity"))
	a.Connectivity.OnChange(func(online bool) {
		a.connectivityChanged(online)
		message := "Connection lost; changes are kept on this device."
		if online {
			message = "Back online; synchronizing changes."
		}
		a.Notifications.Notify(context.Background(), model.Event{Kind: model.EventConnectivity, Message: message})
	})
	a.connectivityChanged(cfg.Connectivity.InitialOnline)

	a.Engine = service.NewEngine(a.Store, a.Remote, a.Connectivity, a.Notifications, service.SyncOptions{
		DispatchTimeout: cfg.Sync.DispatchTimeout,
		MaxRetries:      cfg.Sync.MaxRetries,
		InitialBackoff:  cfg.Sync.InitialBackoff,
		MaxBackoff:      cfg.Sync.MaxBackoff,
		Multiplier:      cfg.Sync.Multiplier,
		Jitter:          cfg.Sync.Jitter,
		Interval:        cfg.Sync.Interval,
	}, a.Metrics, log.Component("sync"))
	a.Engine.OnPolicyChange(a.Resolver.Invalidate)

	a.Tokens = token.NewJWT(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.TTL)
	a.Academy = service.NewAcademy(a.Store, a.Resolver, a.Tokens, a.Engine, a.Notifications,
		service.AcademyOptions{AbsenceAlertThreshold: cfg.Academy.AbsenceAlertThreshold}, log.Component("academy"))

	grpcSrv := router.New(a.Health.Server(), log.Component("grpc")).Register()
	a.servers = append(a.servers, grpcServer.NewGRPCServer(grpcSrv, fmt.Sprintf(":%s", cfg.GRPC.Port)))
	if cfg.HTTP.Port != "" {
		api := httpapi.New(a.Academy, a.Notifications, log.Component("http")).Register()
		a.servers = append(a.servers, server.NewHTTPServer(fmt.Sprintf(":%s", cfg.HTTP.Port), "/", api))
	}
	if cfg.Metrics.Port != "" {
		a.metricsServer = server.NewHTTPServer(fmt.Sprintf(":%s", cfg.Metrics.Port), "/metrics", a.Metrics.Handler())
		a.servers = append(a.servers, a.metricsServer)
	}

	return a, nil
}

// openRemote builds the document store client without contacting the server.
// The schema or bucket is set up on first use.
func (a *App) openRemote(ctx context.Context) (model.Remote, error) {
	cfg := a.Config
	switch cfg.Remote.Backend {
	case "minio":
		client, err := minio.New(cfg.Storage.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.Storage.AccessKey, cfg.Storage.SecretKey, ""),
			Secure: cfg.Storage.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
		return storage.NewDocumentStore(storage.NewClient(client, cfg.Storage.Bucket), cfg.Remote.Overlap), nil
	default:
		db, err := postgres.NewConnection(ctx, cfg.Database.DSN, cfg.Database.MaxConns, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize remote database: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		return postgres.NewDocumentRepository(db, cfg.Remote.Overlap), nil
	}
}

// livenessCheck checks the remote store and, when configured, a gRPC health
// endpoint in front of it.
func (a *App) livenessCheck() (connectivity.Prober, error) {
	cfg := a.Config.Connectivity
	if cfg.HealthAddr == "" {
		return a.Remote, nil
	}

	conn, err := grpc.NewClient(cfg.HealthAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create health client: %w", err)
	}
	a.closers = append(a.closers, conn.Close)
	return connectivity.All(a.Remote, connectivity.NewHealthProber(conn, cfg.HealthService)), nil
}

func (a *App) connectivityChanged(online bool) {
	if online {
		a.Metrics.Online.Set(1)
	} else {
		a.Metrics.Online.Set(0)
	}
	a.Health.SetConnectivity(online)
}

// Run starts the monitor, the engine and the servers, and blocks until ctx is
// done. It then stops the servers within shutdownTimeout.
func (a *App) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := a.Engine.Init(ctx); err != nil {
		return fmt.Errorf("failed to load sync state: %w", err)
	}
	a.Health.SetSync(a.Engine.State())

	progress := make(chan service.Progress, 64)
	a.Engine.SetProgress(progress)

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.Connectivity.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.Engine.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		a.watchProgress(ctx, progress)
	}()

	sl := server.NewSecurityLayer(a.Config.GRPC.EnableHTTPS, a.Config.GRPC.CertFileName, a.Config.GRPC.PrivateKeyFileName)
	plain := server.NewPlainListener()
	for _, s := range a.servers {
		layer := sl
		if s == a.metricsServer {
			layer = plain
		}
		wg.Add(1)
		go func(s model.Server, layer model.SecurityLayer) {
			defer wg.Done()
			a.Logger.Info("Starting server on", "address", s.Address())
			if err := s.Start(layer); err != nil {
				a.Logger.Error("failed to start server", "error", err, "address", s.Address())
			}
		}(s, layer)
	}

	<-ctx.Done()
	a.Logger.Info("received interruption signal, shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	a.Health.Shutdown()
	for _, s := range a.servers {
		if err := s.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop %s: %w", s.Address(), err))
		}
	}
	wg.Wait()
	return errors.Join(errs...)
}

// watchProgress keeps the health status in step with finished cycles.
func (a *App) watchProgress(ctx context.Context, progress <-chan service.Progress) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-progress:
			switch p.Outcome {
			case service.OutcomeFailed, service.OutcomeConflict:
				a.Logger.Debug("sync progress", "phase", p.Phase, "key", p.Key.String(), "outcome", p.Outcome, "error", p.Err)
			}
			if p.Phase == service.PhaseDone {
				a.Health.SetSync(a.Engine.State())
			}
		}
	}
}

// Close releases the stores and connections in reverse opening order.
func (a *App) Close() {
	if a.Notifications != nil {
		a.Notifications.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Error("failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
