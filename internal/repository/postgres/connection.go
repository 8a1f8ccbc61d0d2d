package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dtroode/academysync/database"
	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/model"
)

type Connection struct {
	*pgxpool.Pool

	dsn    string
	logger *logger.Logger

	mu       sync.Mutex
	migrated bool
}

// NewConnection builds a pool against dsn without dialing. The document
// schema is applied by EnsureSchema once the server is reachable.
// maxConns of zero keeps the pgxpool default.
func NewConnection(ctx context.Context, dsn string, maxConns int32, logger *logger.Logger) (*Connection, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		conf.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to open connection pool: %w", err)
	}

	return &Connection{
		Pool:   pool,
		dsn:    dsn,
		logger: logger,
	}, nil
}

// EnsureSchema migrates the document schema once. An unreachable server is
// reported as ErrNetworkUnavailable.
func (s *Connection) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.migrated {
		return nil
	}

	if err := database.Migrate(ctx, s.dsn, s.logger); err != nil {
		err = classify(err)
		if !errors.Is(err, model.ErrNetworkUnavailable) && !errors.Is(err, model.ErrPermissionDenied) &&
			!errors.Is(err, context.Canceled) {
			err = fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
		}
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	s.migrated = true
	return nil
}

func (s *Connection) Close() error {
	if s.Pool != nil {
		s.Pool.Close()
	}
	return nil
}

func (s *Connection) Ping(ctx context.Context) error {
	if s.Pool == nil {
		return fmt.Errorf("connection pool is nil")
	}
	return s.Pool.Ping(ctx)
}
