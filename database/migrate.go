// Package database holds the embedded schema migrations for the local and remote stores.
package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dtroode/academysync/internal/logger"
)

//go:embed postgres/*.sql
var postgresMigrations embed.FS

//go:embed sqlite/*.sql
var sqliteMigrations embed.FS

// goose keeps dialect, base FS and logger in package state.
var gooseMu sync.Mutex

// gooseLogger routes goose output through the application logger.
type gooseLogger struct {
	log *logger.Logger
}

func (g gooseLogger) Printf(format string, v ...interface{}) {
	if g.log != nil {
		g.log.Info(strings.TrimSpace(fmt.Sprintf(format, v...)), "component", "migrations")
	}
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if g.log != nil {
		g.log.Fatal(msg, "component", "migrations")
	}
	panic(msg)
}

// Migrate applies the remote document store schema to the Postgres database at dsn.
func Migrate(ctx context.Context, dsn string, log *logger.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	return up(db, postgresMigrations, "postgres", "postgres", log)
}

// MigrateLocal applies the local store schema to an open SQLite database.
func MigrateLocal(db *sql.DB, log *logger.Logger) error {
	return up(db, sqliteMigrations, "sqlite3", "sqlite", log)
}

func up(db *sql.DB, fsys embed.FS, dialect, dir string, log *logger.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(fsys)
	defer goose.SetBaseFS(nil)
	goose.SetLogger(gooseLogger{log: log})
	defer goose.SetLogger(gooseLogger{})

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("failed to set %s dialect: %w", dialect, err)
	}
	if err := goose.Up(db, dir); err != nil {
		return fmt.Errorf("failed to apply %s migrations: %w", dir, err)
	}
	return nil
}
