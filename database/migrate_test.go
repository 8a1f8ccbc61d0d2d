package database

import (
	"bytes"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dtroode/academysync/internal/logger"
)

func TestMigrateLocal_LogsThroughLogger(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "local.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	var buf bytes.Buffer
	log := &logger.Logger{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	require.NoError(t, MigrateLocal(db, log))
	assert.Contains(t, buf.String(), "component=migrations")
	assert.Contains(t, buf.String(), "00001_init.sql")

	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM pending_operations`).Scan(&n))
	assert.Zero(t, n)

	t.Run("nil logger stays silent", func(t *testing.T) {
		assert.NoError(t, MigrateLocal(db, nil))
	})
}
