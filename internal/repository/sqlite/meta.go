package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"
)

const metaLastSyncAt = "last_sync_at"

// LastSyncAt returns the server time of the last successful pull, zero if none.
func (s *Store) LastSyncAt(ctx context.Context) (time.Time, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE name = ?`, metaLastSyncAt).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to read last sync time: %w", translate(err))
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed last sync time %q: %w", value, err)
	}
	return fromNanos(n), nil
}

func (s *Store) SetLastSyncAt(ctx context.Context, at time.Time) error {
	const query = `
		INSERT INTO sync_meta (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, query, metaLastSyncAt, strconv.FormatInt(toNanos(at), 10)); err != nil {
		return fmt.Errorf("failed to store last sync time: %w", translate(err))
	}
	return nil
}
