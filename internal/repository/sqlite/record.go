package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dtroode/academysync/internal/model"
)

var _ model.LocalStore = (*Store)(nil)

// Store implements the local record cache and pending-operation log.
type Store struct {
	db         *Connection
	maxPending int
	now        func() time.Time
	newID      func() string
}

// NewStore creates a Store; maxPending caps the operation log, zero means unlimited.
func NewStore(db *Connection, maxPending int) *Store {
	return &Store{
		db:         db,
		maxPending: maxPending,
		now:        time.Now,
		newID:      newOperationID,
	}
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const selectRecord = `
	SELECT collection, id, revision, deleted, payload, updated_at
	FROM records
	WHERE collection = ? AND id = ?`

func getRecord(ctx context.Context, q querier, key model.Key) (model.Record, error) {
	var (
		rec       model.Record
		deleted   int
		updatedAt int64
		payload   []byte
	)
	err := q.QueryRowContext(ctx, selectRecord, string(key.Collection), key.ID).Scan(
		&rec.Collection, &rec.ID, &rec.Revision, &deleted, &payload, &updatedAt,
	)
	if err != nil {
		return model.Record{}, translate(err)
	}
	rec.Deleted = deleted != 0
	rec.UpdatedAt = fromNanos(updatedAt)
	rec.Payload = payload
	return rec, nil
}

const upsertRecord = `
	INSERT INTO records (collection, id, revision, deleted, payload, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT (collection, id) DO UPDATE SET
		revision = excluded.revision,
		deleted = excluded.deleted,
		payload = excluded.payload,
		updated_at = excluded.updated_at`

func writeRecord(ctx context.Context, q querier, rec model.Record) error {
	_, err := q.ExecContext(ctx, upsertRecord,
		string(rec.Collection), rec.ID, rec.Revision, boolToInt(rec.Deleted), []byte(rec.Payload), toNanos(rec.UpdatedAt),
	)
	return translate(err)
}

// Put writes the record unless the stored copy carries a newer revision.
func (s *Store) Put(ctx context.Context, rec model.Record) (bool, error) {
	if !rec.Collection.Valid() || rec.ID == "" {
		return false, fmt.Errorf("%w: missing key", model.ErrInvalidRecord)
	}

	// Revision, not arrival order, picks the winner.
	const query = `
		INSERT INTO records (collection, id, revision, deleted, payload, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			revision = excluded.revision,
			deleted = excluded.deleted,
			payload = excluded.payload,
			updated_at = excluded.updated_at
		WHERE excluded.revision >= records.revision`

	res, err := s.db.ExecContext(ctx, query,
		string(rec.Collection), rec.ID, rec.Revision, boolToInt(rec.Deleted), []byte(rec.Payload), toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to put record %s: %w", rec.Key(), translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to put record %s: %w", rec.Key(), err)
	}
	return n > 0, nil
}

// Get returns the record after checking its payload against the collection schema.
// Soft-deleted records are returned with Deleted set.
func (s *Store) Get(ctx context.Context, key model.Key) (model.Record, error) {
	rec, err := getRecord(ctx, s.db, key)
	if err != nil {
		return model.Record{}, fmt.Errorf("failed to get record %s: %w", key, err)
	}
	if _, err := rec.Decode(); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

// Delete marks the record deleted without removing it.
func (s *Store) Delete(ctx context.Context, key model.Key) error {
	const query = `UPDATE records SET deleted = 1, updated_at = ? WHERE collection = ? AND id = ? AND deleted = 0`
	res, err := s.db.ExecContext(ctx, query, toNanos(s.now()), string(key.Collection), key.ID)
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	if n == 0 {
		return model.ErrNotFound
	}
	return nil
}

// List returns the live records of a collection. A record failing validation fails the whole listing.
func (s *Store) List(ctx context.Context, collection model.Collection) ([]model.Record, error) {
	const query = `
		SELECT collection, id, revision, deleted, payload, updated_at
		FROM records
		WHERE collection = ? AND deleted = 0
		ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, string(collection))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, translate(err))
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var (
			rec       model.Record
			deleted   int
			updatedAt int64
			payload   []byte
		)
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.Revision, &deleted, &payload, &updatedAt); err != nil {
			return nil, err
		}
		rec.Deleted = deleted != 0
		rec.UpdatedAt = fromNanos(updatedAt)
		rec.Payload = payload
		if _, err := rec.Decode(); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
