package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/academysync/internal/model"
)

func newOperationID() string {
	return uuid.NewString()
}

const pendingColumns = `seq, id, kind, collection, record_id, payload, revision, enqueued_at,
	retry_count, next_attempt_at, last_error, failed`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (model.PendingOperation, error) {
	var (
		op            model.PendingOperation
		payload       []byte
		enqueuedAt    int64
		nextAttemptAt int64
		failed        int
	)
	err := row.Scan(
		&op.Seq, &op.ID, &op.Kind, &op.Key.Collection, &op.Key.ID, &payload, &op.Revision, &enqueuedAt,
		&op.RetryCount, &nextAttemptAt, &op.LastError, &failed,
	)
	if err != nil {
		return model.PendingOperation{}, translate(err)
	}
	op.Payload = payload
	op.EnqueuedAt = fromNanos(enqueuedAt)
	op.NextAttemptAt = fromNanos(nextAttemptAt)
	op.Failed = failed != 0
	return op, nil
}

func (s *Store) checkQuota(ctx context.Context, q querier) error {
	if s.maxPending <= 0 {
		return nil
	}
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_operations`).Scan(&n); err != nil {
		return translate(err)
	}
	if n >= s.maxPending {
		return fmt.Errorf("%w: %d pending operations", model.ErrStorageQuotaExceeded, n)
	}
	return nil
}

func (s *Store) insertOperation(ctx context.Context, q querier, op model.PendingOperation) (model.PendingOperation, error) {
	if op.ID == "" {
		op.ID = s.newID()
	}
	if op.EnqueuedAt.IsZero() {
		op.EnqueuedAt = s.now()
	}

	const query = `
		INSERT INTO pending_operations (id, kind, collection, record_id, payload, revision, enqueued_at,
			retry_count, next_attempt_at, last_error, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`

	err := q.QueryRowContext(ctx, query,
		op.ID, string(op.Kind), string(op.Key.Collection), op.Key.ID, []byte(op.Payload), op.Revision, toNanos(op.EnqueuedAt),
		op.RetryCount, toNanos(op.NextAttemptAt), op.LastError, boolToInt(op.Failed),
	).Scan(&op.Seq)
	if err != nil {
		return model.PendingOperation{}, translate(err)
	}
	return op, nil
}

// Enqueue appends an operation to the pending log.
func (s *Store) Enqueue(ctx context.Context, op model.PendingOperation) (model.PendingOperation, error) {
	var saved model.PendingOperation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkQuota(ctx, tx); err != nil {
			return err
		}
		var err error
		saved, err = s.insertOperation(ctx, tx, op)
		return err
	})
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("failed to enqueue operation on %s: %w", op.Key, err)
	}
	return saved, nil
}

// Mutate writes the optimistic local value and its operation in one transaction.
// The local revision is bumped past the stored one so the record is never older
// than the operation that produced it. A create on a live record fails with
// ErrAlreadyExists; a create on a deleted one revives it.
func (s *Store) Mutate(ctx context.Context, rec model.Record, kind model.OperationKind) (model.PendingOperation, error) {
	if !rec.Collection.Valid() || rec.ID == "" {
		return model.PendingOperation{}, fmt.Errorf("%w: missing key", model.ErrInvalidRecord)
	}

	var op model.PendingOperation
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.checkQuota(ctx, tx); err != nil {
			return err
		}

		stored, err := getRecord(ctx, tx, rec.Key())
		switch {
		case err == nil:
			if kind == model.OperationCreate && !stored.Deleted {
				return fmt.Errorf("%w: %s", model.ErrAlreadyExists, rec.Key())
			}
			rec.Revision = stored.Revision + 1
			if kind == model.OperationDelete && len(rec.Payload) == 0 {
				rec.Payload = stored.Payload
			}
		case errors.Is(err, model.ErrNotFound):
			if kind != model.OperationCreate {
				return fmt.Errorf("%w: %s", model.ErrNotFound, rec.Key())
			}
			rec.Revision = 1
		default:
			return err
		}

		rec.Deleted = kind == model.OperationDelete
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = s.now()
		}
		if err := writeRecord(ctx, tx, rec); err != nil {
			return err
		}

		op, err = s.insertOperation(ctx, tx, model.PendingOperation{
			Kind:     kind,
			Key:      rec.Key(),
			Payload:  rec.Payload,
			Revision: rec.Revision,
		})
		return err
	})
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("failed to apply local %s on %s: %w", kind, rec.Key(), err)
	}
	return op, nil
}

// Dequeue removes an operation from the log.
func (s *Store) Dequeue(ctx context.Context, opID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, opID)
	if err != nil {
		return fmt.Errorf("failed to dequeue operation %s: %w", opID, translate(err))
	}
	return requireAffected(res, opID)
}

// ListPending returns every queued operation in enqueue order.
func (s *Store) ListPending(ctx context.Context) ([]model.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+pendingColumns+` FROM pending_operations ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", translate(err))
	}
	defer rows.Close()

	var ops []model.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ops, nil
}

func (s *Store) GetOperation(ctx context.Context, opID string) (model.PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_operations WHERE id = ?`, opID)
	op, err := scanOperation(row)
	if err != nil {
		return model.PendingOperation{}, fmt.Errorf("failed to get operation %s: %w", opID, err)
	}
	return op, nil
}

func (s *Store) HasPending(ctx context.Context, key model.Key) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE collection = ? AND record_id = ?`,
		string(key.Collection), key.ID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to count operations on %s: %w", key, translate(err))
	}
	return n > 0, nil
}

func (s *Store) DropQueued(ctx context.Context, key model.Key) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_operations WHERE collection = ? AND record_id = ? AND failed = 0`,
		string(key.Collection), key.ID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to drop queued operations on %s: %w", key, translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// CountPending returns the number of queued operations and how many of them failed.
func (s *Store) CountPending(ctx context.Context) (int, int, error) {
	var pending, failed int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(failed), 0) FROM pending_operations`,
	).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count pending operations: %w", translate(err))
	}
	return pending, failed, nil
}

// Acknowledge drops a confirmed operation. Once no other operation on the key is
// queued, the record takes the remote revision, never moving backwards.
func (s *Store) Acknowledge(ctx context.Context, opID string, ack model.Ack) error {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		op, err := scanOperation(tx.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_operations WHERE id = ?`, opID))
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE id = ?`, opID); err != nil {
			return translate(err)
		}

		var remaining int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM pending_operations WHERE collection = ? AND record_id = ?`,
			string(op.Key.Collection), op.Key.ID,
		).Scan(&remaining)
		if err != nil {
			return translate(err)
		}
		if remaining > 0 {
			return nil
		}

		const query = `
			UPDATE records
			SET revision = MAX(revision, ?), updated_at = ?
			WHERE collection = ? AND id = ?`
		_, err = tx.ExecContext(ctx, query, ack.Revision, toNanos(ack.UpdatedAt), string(op.Key.Collection), op.Key.ID)
		return translate(err)
	})
	if err != nil {
		return fmt.Errorf("failed to acknowledge operation %s: %w", opID, err)
	}
	return nil
}

func (s *Store) MarkRetry(ctx context.Context, opID string, retryCount int, nextAttemptAt time.Time, lastErr string) error {
	const query = `UPDATE pending_operations SET retry_count = ?, next_attempt_at = ?, last_error = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, retryCount, toNanos(nextAttemptAt), lastErr, opID)
	if err != nil {
		return fmt.Errorf("failed to schedule retry of %s: %w", opID, translate(err))
	}
	return requireAffected(res, opID)
}

func (s *Store) MarkFailed(ctx context.Context, opID string, lastErr string) error {
	const query = `UPDATE pending_operations SET failed = 1, last_error = ? WHERE id = ?`
	res, err := s.db.ExecContext(ctx, query, lastErr, opID)
	if err != nil {
		return fmt.Errorf("failed to mark %s failed: %w", opID, translate(err))
	}
	return requireAffected(res, opID)
}

func (s *Store) ResetFailed(ctx context.Context, opID string) (int, error) {
	query := `UPDATE pending_operations SET failed = 0, retry_count = 0, next_attempt_at = 0, last_error = '' WHERE failed = 1`
	args := []any{}
	if opID != "" {
		query += ` AND id = ?`
		args = append(args, opID)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed operations: %w", translate(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if opID != "" && n == 0 {
		return 0, model.ErrNotFound
	}
	return int(n), nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return translate(tx.Commit())
}

func requireAffected(res sql.Result, opID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("operation %s: %w", opID, model.ErrNotFound)
	}
	return nil
}
