package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dtroode/academysync/internal/model"
)

var _ model.Remote = (*DocumentRepository)(nil)

// DocumentRepository is the remote document store backed by Postgres.
type DocumentRepository struct {
	db *Connection
	// overlap widens every change read to catch commits that started before the previous read.
	overlap time.Duration
}

func NewDocumentRepository(db *Connection, overlap time.Duration) *DocumentRepository {
	return &DocumentRepository{
		db:      db,
		overlap: overlap,
	}
}

// Apply applies op and returns the server revision. Replaying an already
// applied operation returns the original acknowledgement.
func (r *DocumentRepository) Apply(ctx context.Context, op model.PendingOperation) (model.Ack, error) {
	if err := r.db.EnsureSchema(ctx); err != nil {
		return model.Ack{}, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return model.Ack{}, fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ack, applied, err := appliedAck(ctx, tx, op.ID)
	if err != nil {
		return model.Ack{}, fmt.Errorf("failed to check operation %s: %w", op.ID, classify(err))
	}
	if applied {
		return ack, tx.Commit(ctx)
	}

	switch op.Kind {
	case model.OperationCreate, model.OperationUpdate:
		ack, err = upsertDocument(ctx, tx, op)
	case model.OperationDelete:
		ack, err = deleteDocument(ctx, tx, op)
	default:
		return model.Ack{}, fmt.Errorf("%w: unknown operation kind %q", model.ErrRemoteValidation, op.Kind)
	}
	if err != nil {
		return model.Ack{}, fmt.Errorf("failed to apply %s on %s: %w", op.Kind, op.Key, err)
	}

	const record = `
		INSERT INTO applied_operations (operation_id, collection, id, revision)
		VALUES ($1, $2, $3, $4)`
	if _, err := tx.Exec(ctx, record, op.ID, string(op.Key.Collection), op.Key.ID, ack.Revision); err != nil {
		return model.Ack{}, fmt.Errorf("failed to record operation %s: %w", op.ID, classify(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Ack{}, fmt.Errorf("failed to commit operation %s: %w", op.ID, classify(err))
	}
	return ack, nil
}

func appliedAck(ctx context.Context, tx pgx.Tx, opID string) (model.Ack, bool, error) {
	const query = `
		SELECT a.revision, COALESCE(d.updated_at, a.applied_at)
		FROM applied_operations a
		LEFT JOIN documents d ON d.collection = a.collection AND d.id = a.id
		WHERE a.operation_id = $1`

	var ack model.Ack
	err := tx.QueryRow(ctx, query, opID).Scan(&ack.Revision, &ack.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Ack{}, false, nil
		}
		return model.Ack{}, false, err
	}
	return ack, true, nil
}

func upsertDocument(ctx context.Context, tx pgx.Tx, op model.PendingOperation) (model.Ack, error) {
	const query = `
		INSERT INTO documents (collection, id, revision, deleted, payload, updated_at)
		VALUES ($1, $2, 1, FALSE, $3, NOW())
		ON CONFLICT (collection, id) DO UPDATE SET
			revision = documents.revision + 1,
			deleted = FALSE,
			payload = excluded.payload,
			updated_at = NOW()
		RETURNING revision, updated_at`

	var ack model.Ack
	err := tx.QueryRow(ctx, query, string(op.Key.Collection), op.Key.ID, []byte(op.Payload)).Scan(&ack.Revision, &ack.UpdatedAt)
	if err != nil {
		return model.Ack{}, classify(err)
	}
	return ack, nil
}

func deleteDocument(ctx context.Context, tx pgx.Tx, op model.PendingOperation) (model.Ack, error) {
	const query = `
		UPDATE documents SET
			revision = revision + 1,
			deleted = TRUE,
			payload = COALESCE($3::jsonb, payload),
			updated_at = NOW()
		WHERE collection = $1 AND id = $2
		RETURNING revision, updated_at`

	var payload any
	if len(op.Payload) > 0 {
		payload = []byte(op.Payload)
	}

	var ack model.Ack
	err := tx.QueryRow(ctx, query, string(op.Key.Collection), op.Key.ID, payload).Scan(&ack.Revision, &ack.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Ack{}, fmt.Errorf("%w: document does not exist", model.ErrRemoteValidation)
		}
		return model.Ack{}, classify(err)
	}
	return ack, nil
}

// ChangesSince returns documents changed after since, tombstones included, in
// update order. The returned time is the server clock at the start of the read.
func (r *DocumentRepository) ChangesSince(ctx context.Context, since time.Time) ([]model.Record, time.Time, error) {
	if err := r.db.EnsureSchema(ctx); err != nil {
		return nil, time.Time{}, err
	}

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to begin read: %w", classify(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var serverTime time.Time
	if err := tx.QueryRow(ctx, `SELECT NOW()`).Scan(&serverTime); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read server time: %w", classify(err))
	}

	from := since
	if !from.IsZero() {
		from = from.Add(-r.overlap)
	}

	const query = `
		SELECT collection, id, revision, deleted, payload, updated_at
		FROM documents
		WHERE updated_at > $1
		ORDER BY updated_at ASC, collection ASC, id ASC`

	rows, err := tx.Query(ctx, query, from)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to query changes: %w", classify(err))
	}
	defer rows.Close()

	var records []model.Record
	for rows.Next() {
		var (
			rec     model.Record
			payload []byte
		)
		if err := rows.Scan(&rec.Collection, &rec.ID, &rec.Revision, &rec.Deleted, &payload, &rec.UpdatedAt); err != nil {
			return nil, time.Time{}, fmt.Errorf("failed to scan change: %w", classify(err))
		}
		rec.Payload = payload
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, time.Time{}, fmt.Errorf("failed to read changes: %w", classify(err))
	}

	return records, serverTime, nil
}

// Ping checks the server and applies the schema on the first successful check.
func (r *DocumentRepository) Ping(ctx context.Context) error {
	if err := r.db.Ping(ctx); err != nil {
		return classify(err)
	}
	return r.db.EnsureSchema(ctx)
}
