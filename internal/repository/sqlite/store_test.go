package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/academysync/internal/model"
)

func newTestStore(t *testing.T, maxPending int) *Store {
	t.Helper()
	conn, err := NewConnection(context.Background(), filepath.Join(t.TempDir(), "local.db"), Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return NewStore(conn, maxPending)
}

func studentRecord(t *testing.T, id string, revision int64) model.Record {
	t.Helper()
	rec, err := model.NewRecord(model.Student{
		ID:         id,
		FirstName:  "Clara",
		LastName:   "Schumann",
		Instrument: "piano",
		Level:      "advanced",
		Active:     true,
	}, revision, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}

func TestStore_PutRevisionRule(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	applied, err := s.Put(ctx, studentRecord(t, "s1", 2))
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = s.Put(ctx, studentRecord(t, "s1", 1))
	require.NoError(t, err)
	assert.False(t, applied, "older revision must not overwrite")

	tie := studentRecord(t, "s1", 2)
	tie.Payload = json.RawMessage(`{"id":"s1","first_name":"Robert","last_name":"Schumann","instrument":"piano","level":"advanced","active":true}`)
	applied, err = s.Put(ctx, tie)
	require.NoError(t, err)
	assert.True(t, applied, "equal revision is written")

	got, err := s.Get(ctx, tie.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	doc, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, "Robert", doc.(*model.Student).FirstName)
}

func TestStore_PutRejectsUnknownCollection(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Put(context.Background(), model.Record{Collection: "lessons", ID: "x"})
	assert.ErrorIs(t, err, model.ErrInvalidRecord)
}

func TestStore_GetValidatesPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	bad := model.Record{
		Collection: model.CollectionStudents,
		ID:         "s1",
		Revision:   1,
		Payload:    json.RawMessage(`{"id":"s1","first_name":"Clara"}`),
	}
	_, err := s.Put(ctx, bad)
	require.NoError(t, err)

	_, err = s.Get(ctx, bad.Key())
	assert.ErrorIs(t, err, model.ErrInvalidRecord)

	_, err = s.List(ctx, model.CollectionStudents)
	assert.ErrorIs(t, err, model.ErrInvalidRecord)

	_, err = s.Get(ctx, model.Key{Collection: model.CollectionStudents, ID: "missing"})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_MutateQueuesInOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	rec := studentRecord(t, "s1", 0)
	first, err := s.Mutate(ctx, rec, model.OperationCreate)
	require.NoError(t, err)
	assert.Equal(t, model.OperationCreate, first.Kind)
	assert.Equal(t, int64(1), first.Revision)

	_, err = s.Mutate(ctx, rec, model.OperationCreate)
	assert.ErrorIs(t, err, model.ErrAlreadyExists, "create never overwrites a live record")

	second, err := s.Mutate(ctx, rec, model.OperationUpdate)
	require.NoError(t, err)
	assert.Equal(t, model.OperationUpdate, second.Kind)
	assert.Equal(t, int64(2), second.Revision)
	assert.Greater(t, second.Seq, first.Seq)

	other, err := s.Mutate(ctx, studentRecord(t, "s2", 0), model.OperationCreate)
	require.NoError(t, err)

	ops, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 3)
	assert.Equal(t, []string{first.ID, second.ID, other.ID}, []string{ops[0].ID, ops[1].ID, ops[2].ID})

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)

	has, err := s.HasPending(ctx, rec.Key())
	require.NoError(t, err)
	assert.True(t, has)
}

func TestStore_MutateMissing(t *testing.T) {
	s := newTestStore(t, 0)
	_, err := s.Mutate(context.Background(), studentRecord(t, "ghost", 0), model.OperationUpdate)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestStore_MutateDeleteKeepsPayload(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	rec := studentRecord(t, "s1", 0)
	_, err := s.Mutate(ctx, rec, model.OperationCreate)
	require.NoError(t, err)

	op, err := s.Mutate(ctx, model.Record{Collection: rec.Collection, ID: rec.ID}, model.OperationDelete)
	require.NoError(t, err)
	assert.JSONEq(t, string(rec.Payload), string(op.Payload))

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	live, err := s.List(ctx, model.CollectionStudents)
	require.NoError(t, err)
	assert.Empty(t, live)

	revived, err := s.Mutate(ctx, rec, model.OperationCreate)
	require.NoError(t, err, "a deleted record can be created again")
	assert.Equal(t, model.OperationCreate, revived.Kind)
	assert.Equal(t, int64(3), revived.Revision)
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	rec := studentRecord(t, "s1", 1)
	_, err := s.Put(ctx, rec)
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, rec.Key()))
	assert.ErrorIs(t, s.Delete(ctx, rec.Key()), model.ErrNotFound)
}

func TestStore_AcknowledgeWaitsForLastOperation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	rec := studentRecord(t, "s1", 0)
	first, err := s.Mutate(ctx, rec, model.OperationCreate)
	require.NoError(t, err)
	second, err := s.Mutate(ctx, rec, model.OperationUpdate)
	require.NoError(t, err)

	ackAt := time.Date(2026, 2, 2, 9, 0, 0, 0, time.UTC)
	require.NoError(t, s.Acknowledge(ctx, first.ID, model.Ack{Revision: 10, UpdatedAt: ackAt}))

	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision, "revision stays local while operations remain")

	require.NoError(t, s.Acknowledge(ctx, second.ID, model.Ack{Revision: 11, UpdatedAt: ackAt}))
	got, err = s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(11), got.Revision)
	assert.True(t, ackAt.Equal(got.UpdatedAt))

	ops, err := s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)

	assert.ErrorIs(t, s.Acknowledge(ctx, second.ID, model.Ack{Revision: 12}), model.ErrNotFound)
}

func TestStore_AcknowledgeNeverLowersRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	rec := studentRecord(t, "s1", 0)
	_, err := s.Mutate(ctx, rec, model.OperationCreate)
	require.NoError(t, err)
	op, err := s.Mutate(ctx, rec, model.OperationUpdate)
	require.NoError(t, err)
	ops, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Dequeue(ctx, ops[0].ID))

	require.NoError(t, s.Acknowledge(ctx, op.ID, model.Ack{Revision: 1}))
	got, err := s.Get(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
}

func TestStore_Quota(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 1)

	_, err := s.Mutate(ctx, studentRecord(t, "s1", 0), model.OperationCreate)
	require.NoError(t, err)

	_, err = s.Mutate(ctx, studentRecord(t, "s2", 0), model.OperationCreate)
	assert.ErrorIs(t, err, model.ErrStorageQuotaExceeded)

	_, err = s.Get(ctx, model.Key{Collection: model.CollectionStudents, ID: "s2"})
	assert.ErrorIs(t, err, model.ErrNotFound, "rejected write must leave no record")

	_, err = s.Enqueue(ctx, model.PendingOperation{Kind: model.OperationCreate, Key: model.Key{Collection: model.CollectionStudents, ID: "s3"}, Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, model.ErrStorageQuotaExceeded)
}

func TestStore_RetryAndFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	op, err := s.Mutate(ctx, studentRecord(t, "s1", 0), model.OperationCreate)
	require.NoError(t, err)

	next := time.Date(2026, 2, 1, 9, 0, 30, 0, time.UTC)
	require.NoError(t, s.MarkRetry(ctx, op.ID, 1, next, "network unavailable"))
	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.True(t, next.Equal(got.NextAttemptAt))
	assert.Equal(t, "network unavailable", got.LastError)

	require.NoError(t, s.MarkFailed(ctx, op.ID, "permission denied"))
	pending, failed, err := s.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	assert.Equal(t, 1, failed)

	n, err := s.ResetFailed(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, err = s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.False(t, got.Failed)
	assert.Zero(t, got.RetryCount)
	assert.True(t, got.NextAttemptAt.IsZero())

	_, err = s.ResetFailed(ctx, op.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	assert.ErrorIs(t, s.MarkFailed(ctx, "missing", "x"), model.ErrNotFound)
	assert.ErrorIs(t, s.Dequeue(ctx, "missing"), model.ErrNotFound)
}

func TestStore_DropQueuedKeepsFailed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	rec := studentRecord(t, "s1", 0)
	failedOp, err := s.Mutate(ctx, rec, model.OperationCreate)
	require.NoError(t, err)
	require.NoError(t, s.MarkFailed(ctx, failedOp.ID, "rejected"))
	_, err = s.Mutate(ctx, rec, model.OperationUpdate)
	require.NoError(t, err)
	other, err := s.Mutate(ctx, studentRecord(t, "s2", 0), model.OperationCreate)
	require.NoError(t, err)

	n, err := s.DropQueued(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	ops, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 2)
	assert.Equal(t, failedOp.ID, ops[0].ID)
	assert.Equal(t, other.ID, ops[1].ID)
}

func TestStore_LastSyncAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, 0)

	at, err := s.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, at.IsZero())

	want := time.Date(2026, 2, 3, 8, 30, 0, 123, time.UTC)
	require.NoError(t, s.SetLastSyncAt(ctx, want))
	require.NoError(t, s.SetLastSyncAt(ctx, want))

	at, err = s.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, want.Equal(at))
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "local.db")

	conn, err := NewConnection(ctx, path, Options{})
	require.NoError(t, err)
	op, err := NewStore(conn, 0).Mutate(ctx, studentRecord(t, "s1", 0), model.OperationCreate)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	conn, err = NewConnection(ctx, path, Options{})
	require.NoError(t, err)
	defer conn.Close()

	ops, err := NewStore(conn, 0).ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, op.ID, ops[0].ID)
}
