package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/academysync/internal/metrics"
	"github.com/dtroode/academysync/internal/model"
	"github.com/dtroode/academysync/internal/repository/sqlite"
	"github.com/dtroode/academysync/internal/testutil"
)

var serverTime = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

type engineFixture struct {
	store    *sqlite.Store
	remote   *MockRemote
	conn     *fakeConnectivity
	notifier *recordingNotifier
	engine   *Engine
	clock    *atomic.Int64
}

func testSyncOptions() SyncOptions {
	return SyncOptions{
		DispatchTimeout: time.Second,
		MaxRetries:      2,
		InitialBackoff:  time.Second,
		MaxBackoff:      10 * time.Second,
		Multiplier:      2,
		Jitter:          0,
	}
}

func newEngineFixture(t *testing.T, online bool) *engineFixture {
	t.Helper()
	f := &engineFixture{
		store:    newLocalStore(t, 0),
		remote:   &MockRemote{},
		conn:     newFakeConnectivity(online),
		notifier: &recordingNotifier{},
		clock:    &atomic.Int64{},
	}
	f.clock.Store(serverTime.UnixNano())
	f.engine = NewEngine(f.store, f.remote, f.conn, f.notifier, testSyncOptions(), metrics.New(nil), testutil.MakeNoopLogger())
	f.engine.now = func() time.Time { return time.Unix(0, f.clock.Load()).UTC() }
	require.NoError(t, f.engine.Init(context.Background()))
	return f
}

func (f *engineFixture) advance(d time.Duration) {
	f.clock.Add(int64(d))
}

func (f *engineFixture) noChanges() {
	f.remote.On("ChangesSince", mock.Anything, mock.Anything).Return([]model.Record(nil), serverTime, nil)
}

func (f *engineFixture) mutate(t *testing.T, rec model.Record, kind model.OperationKind) model.PendingOperation {
	t.Helper()
	op, err := f.store.Mutate(context.Background(), rec, kind)
	require.NoError(t, err)
	return op
}

func TestEngine_PushPreservesOrderAndAdoptsRevision(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)

	first := f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)
	second := f.mutate(t, studentRecord(t, "s1", "Ida", 0), model.OperationUpdate)
	other := f.mutate(t, studentRecord(t, "s2", "Eva", 0), model.OperationCreate)

	var (
		mu      sync.Mutex
		applied []string
	)
	revisions := map[string]int64{first.ID: 7, second.ID: 8, other.ID: 1}
	f.remote.On("Apply", mock.Anything, mock.Anything).Return(func(op model.PendingOperation) (model.Ack, error) {
		mu.Lock()
		applied = append(applied, op.ID)
		mu.Unlock()
		return model.Ack{Revision: revisions[op.ID], UpdatedAt: serverTime}, nil
	})
	f.noChanges()

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.Acknowledged)
	assert.Equal(t, []string{first.ID, second.ID, other.ID}, applied)
	assert.Equal(t, model.SyncStatusIdle, result.State.Status)
	assert.Zero(t, result.State.Pending)
	assert.True(t, serverTime.Equal(result.State.LastSyncAt))

	got, err := f.store.Get(ctx, model.Key{Collection: model.CollectionStudents, ID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, int64(8), got.Revision)

	_, ok := f.notifier.Find(model.EventSyncCompleted)
	assert.True(t, ok)
}

func TestEngine_OfflineCreateSyncsWhenOnline(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, false)

	f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, result.Offline)
	f.remote.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)

	f.remote.On("Apply", mock.Anything, mock.Anything).Return(model.Ack{Revision: 1, UpdatedAt: serverTime}, nil)
	f.noChanges()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool { return f.conn.Subscribers() > 0 }, time.Second, 5*time.Millisecond)
	f.conn.Set(true)

	require.Eventually(t, func() bool {
		state := f.engine.State()
		return state.Status == model.SyncStatusIdle && state.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	f.remote.AssertNumberOfCalls(t, "Apply", 1)
}

func TestEngine_TriggerSyncCoalesces(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)
	f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)

	entered := make(chan struct{})
	release := make(chan struct{})
	f.remote.On("Apply", mock.Anything, mock.Anything).Return(func(op model.PendingOperation) (model.Ack, error) {
		close(entered)
		<-release
		return model.Ack{Revision: 1, UpdatedAt: serverTime}, nil
	}).Once()
	f.noChanges()

	require.True(t, f.engine.TriggerSync(ctx))
	<-entered

	assert.False(t, f.engine.TriggerSync(ctx))
	_, err := f.engine.Sync(ctx)
	assert.ErrorIs(t, err, model.ErrSyncInProgress)
	assert.Equal(t, model.SyncStatusSyncing, f.engine.State().Status)

	close(release)
	require.Eventually(t, func() bool {
		return f.engine.State().Status == model.SyncStatusIdle
	}, 2*time.Second, 10*time.Millisecond)
	f.remote.AssertNumberOfCalls(t, "Apply", 1)
}

func TestEngine_RetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)
	op := f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)

	f.remote.On("Apply", mock.Anything, mock.Anything).Return(model.Ack{}, fmt.Errorf("dial: %w", model.ErrNetworkUnavailable))
	f.noChanges()

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	stored, err := f.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	assert.True(t, serverTime.Add(time.Second).Equal(stored.NextAttemptAt))

	// Not due yet.
	result, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Blocked)
	f.remote.AssertNumberOfCalls(t, "Apply", 1)

	f.advance(time.Minute)
	result, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	stored, err = f.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.RetryCount)
	assert.True(t, f.engine.now().Add(2*time.Second).Equal(stored.NextAttemptAt))

	f.advance(time.Minute)
	result, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, model.SyncStatusError, result.State.Status)

	stored, err = f.store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.True(t, stored.Failed)
	assert.Contains(t, stored.LastError, model.ErrRetryBudgetExceeded.Error())

	event, ok := f.notifier.Find(model.EventOperationRejected)
	require.True(t, ok)
	assert.Equal(t, model.ClassPersistent, event.Class)
}

func TestEngine_PermissionDenied(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)
	rec := studentRecord(t, "s1", "Ada", 0)
	denied := f.mutate(t, rec, model.OperationCreate)
	later := f.mutate(t, studentRecord(t, "s1", "Ida", 0), model.OperationUpdate)

	f.remote.On("Apply", mock.Anything, mock.MatchedBy(func(op model.PendingOperation) bool { return op.ID == denied.ID })).
		Return(model.Ack{}, fmt.Errorf("insufficient privilege: %w", model.ErrPermissionDenied)).Once()
	f.noChanges()

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 1, result.Blocked, "later operation on the same key waits")
	assert.Equal(t, model.SyncStatusError, result.State.Status)
	assert.Equal(t, 2, result.State.Pending)
	assert.Equal(t, 1, result.State.Failed)

	event, ok := f.notifier.Find(model.EventOperationRejected)
	require.True(t, ok)
	assert.Equal(t, model.SeverityError, event.Severity)
	assert.Equal(t, model.ClassPersistent, event.Class)
	_, ok = f.notifier.Find(model.EventSyncCompleted)
	assert.False(t, ok)

	got, err := f.store.Get(ctx, rec.Key())
	require.NoError(t, err, "local value stays")
	assert.False(t, got.Deleted)

	// A later cycle keeps the key blocked without calling the remote.
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	f.remote.AssertNumberOfCalls(t, "Apply", 1)

	f.remote.On("Apply", mock.Anything, mock.Anything).Return(func(op model.PendingOperation) (model.Ack, error) {
		return model.Ack{Revision: op.Revision, UpdatedAt: serverTime}, nil
	})
	require.NoError(t, f.engine.Retry(ctx, denied.ID))
	require.Eventually(t, func() bool {
		state := f.engine.State()
		return state.Status == model.SyncStatusIdle && state.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err = f.store.GetOperation(ctx, later.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_DiscardAndRetryAll(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)
	a := f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)
	b := f.mutate(t, studentRecord(t, "s2", "Eva", 0), model.OperationCreate)

	f.remote.On("Apply", mock.Anything, mock.Anything).Return(model.Ack{}, model.ErrRemoteValidation).Twice()
	f.noChanges()

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Failed)

	err = f.engine.Discard(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, f.engine.Discard(ctx, a.ID))
	state := f.engine.State()
	assert.Equal(t, 1, state.Pending)
	assert.Equal(t, model.SyncStatusError, state.Status)

	got, err := f.store.Get(ctx, a.Key)
	require.NoError(t, err, "discarded change keeps the local value")
	assert.Equal(t, int64(1), got.Revision)

	f.remote.On("Apply", mock.Anything, mock.Anything).Return(model.Ack{Revision: 1, UpdatedAt: serverTime}, nil)
	n, err := f.engine.RetryAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Eventually(t, func() bool {
		state := f.engine.State()
		return state.Status == model.SyncStatusIdle && state.Pending == 0
	}, 2*time.Second, 10*time.Millisecond)
	_, err = f.store.GetOperation(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEngine_DiscardQueuedOperation(t *testing.T) {
	f := newEngineFixture(t, false)
	op := f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)

	assert.ErrorIs(t, f.engine.Discard(context.Background(), op.ID), model.ErrOperationQueued)
}

func TestEngine_PullConflicts(t *testing.T) {
	tests := []struct {
		name           string
		remoteRevision int64
		wantRevision   int64
		wantName       string
		wantConflict   bool
		wantPending    int
	}{
		{name: "remote newer wins", remoteRevision: 5, wantRevision: 5, wantName: "Remote", wantConflict: true},
		{name: "tie goes to remote", remoteRevision: 3, wantRevision: 3, wantName: "Remote", wantConflict: true},
		{name: "local newer kept", remoteRevision: 2, wantRevision: 3, wantName: "Local", wantPending: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newEngineFixture(t, true)

			// Synced at revision 2, edited locally to revision 3.
			_, err := f.store.Put(ctx, studentRecord(t, "s1", "Synced", 2))
			require.NoError(t, err)
			f.mutate(t, studentRecord(t, "s1", "Local", 0), model.OperationUpdate)

			f.remote.On("Apply", mock.Anything, mock.Anything).Return(model.Ack{}, model.ErrNetworkUnavailable)
			f.remote.On("ChangesSince", mock.Anything, time.Time{}).
				Return([]model.Record{studentRecord(t, "s1", "Remote", tt.remoteRevision)}, serverTime, nil)

			result, err := f.engine.Sync(ctx)
			require.NoError(t, err)
			require.NoError(t, result.PullErr)

			got, err := f.store.Get(ctx, model.Key{Collection: model.CollectionStudents, ID: "s1"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantRevision, got.Revision)
			doc, err := got.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, doc.(*model.Student).FirstName)

			assert.Equal(t, tt.wantPending, result.State.Pending)
			_, notified := f.notifier.Find(model.EventConflictResolved)
			assert.Equal(t, tt.wantConflict, notified)
			if tt.wantConflict {
				assert.Equal(t, 1, result.Conflicts)
			}
		})
	}
}

func TestEngine_PullSkipsMalformedAndInvalidatesPolicy(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)

	role, err := model.NewRecord(model.Role{ID: "teacher", Name: "Teacher", Permissions: []string{"attendance:create"}}, 1, serverTime)
	require.NoError(t, err)
	malformed := model.Record{
		Collection: model.CollectionStudents,
		ID:         "bad",
		Revision:   1,
		Payload:    json.RawMessage(`{"id":"bad"}`),
	}
	f.remote.On("ChangesSince", mock.Anything, time.Time{}).
		Return([]model.Record{malformed, studentRecord(t, "s1", "Ada", 1), role}, serverTime, nil).Once()

	var invalidations atomic.Int32
	f.engine.OnPolicyChange(func(context.Context) error {
		invalidations.Add(1)
		return nil
	})

	progress := make(chan Progress, 16)
	f.engine.SetProgress(progress)

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pulled)
	assert.Equal(t, int32(1), invalidations.Load())

	_, err = f.store.Get(ctx, malformed.Key())
	assert.ErrorIs(t, err, model.ErrNotFound)

	last, err := f.store.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, serverTime.Equal(last))

	var skipped int
	f.engine.SetProgress(nil)
	close(progress)
	for p := range progress {
		if p.Outcome == OutcomeSkipped {
			skipped++
		}
	}
	assert.Equal(t, 1, skipped)

	// The next pull resumes from the stored server time.
	f.remote.On("ChangesSince", mock.Anything, serverTime).Return([]model.Record(nil), serverTime.Add(time.Minute), nil).Once()
	_, err = f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), invalidations.Load())
	f.remote.AssertExpectations(t)
}

func TestEngine_PullFailureWarns(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)

	f.remote.On("ChangesSince", mock.Anything, mock.Anything).
		Return([]model.Record(nil), time.Time{}, model.ErrNetworkUnavailable)

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, result.PullErr, model.ErrNetworkUnavailable)
	assert.Equal(t, model.SyncStatusIdle, result.State.Status)

	event, ok := f.notifier.Find(model.EventSyncPullFailed)
	require.True(t, ok)
	assert.Equal(t, model.SeverityWarning, event.Severity)

	last, err := f.store.LastSyncAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.IsZero())
}

func TestEngine_Backoff(t *testing.T) {
	e := &Engine{opts: SyncOptions{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}}

	assert.Equal(t, time.Second, e.backoff(1))
	assert.Equal(t, 2*time.Second, e.backoff(2))
	assert.Equal(t, 4*time.Second, e.backoff(3))
	assert.Equal(t, 5*time.Second, e.backoff(4))
}

func TestEngine_UnreachableKeyDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)

	a := f.mutate(t, studentRecord(t, "a", "Ada", 0), model.OperationCreate)
	b := f.mutate(t, studentRecord(t, "b", "Bea", 0), model.OperationCreate)

	f.remote.On("Apply", mock.Anything, mock.MatchedBy(func(op model.PendingOperation) bool { return op.ID == a.ID })).
		Return(model.Ack{}, fmt.Errorf("dial: %w", model.ErrNetworkUnavailable))
	f.remote.On("Apply", mock.Anything, mock.MatchedBy(func(op model.PendingOperation) bool { return op.ID == b.ID })).
		Return(model.Ack{Revision: 1, UpdatedAt: serverTime}, nil)
	f.noChanges()

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)
	assert.Equal(t, 1, result.Acknowledged)
	assert.Equal(t, 1, result.State.Pending)
	assert.Equal(t, model.SyncStatusIdle, result.State.Status)

	_, err = f.store.GetOperation(ctx, b.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	stored, err := f.store.GetOperation(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
}

func TestEngine_PullIgnoresEchoOfOwnWrite(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)

	first := f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)
	second := f.mutate(t, studentRecord(t, "s1", "Ida", 0), model.OperationUpdate)

	f.remote.On("Apply", mock.Anything, mock.MatchedBy(func(op model.PendingOperation) bool { return op.ID == first.ID })).
		Return(model.Ack{Revision: 7, UpdatedAt: serverTime}, nil)
	f.remote.On("Apply", mock.Anything, mock.MatchedBy(func(op model.PendingOperation) bool { return op.ID == second.ID })).
		Return(model.Ack{}, model.ErrNetworkUnavailable)
	// The remote reports the first write back with the revision it acknowledged,
	// which is above the local revision of the queued update.
	f.remote.On("ChangesSince", mock.Anything, time.Time{}).
		Return([]model.Record{studentRecord(t, "s1", "Ada", 7)}, serverTime, nil)

	result, err := f.engine.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Acknowledged)
	assert.Zero(t, result.Conflicts)
	assert.Zero(t, result.Pulled)
	assert.Equal(t, 1, result.State.Pending)

	_, err = f.store.GetOperation(ctx, second.ID)
	require.NoError(t, err)
	got, err := f.store.Get(ctx, model.Key{Collection: model.CollectionStudents, ID: "s1"})
	require.NoError(t, err)
	doc, err := got.Decode()
	require.NoError(t, err)
	assert.Equal(t, "Ida", doc.(*model.Student).FirstName)

	_, notified := f.notifier.Find(model.EventConflictResolved)
	assert.False(t, notified)
}

func TestEngine_NoCycleAfterRunReturns(t *testing.T) {
	ctx := context.Background()
	f := newEngineFixture(t, true)
	f.noChanges()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.engine.Run(runCtx)
	}()
	require.Eventually(t, func() bool { return f.conn.Subscribers() > 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	f.mutate(t, studentRecord(t, "s1", "Ada", 0), model.OperationCreate)

	assert.False(t, f.engine.TriggerSync(ctx))
	_, err := f.engine.Sync(ctx)
	assert.ErrorIs(t, err, model.ErrSyncStopped)
	f.remote.AssertNotCalled(t, "Apply", mock.Anything, mock.Anything)
}
