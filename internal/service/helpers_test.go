package service

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dtroode/academysync/internal/connectivity"
	"github.com/dtroode/academysync/internal/model"
	"github.com/dtroode/academysync/internal/repository/sqlite"
)

// MockRemote mocks the Remote interface. A func(model.PendingOperation) (model.Ack, error)
// return value is called with the operation.
type MockRemote struct {
	mock.Mock
}

func (m *MockRemote) Apply(ctx context.Context, op model.PendingOperation) (model.Ack, error) {
	args := m.Called(ctx, op)
	if fn, ok := args.Get(0).(func(model.PendingOperation) (model.Ack, error)); ok {
		return fn(op)
	}
	return args.Get(0).(model.Ack), args.Error(1)
}

func (m *MockRemote) ChangesSince(ctx context.Context, since time.Time) ([]model.Record, time.Time, error) {
	args := m.Called(ctx, since)
	return args.Get(0).([]model.Record), args.Get(1).(time.Time), args.Error(2)
}

func (m *MockRemote) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakeConnectivity struct {
	online atomic.Bool

	mu   sync.Mutex
	subs []chan connectivity.Transition
}

func newFakeConnectivity(online bool) *fakeConnectivity {
	c := &fakeConnectivity{}
	c.online.Store(online)
	return c
}

func (c *fakeConnectivity) IsOnline() bool { return c.online.Load() }

func (c *fakeConnectivity) Subscribe() (<-chan connectivity.Transition, func()) {
	ch := make(chan connectivity.Transition, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()
	return ch, func() {}
}

func (c *fakeConnectivity) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func (c *fakeConnectivity) Set(online bool) {
	c.online.Store(online)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subs {
		ch <- connectivity.Transition{Online: online, At: time.Now()}
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []model.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event model.Event) model.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return event
}

func (n *recordingNotifier) Kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	kinds := make([]string, 0, len(n.events))
	for _, e := range n.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

func (n *recordingNotifier) Find(kind string) (model.Event, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e.Kind == kind {
			return e, true
		}
	}
	return model.Event{}, false
}

func newLocalStore(t *testing.T, maxPending int) *sqlite.Store {
	t.Helper()
	conn, err := sqlite.NewConnection(context.Background(), filepath.Join(t.TempDir(), "local.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return sqlite.NewStore(conn, maxPending)
}

func student(id, firstName string) model.Student {
	return model.Student{
		ID:         id,
		FirstName:  firstName,
		LastName:   "Lind",
		Instrument: "violin",
		Level:      "beginner",
		Active:     true,
	}
}

func studentRecord(t *testing.T, id, firstName string, revision int64) model.Record {
	t.Helper()
	rec, err := model.NewRecord(student(id, firstName), revision, time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return rec
}
