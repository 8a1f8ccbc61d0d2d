package model

import (
	"context"
	"time"
)

// LocalStore is the device-resident record cache and pending-operation log.
type LocalStore interface {
	// Put stores the record if its revision is not older than the stored one.
	// It reports whether the record was written.
	Put(ctx context.Context, record Record) (bool, error)
	Get(ctx context.Context, key Key) (Record, error)
	// Delete soft-deletes the record.
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context, collection Collection) ([]Record, error)

	// Mutate applies an optimistic local write and enqueues the matching operation atomically.
	Mutate(ctx context.Context, record Record, kind OperationKind) (PendingOperation, error)
	Enqueue(ctx context.Context, op PendingOperation) (PendingOperation, error)
	Dequeue(ctx context.Context, opID string) error
	// ListPending returns every queued operation in enqueue order, failed ones included.
	ListPending(ctx context.Context) ([]PendingOperation, error)
	GetOperation(ctx context.Context, opID string) (PendingOperation, error)
	HasPending(ctx context.Context, key Key) (bool, error)
	// DropQueued removes the operations on key that are still queued; failed ones stay.
	DropQueued(ctx context.Context, key Key) (int, error)
	CountPending(ctx context.Context) (pending int, failed int, err error)

	// Acknowledge removes a remotely applied operation and records the remote revision.
	Acknowledge(ctx context.Context, opID string, ack Ack) error
	MarkRetry(ctx context.Context, opID string, retryCount int, nextAttemptAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, opID string, lastErr string) error
	// ResetFailed returns failed operations to the queue; an empty id resets all of them.
	ResetFailed(ctx context.Context, opID string) (int, error)

	LastSyncAt(ctx context.Context) (time.Time, error)
	SetLastSyncAt(ctx context.Context, at time.Time) error
}

// Remote is the managed document service the local state is reconciled with.
type Remote interface {
	// Apply applies one operation and returns the server-assigned revision.
	Apply(ctx context.Context, op PendingOperation) (Ack, error)
	// ChangesSince returns documents changed after since, and the server time of the read.
	ChangesSince(ctx context.Context, since time.Time) ([]Record, time.Time, error)
	Ping(ctx context.Context) error
}

// Pusher delivers alert-class notifications to an external push channel.
type Pusher interface {
	Push(ctx context.Context, event Event) error
}
