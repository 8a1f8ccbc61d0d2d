package model

import (
	"encoding/json"
	"time"
)

// OperationKind is the mutation a pending operation carries.
type OperationKind string

const (
	OperationCreate OperationKind = "create"
	OperationUpdate OperationKind = "update"
	OperationDelete OperationKind = "delete"
)

// PendingOperation is a local mutation awaiting remote application.
type PendingOperation struct {
	ID string
	// Seq is the enqueue position; operations on one key are dispatched in Seq order.
	Seq           int64
	Kind          OperationKind
	Key           Key
	Payload       json.RawMessage
	Revision      int64
	EnqueuedAt    time.Time
	RetryCount    int
	NextAttemptAt time.Time
	LastError     string
	// Failed marks an operation that needs manual resolution.
	Failed bool
}

// Ack is the remote acknowledgement of an applied operation.
type Ack struct {
	Revision  int64
	UpdatedAt time.Time
}

// SyncStatus is the engine state machine position.
type SyncStatus string

const (
	SyncStatusIdle    SyncStatus = "idle"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusError   SyncStatus = "error"
)

// SyncState is the process-wide sync status.
type SyncState struct {
	Status     SyncStatus
	LastSyncAt time.Time
	Pending    int
	Failed     int
}
