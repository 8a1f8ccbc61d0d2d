package model

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record or operation does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when a create targets a live record.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNetworkUnavailable is a transport failure; the operation may be retried.
	ErrNetworkUnavailable = errors.New("network unavailable")
	// ErrRemoteValidation is a rejection of the payload by the remote store.
	ErrRemoteValidation = errors.New("remote validation error")
	// ErrPermissionDenied is an authorization failure, local or remote.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrStorageQuotaExceeded is returned when the local store cannot accept more data.
	ErrStorageQuotaExceeded = errors.New("storage quota exceeded")

	// ErrInvalidRecord is returned when a payload does not match its collection schema.
	ErrInvalidRecord = errors.New("invalid record")
	// ErrSyncInProgress is returned when a sync cycle is already running.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrSyncStopped is returned once the engine is shutting down.
	ErrSyncStopped = errors.New("sync engine stopped")
	// ErrOperationQueued is returned when resolving an operation that has not failed.
	ErrOperationQueued = errors.New("operation is still queued")
	// ErrRetryBudgetExceeded is recorded when an operation ran out of retries.
	ErrRetryBudgetExceeded = errors.New("retry budget exceeded")
)

// IsRetryable reports whether a dispatch failure should be retried later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
