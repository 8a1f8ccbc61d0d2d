package httpapi

import (
	"encoding/json"
	"time"

	"github.com/dtroode/academysync/internal/model"
)

type syncStateResponse struct {
	Status     model.SyncStatus `json:"status"`
	LastSyncAt *time.Time       `json:"last_sync_at,omitempty"`
	Pending    int              `json:"pending"`
	Failed     int              `json:"failed"`
}

func newSyncStateResponse(s model.SyncState) syncStateResponse {
	return syncStateResponse{
		Status:     s.Status,
		LastSyncAt: optionalTime(s.LastSyncAt),
		Pending:    s.Pending,
		Failed:     s.Failed,
	}
}

type triggerResponse struct {
	Started bool `json:"started"`
}

type retryAllResponse struct {
	Requeued int `json:"requeued"`
}

type operationResponse struct {
	ID            string              `json:"id"`
	Seq           int64               `json:"seq"`
	Kind          model.OperationKind `json:"kind"`
	Collection    model.Collection    `json:"collection"`
	RecordID      string              `json:"record_id"`
	Revision      int64               `json:"revision"`
	Payload       json.RawMessage     `json:"payload,omitempty"`
	EnqueuedAt    time.Time           `json:"enqueued_at"`
	RetryCount    int                 `json:"retry_count"`
	NextAttemptAt *time.Time          `json:"next_attempt_at,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	Failed        bool                `json:"failed"`
}

func newOperationResponse(op model.PendingOperation) operationResponse {
	return operationResponse{
		ID:            op.ID,
		Seq:           op.Seq,
		Kind:          op.Kind,
		Collection:    op.Key.Collection,
		RecordID:      op.Key.ID,
		Revision:      op.Revision,
		Payload:       op.Payload,
		EnqueuedAt:    op.EnqueuedAt,
		RetryCount:    op.RetryCount,
		NextAttemptAt: optionalTime(op.NextAttemptAt),
		LastError:     op.LastError,
		Failed:        op.Failed,
	}
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
