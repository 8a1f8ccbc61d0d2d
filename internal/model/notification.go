package model

import "time"

// Severity grades a notification.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityAlert   Severity = "alert"
)

// NotificationClass decides how long a notification stays visible.
type NotificationClass string

const (
	// ClassToast notifications dismiss themselves after a timeout.
	ClassToast NotificationClass = "toast"
	// ClassPersistent notifications stay until dismissed.
	ClassPersistent NotificationClass = "persistent"
)

// Event kinds emitted by the core.
const (
	EventSyncCompleted     = "sync_completed"
	EventSyncPullFailed    = "sync_pull_failed"
	EventOperationRejected = "operation_rejected"
	EventConflictResolved  = "conflict_resolved"
	EventStorageFull       = "storage_full"
	EventAttendanceAlert   = "attendance_alert"
	EventConnectivity      = "connectivity"
)

// Event is the uniform notification shape.
type Event struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Message   string            `json:"message"`
	Severity  Severity          `json:"severity"`
	Class     NotificationClass `json:"class"`
	CreatedAt time.Time         `json:"created_at"`
}

// IsAlert reports whether the event goes to the push channel.
func (e Event) IsAlert() bool {
	return e.Severity == SeverityAlert || e.Class == ClassPersistent
}
