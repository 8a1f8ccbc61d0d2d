package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Collection is a logical document collection name shared by the local and remote stores.
type Collection string

const (
	// CollectionStudents holds enrolled students.
	CollectionStudents Collection = "students"
	// CollectionTeachers holds teaching staff.
	CollectionTeachers Collection = "teachers"
	// CollectionClasses holds scheduled classes.
	CollectionClasses Collection = "classes"
	// CollectionAttendance holds attendance marks.
	CollectionAttendance Collection = "attendance"
	// CollectionNotifications holds stored user notifications.
	CollectionNotifications Collection = "notifications"
	// CollectionRoles holds RBAC roles.
	CollectionRoles Collection = "roles"
	// CollectionRoleAssignments holds user to role assignments.
	CollectionRoleAssignments Collection = "role_assignments"
	// CollectionPermissions holds RBAC permissions.
	CollectionPermissions Collection = "permissions"
)

// Collections lists every collection known to the system.
var Collections = []Collection{
	CollectionStudents,
	CollectionTeachers,
	CollectionClasses,
	CollectionAttendance,
	CollectionNotifications,
	CollectionRoles,
	CollectionRoleAssignments,
	CollectionPermissions,
}

// Valid reports whether c is a known collection.
func (c Collection) Valid() bool {
	for _, known := range Collections {
		if c == known {
			return true
		}
	}
	return false
}

// IsPolicy reports whether documents of c feed RBAC resolution.
func (c Collection) IsPolicy() bool {
	return c == CollectionRoles || c == CollectionRoleAssignments || c == CollectionPermissions
}

// Key is the stable identity of a record across stores.
type Key struct {
	Collection Collection
	ID         string
}

// String renders the key as collection/id.
func (k Key) String() string {
	return string(k.Collection) + "/" + k.ID
}

// ParseKey parses a key rendered by Key.String.
func ParseKey(s string) (Key, error) {
	col, id, ok := strings.Cut(s, "/")
	if !ok || id == "" || !Collection(col).Valid() {
		return Key{}, fmt.Errorf("malformed record key %q", s)
	}
	return Key{Collection: Collection(col), ID: id}, nil
}

// Record is a cached domain document.
type Record struct {
	Collection Collection
	ID         string
	// Revision orders writes to the same key; the remote store assigns it on acknowledgement.
	Revision  int64
	Deleted   bool
	UpdatedAt time.Time
	Payload   json.RawMessage
}

// Key returns the record's key.
func (r Record) Key() Key {
	return Key{Collection: r.Collection, ID: r.ID}
}

// NewRecord builds a record from a typed document.
func NewRecord(doc Document, revision int64, updatedAt time.Time) (Record, error) {
	if err := Validate(doc); err != nil {
		return Record{}, err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal %s document: %w", doc.Collection(), err)
	}
	return Record{
		Collection: doc.Collection(),
		ID:         doc.DocumentID(),
		Revision:   revision,
		UpdatedAt:  updatedAt,
		Payload:    payload,
	}, nil
}

// Decode returns the typed variant stored in the payload.
// Malformed payloads fail with ErrInvalidRecord.
func (r Record) Decode() (Document, error) {
	doc, err := newDocument(r.Collection)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(r.Payload, doc); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRecord, r.Key(), err)
	}
	if doc.DocumentID() != r.ID {
		return nil, fmt.Errorf("%w: %s: payload id %q does not match key", ErrInvalidRecord, r.Key(), doc.DocumentID())
	}
	if err := Validate(doc); err != nil {
		return nil, fmt.Errorf("%s: %w", r.Key(), err)
	}
	return doc, nil
}
