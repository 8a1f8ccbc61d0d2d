package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// Document is a typed record payload bound to one collection.
type Document interface {
	Collection() Collection
	DocumentID() string
}

// Student is an enrolled academy student.
type Student struct {
	ID            string `json:"id" validate:"required"`
	FirstName     string `json:"first_name" validate:"required"`
	LastName      string `json:"last_name" validate:"required"`
	Email         string `json:"email,omitempty" validate:"omitempty,email"`
	GuardianPhone string `json:"guardian_phone,omitempty" validate:"omitempty,e164"`
	Instrument    string `json:"instrument" validate:"required"`
	Level         string `json:"level" validate:"required,oneof=beginner intermediate advanced"`
	Active        bool   `json:"active"`
}

func (Student) Collection() Collection { return CollectionStudents }
func (s Student) DocumentID() string   { return s.ID }

// Teacher is a member of the teaching staff.
type Teacher struct {
	ID          string   `json:"id" validate:"required"`
	FirstName   string   `json:"first_name" validate:"required"`
	LastName    string   `json:"last_name" validate:"required"`
	Email       string   `json:"email" validate:"required,email"`
	Instruments []string `json:"instruments" validate:"required,min=1,dive,required"`
}

func (Teacher) Collection() Collection { return CollectionTeachers }
func (t Teacher) DocumentID() string   { return t.ID }

// Class is a recurring weekly lesson.
type Class struct {
	ID              string   `json:"id" validate:"required"`
	Name            string   `json:"name" validate:"required"`
	TeacherID       string   `json:"teacher_id" validate:"required"`
	Instrument      string   `json:"instrument" validate:"required"`
	Room            string   `json:"room,omitempty"`
	Weekday         int      `json:"weekday" validate:"min=0,max=6"`
	StartTime       string   `json:"start_time" validate:"required,datetime=15:04"`
	DurationMinutes int      `json:"duration_minutes" validate:"min=15,max=240"`
	StudentIDs      []string `json:"student_ids,omitempty" validate:"dive,required"`
}

func (Class) Collection() Collection { return CollectionClasses }
func (c Class) DocumentID() string   { return c.ID }

// AttendanceStatus is the outcome recorded for a student in a lesson.
type AttendanceStatus string

const (
	AttendancePresent AttendanceStatus = "present"
	AttendanceAbsent  AttendanceStatus = "absent"
	AttendanceLate    AttendanceStatus = "late"
	AttendanceExcused AttendanceStatus = "excused"
)

// AttendanceMark records a student's attendance of one lesson.
type AttendanceMark struct {
	ID        string           `json:"id" validate:"required"`
	ClassID   string           `json:"class_id" validate:"required"`
	StudentID string           `json:"student_id" validate:"required"`
	Date      string           `json:"date" validate:"required,datetime=2006-01-02"`
	Status    AttendanceStatus `json:"status" validate:"required,oneof=present absent late excused"`
	Note      string           `json:"note,omitempty" validate:"max=500"`
	MarkedBy  string           `json:"marked_by,omitempty"`
}

func (AttendanceMark) Collection() Collection { return CollectionAttendance }
func (a AttendanceMark) DocumentID() string   { return a.ID }

// StoredNotification is a notification persisted for a user.
type StoredNotification struct {
	ID        string   `json:"id" validate:"required"`
	UserID    string   `json:"user_id" validate:"required"`
	Kind      string   `json:"kind" validate:"required"`
	Message   string   `json:"message" validate:"required"`
	Severity  Severity `json:"severity" validate:"required,oneof=info success warning error alert"`
	CreatedAt int64    `json:"created_at" validate:"gt=0"`
	Read      bool     `json:"read"`
}

func (StoredNotification) Collection() Collection { return CollectionNotifications }
func (n StoredNotification) DocumentID() string   { return n.ID }

func newDocument(c Collection) (Document, error) {
	switch c {
	case CollectionStudents:
		return &Student{}, nil
	case CollectionTeachers:
		return &Teacher{}, nil
	case CollectionClasses:
		return &Class{}, nil
	case CollectionAttendance:
		return &AttendanceMark{}, nil
	case CollectionNotifications:
		return &StoredNotification{}, nil
	case CollectionRoles:
		return &Role{}, nil
	case CollectionRoleAssignments:
		return &RoleAssignment{}, nil
	case CollectionPermissions:
		return &Permission{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown collection %q", ErrInvalidRecord, c)
	}
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validate checks a document against its struct tags.
func Validate(doc Document) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})

	err := validate.Struct(doc)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	fields := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidRecord, strings.Join(fields, "; "))
}
