package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/model"
)

// Authorizer checks a caller's permission on a resource.
type Authorizer interface {
	Authorize(ctx context.Context, userID, resource, action string) error
}

// IdentityParser resolves the caller behind an access token.
type IdentityParser interface {
	ParseAccessToken(token string) (string, error)
}

// Syncer is the part of the sync engine local writes and resolution report to.
type Syncer interface {
	State() model.SyncState
	Refresh(ctx context.Context) (model.SyncState, error)
	TriggerSync(ctx context.Context) bool
	Retry(ctx context.Context, opID string) error
	RetryAll(ctx context.Context) (int, error)
	Discard(ctx context.Context, opID string) error
}

type AcademyOptions struct {
	// AbsenceAlertThreshold is the absence count in one class that raises an alert; zero disables it.
	AbsenceAlertThreshold int
}

// Academy applies administrative writes to the local store on behalf of an
// authenticated caller. Every write is optimistic and reaches the remote on
// the next sync cycle.
type Academy struct {
	store    model.LocalStore
	authz    Authorizer
	tokens   IdentityParser
	syncer   Syncer
	notifier Notifier
	opts     AcademyOptions
	logger   *logger.Logger

	now   func() time.Time
	newID func() string
}

func NewAcademy(
	store model.LocalStore,
	authz Authorizer,
	tokens IdentityParser,
	syncer Syncer,
	notifier Notifier,
	opts AcademyOptions,
	logger *logger.Logger,
) *Academy {
	return &Academy{
		store:    store,
		authz:    authz,
		tokens:   tokens,
		syncer:   syncer,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// caller authenticates the token and authorizes the action.
func (s *Academy) caller(ctx context.Context, token, resource, action string) (string, error) {
	userID, err := s.Authenticate(token)
	if err != nil {
		return "", err
	}
	if err := s.authz.Authorize(ctx, userID, resource, action); err != nil {
		s.logger.Warn("access denied", "user_id", userID, "resource", resource, "action", action)
		return "", err
	}
	return userID, nil
}

func (s *Academy) write(ctx context.Context, doc model.Document, kind model.OperationKind) error {
	rec, err := model.NewRecord(doc, 0, s.now())
	if err != nil {
		return err
	}
	return s.mutate(ctx, rec, kind)
}

func (s *Academy) mutate(ctx context.Context, rec model.Record, kind model.OperationKind) error {
	op, err := s.store.Mutate(ctx, rec, kind)
	if err != nil {
		if errors.Is(err, model.ErrStorageQuotaExceeded) {
			s.notify(ctx, model.Event{
				Kind:     model.EventStorageFull,
				Message:  "Local storage is full; the change was not saved.",
				Severity: model.SeverityError,
				Class:    model.ClassPersistent,
			})
		}
		return err
	}
	s.logger.Debug("local change queued", "op_id", op.ID, "key", op.Key.String(), "kind", op.Kind, "revision", op.Revision)

	if _, err := s.syncer.Refresh(ctx); err != nil {
		s.logger.Warn("failed to refresh sync counters", "error", err)
	}
	s.syncer.TriggerSync(ctx)
	return nil
}

// requireLive fails with ErrNotFound unless the record exists and is not deleted.
func (s *Academy) requireLive(ctx context.Context, key model.Key) error {
	rec, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	if rec.Deleted {
		return fmt.Errorf("%w: %s", model.ErrNotFound, key)
	}
	return nil
}

func (s *Academy) CreateStudent(ctx context.Context, token string, student model.Student) (model.Student, error) {
	if _, err := s.caller(ctx, token, model.ResourceStudents, model.ActionCreate); err != nil {
		return model.Student{}, err
	}
	if student.ID == "" {
		student.ID = s.newID()
	}
	if err := s.write(ctx, student, model.OperationCreate); err != nil {
		return model.Student{}, fmt.Errorf("failed to create student: %w", err)
	}
	return student, nil
}

func (s *Academy) UpdateStudent(ctx context.Context, token string, student model.Student) (model.Student, error) {
	if _, err := s.caller(ctx, token, model.ResourceStudents, model.ActionUpdate); err != nil {
		return model.Student{}, err
	}
	if err := s.requireLive(ctx, model.Key{Collection: model.CollectionStudents, ID: student.ID}); err != nil {
		return model.Student{}, fmt.Errorf("failed to update student: %w", err)
	}
	if err := s.write(ctx, student, model.OperationUpdate); err != nil {
		return model.Student{}, fmt.Errorf("failed to update student: %w", err)
	}
	return student, nil
}

// DeleteStudent soft-deletes the student; the last payload travels with the delete.
func (s *Academy) DeleteStudent(ctx context.Context, token string, studentID string) error {
	if _, err := s.caller(ctx, token, model.ResourceStudents, model.ActionDelete); err != nil {
		return err
	}
	key := model.Key{Collection: model.CollectionStudents, ID: studentID}
	if err := s.requireLive(ctx, key); err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	rec := model.Record{Collection: key.Collection, ID: key.ID, UpdatedAt: s.now()}
	if err := s.mutate(ctx, rec, model.OperationDelete); err != nil {
		return fmt.Errorf("failed to delete student: %w", err)
	}
	return nil
}

// ListStudents returns the live students ordered by id.
func (s *Academy) ListStudents(ctx context.Context, token string) ([]model.Student, error) {
	if _, err := s.caller(ctx, token, model.ResourceStudents, model.ActionRead); err != nil {
		return nil, err
	}
	records, err := s.store.List(ctx, model.CollectionStudents)
	if err != nil {
		return nil, fmt.Errorf("failed to list students: %w", err)
	}

	students := make([]model.Student, 0, len(records))
	for _, rec := range records {
		doc, err := rec.Decode()
		if err != nil {
			return nil, err
		}
		students = append(students, *doc.(*model.Student))
	}
	return students, nil
}

func (s *Academy) CreateTeacher(ctx context.Context, token string, teacher model.Teacher) (model.Teacher, error) {
	if _, err := s.caller(ctx, token, model.ResourceTeachers, model.ActionCreate); err != nil {
		return model.Teacher{}, err
	}
	if teacher.ID == "" {
		teacher.ID = s.newID()
	}
	if err := s.write(ctx, teacher, model.OperationCreate); err != nil {
		return model.Teacher{}, fmt.Errorf("failed to create teacher: %w", err)
	}
	return teacher, nil
}

// CreateClass schedules a class; its teacher and students must exist locally.
func (s *Academy) CreateClass(ctx context.Context, token string, class model.Class) (model.Class, error) {
	if _, err := s.caller(ctx, token, model.ResourceClasses, model.ActionCreate); err != nil {
		return model.Class{}, err
	}
	if class.ID == "" {
		class.ID = s.newID()
	}
	if err := s.requireLive(ctx, model.Key{Collection: model.CollectionTeachers, ID: class.TeacherID}); err != nil {
		return model.Class{}, fmt.Errorf("failed to create class: teacher: %w", err)
	}
	for _, studentID := range class.StudentIDs {
		if err := s.requireLive(ctx, model.Key{Collection: model.CollectionStudents, ID: studentID}); err != nil {
			return model.Class{}, fmt.Errorf("failed to create class: student: %w", err)
		}
	}
	if err := s.write(ctx, class, model.OperationCreate); err != nil {
		return model.Class{}, fmt.Errorf("failed to create class: %w", err)
	}
	return class, nil
}

// RecordAttendance stores an attendance mark by the caller. An absence that
// brings the student's absences in the class to the threshold raises a
// persistent alert.
func (s *Academy) RecordAttendance(ctx context.Context, token string, mark model.AttendanceMark) (model.AttendanceMark, error) {
	userID, err := s.caller(ctx, token, model.ResourceAttendance, model.ActionCreate)
	if err != nil {
		return model.AttendanceMark{}, err
	}
	if mark.ID == "" {
		mark.ID = s.newID()
	}
	mark.MarkedBy = userID

	if err := s.requireLive(ctx, model.Key{Collection: model.CollectionClasses, ID: mark.ClassID}); err != nil {
		return model.AttendanceMark{}, fmt.Errorf("failed to record attendance: class: %w", err)
	}
	if err := s.requireLive(ctx, model.Key{Collection: model.CollectionStudents, ID: mark.StudentID}); err != nil {
		return model.AttendanceMark{}, fmt.Errorf("failed to record attendance: student: %w", err)
	}

	if err := s.write(ctx, mark, model.OperationCreate); err != nil {
		return model.AttendanceMark{}, fmt.Errorf("failed to record attendance: %w", err)
	}

	if mark.Status == model.AttendanceAbsent && s.opts.AbsenceAlertThreshold > 0 {
		absences, err := s.countAbsences(ctx, mark.ClassID, mark.StudentID)
		if err != nil {
			s.logger.Error("failed to count absences", "student_id", mark.StudentID, "class_id", mark.ClassID, "error", err)
			return mark, nil
		}
		if absences == s.opts.AbsenceAlertThreshold {
			s.notify(ctx, model.Event{
				Kind:     model.EventAttendanceAlert,
				Message:  fmt.Sprintf("Student %s has missed %d lessons of class %s.", mark.StudentID, absences, mark.ClassID),
				Severity: model.SeverityAlert,
				Class:    model.ClassPersistent,
			})
		}
	}
	return mark, nil
}

func (s *Academy) countAbsences(ctx context.Context, classID, studentID string) (int, error) {
	records, err := s.store.List(ctx, model.CollectionAttendance)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, rec := range records {
		doc, err := rec.Decode()
		if err != nil {
			return 0, err
		}
		m := doc.(*model.AttendanceMark)
		if m.ClassID == classID && m.StudentID == studentID && m.Status == model.AttendanceAbsent {
			n++
		}
	}
	return n, nil
}

// SyncState returns the engine counters and status.
func (s *Academy) SyncState(ctx context.Context, token string) (model.SyncState, error) {
	if _, err := s.caller(ctx, token, model.ResourceSync, model.ActionRead); err != nil {
		return model.SyncState{}, err
	}
	return s.syncer.State(), nil
}

// PendingOperations lists the queued and failed operations in enqueue order.
func (s *Academy) PendingOperations(ctx context.Context, token string) ([]model.PendingOperation, error) {
	if _, err := s.caller(ctx, token, model.ResourceSync, model.ActionRead); err != nil {
		return nil, err
	}
	ops, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending operations: %w", err)
	}
	return ops, nil
}

// TriggerSync asks for a cycle and reports whether one was started.
func (s *Academy) TriggerSync(ctx context.Context, token string) (bool, error) {
	if _, err := s.caller(ctx, token, model.ResourceSync, model.ActionUpdate); err != nil {
		return false, err
	}
	return s.syncer.TriggerSync(ctx), nil
}

func (s *Academy) RetryOperation(ctx context.Context, token, opID string) error {
	userID, err := s.caller(ctx, token, model.ResourceSync, model.ActionUpdate)
	if err != nil {
		return err
	}
	if err := s.syncer.Retry(ctx, opID); err != nil {
		return err
	}
	s.logger.Info("failed operation requeued", "op_id", opID, "user_id", userID)
	return nil
}

// RetryAll requeues every failed operation and returns how many there were.
func (s *Academy) RetryAll(ctx context.Context, token string) (int, error) {
	if _, err := s.caller(ctx, token, model.ResourceSync, model.ActionUpdate); err != nil {
		return 0, err
	}
	return s.syncer.RetryAll(ctx)
}

func (s *Academy) DiscardOperation(ctx context.Context, token, opID string) error {
	userID, err := s.caller(ctx, token, model.ResourceSync, model.ActionDelete)
	if err != nil {
		return err
	}
	if err := s.syncer.Discard(ctx, opID); err != nil {
		return err
	}
	s.logger.Info("failed operation discarded", "op_id", opID, "user_id", userID)
	return nil
}

// Authenticate resolves the caller behind token without checking a permission.
func (s *Academy) Authenticate(token string) (string, error) {
	userID, err := s.tokens.ParseAccessToken(token)
	if err != nil {
		return "", fmt.Errorf("failed to authenticate caller: %w", err)
	}
	return userID, nil
}

func (s *Academy) notify(ctx context.Context, event model.Event) {
	if s.notifier != nil {
		s.notifier.Notify(ctx, event)
	}
}
