// Package httpapi serves the academy and sync resolution operations as JSON.
package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/model"
)

// Academy is the authorized application surface the handlers call.
type Academy interface {
	Authenticate(token string) (string, error)

	CreateStudent(ctx context.Context, token string, student model.Student) (model.Student, error)
	UpdateStudent(ctx context.Context, token string, student model.Student) (model.Student, error)
	DeleteStudent(ctx context.Context, token string, studentID string) error
	ListStudents(ctx context.Context, token string) ([]model.Student, error)
	CreateTeacher(ctx context.Context, token string, teacher model.Teacher) (model.Teacher, error)
	CreateClass(ctx context.Context, token string, class model.Class) (model.Class, error)
	RecordAttendance(ctx context.Context, token string, mark model.AttendanceMark) (model.AttendanceMark, error)

	SyncState(ctx context.Context, token string) (model.SyncState, error)
	PendingOperations(ctx context.Context, token string) ([]model.PendingOperation, error)
	TriggerSync(ctx context.Context, token string) (bool, error)
	RetryOperation(ctx context.Context, token, opID string) error
	RetryAll(ctx context.Context, token string) (int, error)
	DiscardOperation(ctx context.Context, token, opID string) error
}

// Notifications is the notification gateway as seen by the handlers.
type Notifications interface {
	Active() []model.Event
	Dismiss(id string) bool
	Subscribe(handler func(model.Event)) func()
}

const (
	tokenKey = "token"
	userKey  = "user_id"
)

// Router builds the HTTP API.
type Router struct {
	academy       Academy
	notifications Notifications
	logger        *logger.Logger
}

func New(academy Academy, notifications Notifications, logger *logger.Logger) *Router {
	return &Router{
		academy:       academy,
		notifications: notifications,
		logger:        logger,
	}
}

// Register creates the echo instance with request logging, panic recovery and
// bearer authentication, and mounts the v1 routes.
func (r *Router) Register() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = newHTTPErrorHandler(r.logger)

	e.Pre(middleware.RemoveTrailingSlash())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			r.logger.Info("HTTP request completed",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"duration_ms", v.Latency.Milliseconds(),
				"user_id", c.Get(userKey))
			return nil
		},
	}))
	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			r.logger.Error("recovered from panic", "error", err, "uri", c.Request().RequestURI, "stack", string(stack))
			return err
		},
	}))

	v1 := e.Group("/v1", bearerAuth(r.academy))
	registerAcademyAPI(v1, r.academy)
	registerSyncAPI(v1, r.academy)
	registerNotificationAPI(v1, r.notifications)

	return e
}

// bearerAuth authenticates the Authorization bearer token and keeps it on the
// context for the handlers.
func bearerAuth(academy Academy) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization,
		AuthScheme: "Bearer",
		Validator: func(token string, c echo.Context) (bool, error) {
			userID, err := academy.Authenticate(token)
			if err != nil {
				return false, err
			}
			c.Set(tokenKey, token)
			c.Set(userKey, userID)
			return true, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			if errors.Is(err, model.ErrInvalidToken) {
				return err
			}
			return fmt.Errorf("%w: %v", model.ErrInvalidToken, err)
		},
	})
}

func callerToken(c echo.Context) string {
	token, _ := c.Get(tokenKey).(string)
	return token
}
