package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dtroode/academysync/internal/logger"
	"github.com/dtroode/academysync/internal/model"
)

var errorCodes = []struct {
	err  error
	code int
}{
	{model.ErrInvalidToken, http.StatusUnauthorized},
	{model.ErrPermissionDenied, http.StatusForbidden},
	{model.ErrNotFound, http.StatusNotFound},
	{model.ErrAlreadyExists, http.StatusConflict},
	{model.ErrOperationQueued, http.StatusConflict},
	{model.ErrSyncInProgress, http.StatusConflict},
	{model.ErrInvalidRecord, http.StatusBadRequest},
	{model.ErrRemoteValidation, http.StatusUnprocessableEntity},
	{model.ErrStorageQuotaExceeded, http.StatusInsufficientStorage},
	{model.ErrSyncStopped, http.StatusServiceUnavailable},
	{model.ErrNetworkUnavailable, http.StatusServiceUnavailable},
}

// statusOf maps err onto a status code and a client-facing message. Unknown
// errors are internal and keep their detail out of the response.
func statusOf(err error) (int, string) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		if msg, ok := httpErr.Message.(string); ok {
			return httpErr.Code, msg
		}
		return httpErr.Code, http.StatusText(httpErr.Code)
	}
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code, err.Error()
		}
	}
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func newHTTPErrorHandler(logger *logger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code, message := statusOf(err)
		if code >= http.StatusInternalServerError {
			logger.Error("HTTP request failed",
				"method", c.Request().Method,
				"path", c.Path(),
				"status", code,
				"error", err.Error())
		}

		var respErr error
		if c.Request().Method == http.MethodHead {
			respErr = c.NoContent(code)
		} else {
			respErr = c.JSON(code, echo.Map{"error": message})
		}
		if respErr != nil {
			logger.Error("failed to write error response", "error", respErr)
		}
	}
}
