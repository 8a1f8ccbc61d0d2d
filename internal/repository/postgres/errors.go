package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dtroode/academysync/internal/model"
)

// classify maps a driver error onto the domain error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%w: %s (%s)", classifyCode(pgErr.Code), pgErr.Message, pgErr.Code)
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded), pgconn.Timeout(err):
		return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
	}

	if pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
	}

	return err
}

func classifyCode(code string) error {
	switch {
	case code == "42501", strings.HasPrefix(code, "28"):
		// insufficient_privilege, invalid_authorization_specification
		return model.ErrPermissionDenied
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"),
		code == "40001", code == "40P01":
		// connection, resources, operator intervention, serialization, deadlock
		return model.ErrNetworkUnavailable
	default:
		return model.ErrRemoteValidation
	}
}
