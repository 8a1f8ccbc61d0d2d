package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/minio/minio-go/v7"

	"github.com/dtroode/academysync/internal/model"
)

func isNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}

// classify maps an S3 error response onto the domain error taxonomy.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
	}

	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "AccessDenied", resp.Code == "InvalidAccessKeyId", resp.Code == "SignatureDoesNotMatch",
		resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %v", model.ErrPermissionDenied, err)
	case resp.Code == "SlowDown", resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %v", model.ErrNetworkUnavailable, err)
	case resp.Code != "", resp.StatusCode != 0:
		return fmt.Errorf("%w: %v", model.ErrRemoteValidation, err)
	default:
		return err
	}
}
