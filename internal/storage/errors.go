package storage

import (
	"errors"
	"fmt"

	"github.com/aws/smithy-go"
)

var (
	// ErrTransfer wraps any failure moving archive bytes to the store.
	ErrTransfer = errors.New("transfer failed")

	// ErrTooManyParts is returned before a session is opened when the file
	// would need more parts than the store accepts in one session.
	ErrTooManyParts = errors.New("too many parts for multipart upload")

	// ErrSessionAbort marks a failed abort. It is logged, never returned to callers.
	ErrSessionAbort = errors.New("multipart abort failed")

	// ErrUnsupportedProvider is returned by the factory for unknown providers.
	ErrUnsupportedProvider = errors.New("unsupported storage provider")
)

// apiErrorCode extracts the service error code from an SDK error, if any.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// wrapAPIError annotates err with the service error code when one is present.
func wrapAPIError(op string, err error) error {
	if code := apiErrorCode(err); code != "" {
		return fmt.Errorf("failed to %s (%s): %w", op, code, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
