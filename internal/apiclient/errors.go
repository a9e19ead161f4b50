package apiclient

import (
	"errors"
	"fmt"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
)

// ErrQueued matches every QueuedError.
var ErrQueued = errors.New("request queued for later delivery")

// QueuedError reports a write that could not reach the API and was stored in
// the offline mutation queue instead. It is not a failure of the write.
type QueuedError struct {
	MutationID string
	Cause      error
}

func (e *QueuedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("queued as %s", e.MutationID)
	}
	return fmt.Sprintf("queued as %s: %v", e.MutationID, e.Cause)
}

func (e *QueuedError) Is(target error) bool { return target == ErrQueued }

func (e *QueuedError) Unwrap() error { return e.Cause }

// IsQueued reports whether err means the request was queued.
func IsQueued(err error) bool { return errors.Is(err, ErrQueued) }

func statusError(status int, method, path string) error {
	code := perrors.CodeUnavailable
	switch status {
	case http.StatusUnauthorized:
		code = perrors.CodeUnauthorized
	case http.StatusForbidden:
		code = perrors.CodeForbidden
	case http.StatusNotFound:
		code = perrors.CodeNotFound
	case http.StatusConflict:
		code = perrors.CodeConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		code = perrors.CodeInvalidInput
	}
	err := perrors.Newf(code, "%s %s: status %d", method, path, status)
	return perrors.WithContext(err, "status", status)
}
