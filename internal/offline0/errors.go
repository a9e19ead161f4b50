package offline0

import (
	"errors"
	"net/http"

	perrors "github.com/jmgilman/go/errors"
)

var (
	// ErrReplayInProgress is returned by Replay when another replay pass holds the queue.
	ErrReplayInProgress = errors.New("replay already in progress")

	// ErrInstallFailed marks a worker whose shell seeding did not complete.
	ErrInstallFailed = errors.New("install failed")

	// ErrNoWaitingWorker is returned when SKIP_WAITING arrives with nothing waiting.
	ErrNoWaitingWorker = errors.New("no waiting worker")

	// ErrUnknownMessage is returned for lifecycle messages other than SKIP_WAITING.
	ErrUnknownMessage = errors.New("unknown message type")
)

func networkError(err error, url string) error {
	return perrors.WithContext(perrors.Wrap(err, perrors.CodeNetwork, "network request failed"), "url", url)
}

func statusError(resp *http.Response) error {
	err := perrors.Newf(perrors.CodeUnavailable, "unexpected status %d", resp.StatusCode)
	return perrors.WithContext(err, "status", resp.StatusCode)
}

func storeError(err error, op string) error {
	return perrors.WithContext(perrors.Wrap(err, perrors.CodeDatabase, "cache store "+op), "op", op)
}

// IsNetworkError reports whether err came from the transport rather than the server.
func IsNetworkError(err error) bool {
	return perrors.GetCode(err) == perrors.CodeNetwork
}
