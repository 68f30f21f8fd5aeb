package worldsync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrStorageUnavailable means no usable persistence backend could be opened.
	ErrStorageUnavailable = errors.New("worldsync: storage unavailable")
	// ErrNotFound means the record or setting is absent in every reachable source.
	ErrNotFound = errors.New("worldsync: not found")
	// ErrRemoteUnreachable covers network failures and timeouts.
	ErrRemoteUnreachable = errors.New("worldsync: remote unreachable")
	// ErrRemoteRejected covers non-success responses other than auth failures.
	ErrRemoteRejected = errors.New("worldsync: remote rejected request")
	// ErrAuth means the remote refused the credentials.
	ErrAuth = errors.New("worldsync: remote rejected credentials")
	// ErrQueueOverflow is reported when the pending queue passes its warn threshold.
	ErrQueueOverflow = errors.New("worldsync: pending queue over threshold")
	// ErrMaxRetriesExceeded is reported for ops and cycles that ran out of attempts.
	ErrMaxRetriesExceeded = errors.New("worldsync: max retries exceeded")
	// ErrSyncInProgress is returned when a cycle is requested while one is running.
	ErrSyncInProgress = errors.New("worldsync: sync already in progress")
	// ErrCloudDisabled is returned by remote-only operations when cloud sync is off.
	ErrCloudDisabled = errors.New("worldsync: cloud sync disabled")
	// ErrInvalidWorld is returned for worlds that fail validation before saving.
	ErrInvalidWorld = errors.New("worldsync: invalid world")
)

// RemoteError is a failed call against the remote service.
type RemoteError struct {
	Op      string `json:"-"`
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

func (e *RemoteError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%s: HTTP %d: %s", e.Op, e.Status, e.Message)
	default:
		return fmt.Sprintf("%s: HTTP %d", e.Op, e.Status)
	}
}

// Unwrap maps the failure onto one of the package sentinels so callers can
// use errors.Is without inspecting status codes.
func (e *RemoteError) Unwrap() []error {
	var kind error
	switch {
	case e.Status == 0:
		kind = ErrRemoteUnreachable
	case e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden:
		kind = ErrAuth
	case e.Status == http.StatusNotFound:
		kind = ErrNotFound
	case e.Status == http.StatusRequestTimeout || e.Status == http.StatusGatewayTimeout:
		kind = ErrRemoteUnreachable
	default:
		kind = ErrRemoteRejected
	}
	if e.Err != nil {
		return []error{kind, e.Err}
	}
	return []error{kind}
}

// IsRemoteFailure reports whether err came from the remote side rather than
// local storage.
func IsRemoteFailure(err error) bool {
	return errors.Is(err, ErrRemoteUnreachable) ||
		errors.Is(err, ErrRemoteRejected) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrCloudDisabled)
}
