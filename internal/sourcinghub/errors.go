package sourcinghub

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the requested tenant, table, row, or submission
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidInput indicates malformed caller input; the caller must fix
	// the request before retrying.
	ErrInvalidInput = errors.New("invalid input")
	// ErrInvalidState indicates an operation that is not legal for the
	// current lifecycle state of its target.
	ErrInvalidState = errors.New("invalid state")
	// ErrAuth indicates a rejected credential exchange or an access token the
	// remote refused even after one refresh.
	ErrAuth = errors.New("authorization failed")
	// ErrTransientRemote indicates a network or server-side failure that
	// exhausted its retry budget.
	ErrTransientRemote = errors.New("transient remote failure")
	// ErrPermanentRemote indicates the remote rejected the request in a way
	// retrying cannot fix, such as an unknown table or recipient.
	ErrPermanentRemote = errors.New("permanent remote failure")
	// ErrStorage indicates local durable persistence failed.
	ErrStorage = errors.New("storage failure")
	// ErrPollInProgress indicates another poll of the same tenant and table
	// is still running.
	ErrPollInProgress = errors.New("poll already in progress")
)

// ErrorKind names the error taxonomy bucket an error falls into, for
// per-item failure reporting.
type ErrorKind string

const (
	KindAuth            ErrorKind = "auth"
	KindValidation      ErrorKind = "validation"
	KindTransientRemote ErrorKind = "transient_remote"
	KindPermanentRemote ErrorKind = "permanent_remote"
	KindStorage         ErrorKind = "storage"
	KindConflict        ErrorKind = "conflict"
	KindUnknown         ErrorKind = "unknown"
)

// ClassifyError maps an error onto its taxonomy bucket.
func ClassifyError(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrInvalidInput):
		return KindValidation
	case errors.Is(err, ErrTransientRemote):
		return KindTransientRemote
	case errors.Is(err, ErrPermanentRemote):
		return KindPermanentRemote
	case errors.Is(err, ErrStorage):
		return KindStorage
	case errors.Is(err, ErrPollInProgress):
		return KindConflict
	default:
		return KindUnknown
	}
}

// RemoteError reports a failed call against the remote data source. Retryable
// errors match ErrTransientRemote, auth failures match ErrAuth, the rest
// match ErrPermanentRemote.
type RemoteError struct {
	StatusCode int
	Code       string
	Message    string
	Retryable  bool
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote request failed: %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("remote request failed: %d: %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Is(target error) bool {
	switch target {
	case ErrAuth:
		return e.StatusCode == 401 || e.StatusCode == 403
	case ErrTransientRemote:
		return e.Retryable
	case ErrPermanentRemote:
		return !e.Retryable && e.StatusCode != 401 && e.StatusCode != 403
	default:
		return false
	}
}

// DeliveryError reports a failed submission dispatch. Retryable failures
// match ErrTransientRemote; permanent rejections match ErrPermanentRemote.
type DeliveryError struct {
	Route     string
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Route, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func (e *DeliveryError) Is(target error) bool {
	switch target {
	case ErrTransientRemote:
		return e.Retryable
	case ErrPermanentRemote:
		return !e.Retryable
	default:
		return false
	}
}

// ValidationError carries the individual messages produced while validating a
// registration or submission. It matches ErrInvalidInput.
type ValidationError struct {
	Messages []string
}

func (e *ValidationError) Error() string {
	if len(e.Messages) == 0 {
		return "validation failed"
	}
	if len(e.Messages) == 1 {
		return "validation failed: " + e.Messages[0]
	}
	return fmt.Sprintf("validation failed: %s (and %d more)", e.Messages[0], len(e.Messages)-1)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}
