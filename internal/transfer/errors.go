package transfer

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies why a transfer stopped.
type Kind string

const (
	KindQueueFull  Kind = "queue_full"
	KindHTTPStatus Kind = "http_status"
	KindTransport  Kind = "transport"
	KindIntegrity  Kind = "integrity"
	KindCancelled  Kind = "cancelled"
	KindFilesystem Kind = "filesystem"
	KindUnknown    Kind = "unknown"
)

// ErrQueueFull is returned by submit when every worker slot is busy and the
// wait queue is at its limit. No task is created; callers retry later.
var ErrQueueFull = &Error{Kind: KindQueueFull}

// Error is the only error kind that crosses the scheduler boundary.
type Error struct {
	Kind       Kind   // Failure class
	Op         string // Step that failed (e.g. "request", "read_body", "rename")
	URL        string // Remote resource, if any
	StatusCode int    // HTTP status for KindHTTPStatus
	Resumable  bool   // Whether re-submitting the same id can continue the work
	Err        error  // Underlying error, if any
}

func (e *Error) Error() string {
	switch {
	case e.Kind == KindQueueFull:
		return "transfer queue is full"
	case e.StatusCode > 0:
		return fmt.Sprintf("%s error during %s (HTTP %d %s)", e.Kind, e.Op, e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("%s error during %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s error during %s", e.Kind, e.Op)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, ErrQueueFull)
// works on wrapped values.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}

	return t.Kind == e.Kind && t.Op == "" && t.Err == nil
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}

	return KindUnknown
}

// IsResumable reports whether err allows a later re-submit to continue.
func IsResumable(err error) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Resumable
	}

	return false
}

// IsTransientStatus reports whether an HTTP status indicates a server
// condition that may clear on its own.
func IsTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}
