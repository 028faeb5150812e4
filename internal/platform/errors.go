package platform

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// TransientError is a failure that may succeed if retried later:
// 5xx, 408, 429, network errors, timeouts and malformed responses.
type TransientError struct {
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *TransientError) Error() string { return formatErr("transient", e.Op, e.Status, e.Msg, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError is a request the platform rejected outright (4xx other than
// 408 and 429). Retrying the same content will fail again.
type PermanentError struct {
	Op     string
	Status int
	Msg    string
	Err    error
}

func (e *PermanentError) Error() string { return formatErr("permanent", e.Op, e.Status, e.Msg, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

func formatErr(kind, op string, status int, msg string, err error) string {
	s := op + ": " + kind
	if status > 0 {
		s += fmt.Sprintf(" (http %d)", status)
	}
	if msg != "" {
		s += ": " + msg
	}
	if err != nil {
		s += ": " + err.Error()
	}
	return s
}

// IsPermanent reports whether err (or anything it wraps) is a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// IsTransient reports whether err should be retried. Unknown errors count as transient.
func IsTransient(err error) bool {
	return err != nil && !IsPermanent(err)
}

// statusError maps an HTTP error status to the classified error.
func statusError(op string, status int, msg string) error {
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return &TransientError{Op: op, Status: status, Msg: msg}
	case status >= 400:
		return &PermanentError{Op: op, Status: status, Msg: msg}
	default:
		return &TransientError{Op: op, Status: status, Msg: msg}
	}
}

// transportError wraps a failure that happened before a status was received.
func transportError(op string, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return &TransientError{Op: op, Msg: "canceled", Err: err}
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return &TransientError{Op: op, Msg: "timeout", Err: err}
	default:
		return &TransientError{Op: op, Err: err}
	}
}
