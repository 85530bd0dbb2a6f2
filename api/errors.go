package api

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrJobCanceled is returned by Heartbeat when the control plane rejects
	// the report because the job was canceled.
	ErrJobCanceled = errors.New("api: job canceled")
)

// StatusError is a non-2xx response from the control plane or the storage
// gateway.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Temporary reports whether the status is in the server error range.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= http.StatusInternalServerError
}

// IsStatus reports whether err wraps a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// IsPermanent reports whether err wraps a 4xx StatusError.
func IsPermanent(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500
}
