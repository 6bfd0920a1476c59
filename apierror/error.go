// Package apierror provides a status-coded error for remote fetch and
// write failures, so that cache consumers can interpret why a resource
// could not be produced.
package apierror

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error is the type of error returned by a remote resource endpoint. It
// carries an HTTP status code so that callers can distinguish, for
// example, a missing resource from a failing one.
type Error struct {
	err    error
	status int
}

// ErrorMessage is the JSON form of an Error used on the wire.
type ErrorMessage struct {
	Message string `json:",omitempty"`
	Status  int    `json:",omitempty"`
}

func New(err error, status int) *Error {
	return &Error{
		err:    err,
		status: status,
	}
}

// FromResponse builds an error from a response status and body. If the
// body is a JSON ErrorMessage its message is used, otherwise the body text
// is used as is.
func FromResponse(status int, body []byte) error {
	var err error
	text := strings.TrimSpace(string(body))
	if text != "" {
		var em ErrorMessage
		if jerr := json.Unmarshal([]byte(text), &em); jerr == nil && em.Message != "" {
			err = errors.New(em.Message)
			if status == 0 {
				status = em.Status
			}
		} else {
			err = errors.New(text)
		}
	}
	if status == 0 {
		return err
	}
	return New(err, status)
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.err.Error()
	}
	if e.status == 0 {
		return ""
	}
	// If there is only status, then return status text
	if text := http.StatusText(e.status); text != "" {
		return fmt.Sprintf("%d %s", e.status, text)
	}
	return fmt.Sprintf("%d", e.status)
}

func (e *Error) Status() int {
	return e.status
}

func (e *Error) Unwrap() error {
	return e.err
}

// IsNotFound reports whether err is an Error with a 404 status, meaning
// the resource does not exist at the endpoint rather than the endpoint
// failing.
func IsNotFound(err error) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Status() == http.StatusNotFound
}
