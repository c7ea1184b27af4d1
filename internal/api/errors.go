package api

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds. Match with errors.Is(err, api.ErrNotFound).
var (
	ErrAuth       = errors.New("authentication required")
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrNetwork    = errors.New("network failure")
	ErrServer     = errors.New("server error")
)

// Error is returned by every Client call that fails.
type Error struct {
	Kind       error
	StatusCode int // 0 when the request never got a response
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("%v (%d): %s", e.Kind, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v (%d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.Message != "":
		return fmt.Sprintf("%v: %s", e.Kind, e.Message)
	}
	return e.Kind.Error()
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func kindForStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return ErrValidation
	case status >= 500:
		return ErrServer
	}
	// Remaining 4xx (409, 429...) are surfaced as server-side refusals.
	return ErrServer
}

func statusError(status int, message string) *Error {
	return &Error{Kind: kindForStatus(status), StatusCode: status, Message: message}
}

func networkError(err error) *Error {
	return &Error{Kind: ErrNetwork, Err: err}
}

func validationError(message string) *Error {
	return &Error{Kind: ErrValidation, Message: message}
}
