package backend

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrNotConfirmed is returned when a destructive action is declined by the
// operator. The backend is never contacted in that case.
var ErrNotConfirmed = errors.New("action not confirmed")

// APIError is a non-2xx response from the backend. Error returns the
// backend's detail text unchanged so it can be shown to the operator as is.
type APIError struct {
	StatusCode int
	Detail     string
	Method     string
	Path       string
}

func (e *APIError) Error() string {
	if e == nil {
		return "backend error"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%s %s: %s", e.Method, e.Path, http.StatusText(e.StatusCode))
	}
	return e.Detail
}

// TransportError covers network failures and response bodies that could not
// be decoded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return "transport error"
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ValidationError describes input rejected locally before any request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsNotFound reports whether err is a backend 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var vErr *ValidationError
	return errors.As(err, &vErr)
}
