package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrInvalidCredentials = errors.New("incorrect credentials")
)

// TransportError is a failure to reach the backend or to read its reply.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("communication error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// APIError is a non-2xx response. Detail carries the backend's "detail" field, or the raw body.
type APIError struct {
	StatusCode int
	Detail     string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("backend returned %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("backend returned %d: %s", e.StatusCode, e.Detail)
}

func (e *APIError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	}
	return false
}

type Category string

const (
	CategoryTransport    Category = "transport"
	CategoryUnauthorized Category = "unauthorized"
	CategoryForbidden    Category = "forbidden"
	CategoryApplication  Category = "application"
	CategoryUnexpected   Category = "unexpected"
)

// Classify places err in one of the five failure categories.
func Classify(err error) Category {
	var transportErr *TransportError
	var apiErr *APIError
	switch {
	case errors.As(err, &transportErr):
		return CategoryTransport
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrInvalidCredentials):
		return CategoryUnauthorized
	case errors.Is(err, ErrForbidden):
		return CategoryForbidden
	case errors.As(err, &apiErr):
		return CategoryApplication
	default:
		return CategoryUnexpected
	}
}

// UserMessage renders err as the line shown next to the action that failed.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	switch Classify(err) {
	case CategoryTransport:
		var transportErr *TransportError
		errors.As(err, &transportErr)
		return fmt.Sprintf("Communication error with the API: %v", transportErr.Err)
	case CategoryUnauthorized:
		if errors.Is(err, ErrInvalidCredentials) {
			return "Incorrect username or password."
		}
		return "Your session has expired. Please log in again."
	case CategoryForbidden:
		return "You are logged in but not allowed to perform this action."
	case CategoryApplication:
		var apiErr *APIError
		errors.As(err, &apiErr)
		if apiErr.Detail != "" {
			return apiErr.Detail
		}
		return apiErr.Error()
	default:
		return fmt.Sprintf("An unexpected error occurred: %v", err)
	}
}
