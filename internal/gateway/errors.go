package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/wolfeidau/estatedash/internal/session"
)

// ErrUnauthorized is matched by errors returned when a protected call failed
// authorization and a refresh did not resolve it.
var ErrUnauthorized = errors.New("gateway unauthorized")

// APIError is a non-2xx gateway response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       []byte
}

func (e *APIError) Error() string {
	msg := http.StatusText(e.StatusCode)
	if e.Message != "" {
		msg = e.Message
	}
	return fmt.Sprintf("gateway %s %s: status %d: %s", e.Method, e.Path, e.StatusCode, msg)
}

// Unauthorized reports whether the gateway rejected the credentials.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// NotFound reports whether the resource does not exist.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

func newAPIError(method, path string, status int, body []byte) *APIError {
	apiErr := &APIError{Method: method, Path: path, StatusCode: status, Body: body}

	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &payload) == nil {
		apiErr.Message = payload.Message
		if apiErr.Message == "" {
			apiErr.Message = payload.Error
		}
	}

	return apiErr
}

// UnauthorizedError is returned when a protected call could not be
// authorized. Intent is set when the session was ended and the renderer must
// navigate to the login page.
type UnauthorizedError struct {
	Intent *session.NavigationIntent
	Err    error
}

func (e *UnauthorizedError) Error() string {
	if e.Intent != nil {
		return fmt.Sprintf("session expired: %v", e.Err)
	}
	return fmt.Sprintf("unauthorized: %v", e.Err)
}

func (e *UnauthorizedError) Unwrap() error {
	return e.Err
}

func (e *UnauthorizedError) Is(target error) bool {
	return target == ErrUnauthorized
}

// RedirectIntent returns the navigation intent carried by err, if any.
func RedirectIntent(err error) (session.NavigationIntent, bool) {
	var unauthorized *UnauthorizedError
	if errors.As(err, &unauthorized) && unauthorized.Intent != nil {
		return *unauthorized.Intent, true
	}
	return session.NavigationIntent{}, false
}
