package api

import (
	"errors"
	"fmt"
)

// Extension code used when the provider reports nothing more specific.
const ErrCodeUnknown = "UNKNOWN"

// ErrCodeUnauthenticated is the extension code the provider attaches to
// authentication failures, both on HTTP 400 and embedded in 200 responses.
const ErrCodeUnauthenticated = "UNAUTHENTICATED"

// Sentinel errors classifying failures by whether blind retry can succeed.
// Login and demo-user rejections wrap ErrFatalHTTP so errors.Is matches both
// the specific and the generic kind.
var (
	ErrRetryableHTTP   = errors.New("retryable http error")
	ErrFatalHTTP       = errors.New("fatal http error")
	ErrInvalidLogin    = fmt.Errorf("invalid login: %w", ErrFatalHTTP)
	ErrDemoUser        = fmt.Errorf("not allowed for demo user: %w", ErrFatalHTTP)
	ErrNetwork         = errors.New("network error")
	ErrEndpointMissing = errors.New("subscription endpoint not initialized")
)

// HTTPError carries the status, extension code and message of a failed call.
// Kind is one of the sentinel errors above and is exposed through Unwrap so
// callers can dispatch with errors.Is and still read the details via
// errors.As.
type HTTPError struct {
	Status        int
	ExtensionCode string
	Message       string
	Kind          error
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%v: status %d code %s: %s", e.Kind, e.Status, e.ExtensionCode, e.Message)
}

func (e *HTTPError) Unwrap() error { return e.Kind }

// NewHTTPError builds an HTTPError of the given kind. An empty code falls
// back to ErrCodeUnknown.
func NewHTTPError(kind error, status int, code, message string) *HTTPError {
	if code == "" {
		code = ErrCodeUnknown
	}
	return &HTTPError{
		Status:        status,
		ExtensionCode: code,
		Message:       message,
		Kind:          kind,
	}
}
