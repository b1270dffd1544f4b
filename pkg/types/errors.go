package types

import (
	"errors"
	"fmt"
	"net/http"
	"unicode/utf8"
)

// maxErrorBody caps the response body quoted in RemoteAPIError messages, in bytes.
const maxErrorBody = 300

var (
	// ErrNotConfigured indicates that a required credential or base URL is missing.
	ErrNotConfigured = errors.New("not configured")

	// ErrReadOnlyViolation indicates an append to a read-only block.
	ErrReadOnlyViolation = errors.New("read-only block")

	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrParse indicates malformed structured output from the generation service.
	ErrParse = errors.New("parse error")

	// ErrUnauthorized indicates rejected credentials.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")
)

// RemoteAPIError is returned when an external service answers with a
// non-success status. It matches ErrNotFound (404) and ErrUnauthorized
// (401/403) through errors.Is.
type RemoteAPIError struct {
	Service string
	Status  int
	Body    string
}

func (e *RemoteAPIError) Error() string {
	body := e.Body
	if len(body) > maxErrorBody {
		cut := maxErrorBody
		for cut > 0 && !utf8.RuneStart(body[cut]) {
			cut--
		}
		body = body[:cut] + "..."
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, body)
}

// Is maps HTTP status codes onto the sentinel taxonomy.
func (e *RemoteAPIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
	}
	return false
}

// NewRemoteAPIError builds a RemoteAPIError for service.
func NewRemoteAPIError(service string, status int, body string) *RemoteAPIError {
	return &RemoteAPIError{Service: service, Status: status, Body: body}
}
