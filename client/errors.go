package client

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AuthFailureID is the envelope id the backend uses for "session no longer valid".
const AuthFailureID = 5

var (
	// ErrAuthExpired marks a response carrying the session-expired sentinel.
	// Pipelines replay such requests instead of returning it; only calls that
	// bypass the queue (the login submission) can observe it.
	ErrAuthExpired = errors.New("client: session expired")

	// ErrClosed is returned for requests still queued when the client closes.
	ErrClosed = errors.New("client: closed")
)

// TransportError reports a call that produced no interpretable response:
// network failures, error statuses without an envelope, malformed bodies.
type TransportError struct {
	Op         string
	URL        string
	StatusCode int
	Body       []byte
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s %s: unexpected status %d", e.Op, e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("%s %s: malformed response", e.Op, e.URL)
	}
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is allows errors.Is(err, &TransportError{}) type checks.
func (e *TransportError) Is(target error) bool {
	_, ok := target.(*TransportError)
	return ok
}

// ApplicationError is a structured {status:"error"} envelope returned by the
// backend for any reason other than session expiry.
type ApplicationError struct {
	ID         int
	Message    string
	StatusCode int
	Envelope   json.RawMessage
}

func (e *ApplicationError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("application error (id %d)", e.ID)
	}
	return fmt.Sprintf("application error (id %d): %s", e.ID, e.Message)
}

// Unwrap exposes ErrAuthExpired for the session-expired sentinel id.
func (e *ApplicationError) Unwrap() error {
	if e.ID == AuthFailureID {
		return ErrAuthExpired
	}
	return nil
}

// Is allows errors.Is(err, &ApplicationError{}) type checks.
func (e *ApplicationError) Is(target error) bool {
	_, ok := target.(*ApplicationError)
	return ok
}

// ConfigurationError is returned immediately, without queueing, when the
// client lacks the settings needed to issue a call.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

// Is allows errors.Is(err, &ConfigurationError{}) type checks.
func (e *ConfigurationError) Is(target error) bool {
	_, ok := target.(*ConfigurationError)
	return ok
}
