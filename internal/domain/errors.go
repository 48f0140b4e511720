package domain

import "errors"

// Stable error strings surfaced to the browser inside api-response.error.
// The peer-not-connected wording is part of the client contract.
var (
	ErrPeerUnavailable  = errors.New("Mac peer not connected")
	ErrPeerDisconnected = errors.New("Mac peer disconnected")
	ErrRequestTimeout   = errors.New("request timed out")
	ErrSessionInvalid   = errors.New("Unauthorized: Invalid session")
	ErrConnectionClosed = errors.New("connection closed")
)

// ValidationError marks malformed payloads: bad coordinates, unknown
// endpoints, low-entropy session ids.
type ValidationError struct {
	Reason string
}

func NewValidationError(reason string) *ValidationError {
	return &ValidationError{Reason: reason}
}

func (e *ValidationError) Error() string { return e.Reason }

func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// AuthenticationError refuses a browser upgrade before any session state is
// touched.
type AuthenticationError struct {
	Reason string
}

func NewAuthenticationError(reason string) *AuthenticationError {
	return &AuthenticationError{Reason: reason}
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Reason }
