package auth

import "errors"

// Sentinel errors returned by the auth service and token manager.
// Callers should use errors.Is for comparison.
var (
	// ErrInvalidCredentials is returned when username/password do not match.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrOperatorNotFound is returned when no operator exists for the given id.
	ErrOperatorNotFound = errors.New("auth: operator not found")

	// ErrTokenExpired is returned when a JWT has expired.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or verified.
	ErrTokenInvalid = errors.New("auth: token invalid")
)
