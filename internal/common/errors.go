// Package common defines shared constants and sentinel errors used across
// client and server layers of gophsync. Callers should use errors.Is to
// match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrorNotFound = errors.New("not found")

	// Service-level errors.
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	// Input validation (empty type/key, nil ids, empty password).
	ErrValidation = errors.New("validation error")

	// Protocol errors raised by the message codec.
	ErrMalformed    = errors.New("malformed message")
	ErrIncomplete   = errors.New("incomplete message")
	ErrUnknownFrame = errors.New("unknown frame")

	// Key material on the device could not be unlocked or loaded.
	ErrKeyAccess = errors.New("key material not accessible")

	// Conflict resolution declined by every resolver in the chain.
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// A second import was requested while one is still pending.
	ErrConcurrentImport = errors.New("already importing. Only one import at a time is possible")

	// Socket or TLS level failures.
	ErrTransport = errors.New("transport error")

	// Access key errors.
	ErrInvalidToken = errors.New("invalid token")

	// A pending login request was rejected or timed out.
	ErrLoginRejected = errors.New("login rejected")
)
