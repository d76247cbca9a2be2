// Package errors defines the sentinel errors shared across field-sync
// components and the classification helpers that decide retry behaviour.
package errors

import "errors"

// Auth errors. These never enter a retry loop; the caller must surface
// them for re-login or token refresh.
var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrAuthRejected  = errors.New("authentication rejected by server")
	ErrInvalidDevice = errors.New("device identifier is not a valid v4 UUID")
)

// Connection errors.
var (
	ErrHandshakeTimeout   = errors.New("handshake timed out")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrNotConnected       = errors.New("not connected")
	ErrAlreadyRunning     = errors.New("connection manager already running")
)

// Protocol errors. Malformed frames are logged and dropped; the
// connection stays up.
var ErrMalformedFrame = errors.New("malformed frame")

// Sync errors.
var ErrStaleData = errors.New("local data may be stale")

// Storage errors. Storage loss degrades to ephemeral state, it never
// crashes the client.
var (
	ErrStorageUnavailable = errors.New("persisted storage unavailable")
	ErrCacheKeyMismatch   = errors.New("cache encryption key does not match store")
	ErrNotFound           = errors.New("record not found")
)

// TransientError wraps an error that is likely temporary and safe to
// retry after a backoff.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as transient. Returns nil when err is nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}

	return &TransientError{Err: err}
}

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsAuthError reports whether err is one of the auth sentinels. Auth
// failures are permanent: the reconnect and sync retry loops must not
// swallow them.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) || errors.Is(err, ErrAuthRejected)
}
