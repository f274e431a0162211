package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across services and adapters. Handlers map these to
// HTTP statuses; use errors.Is when checking.
var (
	// ErrNotFound covers both genuinely missing records and records owned by
	// another tenant. The two cases are deliberately indistinguishable so
	// error codes cannot be used to enumerate foreign resources.
	ErrNotFound = errors.New("not found")

	// ErrNotConnected means the connection has no usable credential at all.
	ErrNotConnected = errors.New("platform not connected")

	// ErrReconnectRequired means the provider rejected the refresh token; a
	// human must re-run the authorization flow.
	ErrReconnectRequired = errors.New("reconnect required")

	// ErrHandshakeInvalid covers a state token that was never issued, already
	// consumed, expired, or issued for a different (tenant, user, provider).
	ErrHandshakeInvalid = errors.New("authorization state invalid or expired")

	// ErrDuplicateCallback is returned to the loser of a double-submitted
	// callback race: the handshake was already consumed by the winner.
	ErrDuplicateCallback = errors.New("authorization already completed")

	// ErrVersionConflict is a CAS write that lost the race after the internal
	// retry was also beaten.
	ErrVersionConflict = errors.New("connection modified concurrently")

	// ErrProviderUnavailable wraps transient provider failures during
	// send/fetch. Safe for the caller to retry: ingestion is idempotent.
	ErrProviderUnavailable = errors.New("provider request failed")
)

// ValidationError reports malformed caller input, naming the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
