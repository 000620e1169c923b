// internal/models/errors.go
package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the room, game, or key expired or never existed.
	ErrNotFound = errors.New("not found")
	// ErrSeatConflict is returned when a seat is taken or another claim is in flight.
	ErrSeatConflict = errors.New("seat conflict")
	// ErrIllegalTransition is returned for any phase change outside the room cycle.
	ErrIllegalTransition = errors.New("illegal phase transition")
	// ErrRejected is wrapped by every RejectedError.
	ErrRejected = errors.New("command rejected")
	// ErrConflict is returned when a compare-and-set kept losing to concurrent writers.
	ErrConflict = errors.New("concurrent update conflict")
	// ErrForbidden is returned when a user attempts an owner-only operation.
	ErrForbidden = errors.New("forbidden")
	// ErrStoreUnavailable wraps failures of the shared store.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError reports malformed input or an unknown enum value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

// RejectedError is a game-specific refusal of a command (illegal move, wrong turn, stale frame).
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return "command rejected: " + e.Reason
}

// Unwrap lets errors.Is(err, ErrRejected) match.
func (e *RejectedError) Unwrap() error {
	return ErrRejected
}

// Rejected builds a RejectedError.
func Rejected(format string, args ...interface{}) error {
	return &RejectedError{Reason: fmt.Sprintf(format, args...)}
}

// IsBusinessOutcome reports whether err is an expected race or refusal that must not be
// surfaced to failure monitoring.
func IsBusinessOutcome(err error) bool {
	var ve *ValidationError
	return errors.Is(err, ErrSeatConflict) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrRejected) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrForbidden) ||
		errors.As(err, &ve)
}
