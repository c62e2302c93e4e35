package driftsync

import (
	"errors"
	"fmt"
)

// Common sentinel errors for the driftsync package.
var (
	// ErrClosed is returned when operations are attempted on a closed client.
	ErrClosed = errors.New("client is closed")

	// ErrUnknownCollection is returned when a caller names a collection the
	// client's store does not track.
	ErrUnknownCollection = errors.New("unknown collection")

	// ErrBadStamp is returned when a stamp cannot be parsed.
	ErrBadStamp = errors.New("malformed stamp")

	// ErrBadMessage is returned when a protocol message or frame cannot be
	// decoded.
	ErrBadMessage = errors.New("malformed sync message")

	// ErrClockDrift is returned when the logical clock runs further ahead of
	// wall time than the configured bound allows.
	ErrClockDrift = errors.New("clock drift exceeds maximum")

	// ErrCounterOverflow is returned when the logical clock counter is
	// exhausted within a single millisecond.
	ErrCounterOverflow = errors.New("clock counter overflow")
)

// SyncErrorType categorizes sync failures.
type SyncErrorType int

const (
	// SyncErrorTypeUnknown is an uncategorized sync failure.
	SyncErrorTypeUnknown SyncErrorType = iota
	// SyncErrorTypeStamp indicates a delta whose stamp could not be derived.
	SyncErrorTypeStamp
	// SyncErrorTypeStore indicates a persistence failure.
	SyncErrorTypeStore
	// SyncErrorTypeClock indicates a logical clock failure.
	SyncErrorTypeClock
	// SyncErrorTypeProject indicates a value projection failure.
	SyncErrorTypeProject
)

// SyncError wraps a failure from one sync step with the collection it
// concerned.
type SyncError struct {
	Type       SyncErrorType
	Collection CollectionID
	Message    string
	Cause      error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("sync %q: %s: %v", e.Collection, e.Message, e.Cause)
	}
	return fmt.Sprintf("sync %q: %s", e.Collection, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Cause
}

// Is allows errors.Is comparisons against the sentinel errors.
func (e *SyncError) Is(target error) bool {
	switch e.Type {
	case SyncErrorTypeStamp:
		return target == ErrBadStamp
	}
	return false
}

// newSyncError builds a SyncError with the given type and context.
func newSyncError(typ SyncErrorType, col CollectionID, message string, cause error) *SyncError {
	return &SyncError{
		Type:       typ,
		Collection: col,
		Message:    message,
		Cause:      cause,
	}
}
