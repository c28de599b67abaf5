package errors

import (
	stderr "errors"
	"fmt"
)

// MalformedMessageError indicates a truncated or otherwise undecodable frame.
type MalformedMessageError struct {
	Reason string
}

// Error is an implementation of the error interface.
func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", e.Reason)
}

// Malformed returns a MalformedMessageError with a formatted reason.
func Malformed(format string, args ...any) error {
	return &MalformedMessageError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidDeltaError indicates a well-formed frame whose CRDT payload could not be applied.
type InvalidDeltaError struct {
	Document string
	Err      error
}

// Error is an implementation of the error interface.
func (e *InvalidDeltaError) Error() string {
	if e.Document == "" {
		return fmt.Sprintf("invalid delta: %v", e.Err)
	}
	return fmt.Sprintf("invalid delta for %q: %v", e.Document, e.Err)
}

func (e *InvalidDeltaError) Unwrap() error { return e.Err }

// StorageUnavailableError indicates the document store failed an operation.
type StorageUnavailableError struct {
	Op       string
	Document string
	Err      error
}

// Error is an implementation of the error interface.
func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s of %q: %v", e.Op, e.Document, e.Err)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Err }

// BrokerUnavailableError indicates the cross-process broker rejected a publish or subscribe.
type BrokerUnavailableError struct {
	Channel string
	Err     error
}

// Error is an implementation of the error interface.
func (e *BrokerUnavailableError) Error() string {
	return fmt.Sprintf("broker unavailable on %q: %v", e.Channel, e.Err)
}

func (e *BrokerUnavailableError) Unwrap() error { return e.Err }

// IsStorageUnavailable reports whether a StorageUnavailableError is part of the error chain.
func IsStorageUnavailable(e error) bool {
	var su *StorageUnavailableError
	return stderr.As(e, &su)
}

// IsBrokerUnavailable reports whether a BrokerUnavailableError is part of the error chain.
func IsBrokerUnavailable(e error) bool {
	var bu *BrokerUnavailableError
	return stderr.As(e, &bu)
}
