package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrStoreUnavailable is matched (via errors.Is) by every error a Store
// returns when its backend could not be reached or failed mid-operation.
// Callers use it to degrade rather than fail.
var ErrStoreUnavailable = errors.New("fleet store unavailable")

// ErrNotFound is returned when an operation targets a record that does not
// exist.
var ErrNotFound = errors.New("record not found")

// ErrAlreadyAssigned is returned when a metadata edit tries to change or
// clear the hospital code of a record that already has one.
var ErrAlreadyAssigned = errors.New("record already assigned to a hospital")

var errClosed = errors.New("store closed")

// UnavailableError wraps a backend failure with the operation that hit it.
type UnavailableError struct {
	Op  string
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrStoreUnavailable, e.Err)
}

// Unwrap exposes both the sentinel and the underlying cause.
func (e *UnavailableError) Unwrap() []error { return []error{ErrStoreUnavailable, e.Err} }

// unavailable wraps err as an UnavailableError unless it is nil or already
// classified.
func unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyAssigned) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return &UnavailableError{Op: op, Err: err}
}

// IsTimeout reports whether err was caused by a context deadline, which the
// ingestion path reports to agents as a retryable failure.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}
