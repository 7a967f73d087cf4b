package model

import (
	"errors"
	"fmt"
)

var (
	// ErrConflict is returned when a write names a revision that is no longer current.
	ErrConflict = errors.New("maintenance state revision conflict")

	// ErrStoreUnavailable is matched by every I/O failure from a store.
	ErrStoreUnavailable = errors.New("maintenance store unavailable")
)

// StoreError wraps an I/O failure from a store operation.
type StoreError struct {
	Op  string
	Err error
}

// Unavailable wraps err as a StoreError for op. A nil err yields nil.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrStoreUnavailable) hold for any StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStoreUnavailable
}
