package vector

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by every package of this module. Callers match
// them with errors.Is; the typed errors below unwrap to them.
var (
	ErrDimensionMismatch  = errors.New("dimension mismatch")
	ErrInvalidRequest     = errors.New("invalid request")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
	ErrStore              = errors.New("store error")
	ErrRecovery           = errors.New("recovery error")
	ErrCorruptPayload     = errors.New("corrupt payload")
	ErrUnsupportedVersion = errors.New("unsupported version")

	// ErrUnavailable is returned for collections that failed recovery or a
	// rollback and wait for Repair.
	ErrUnavailable = errors.New("collection unavailable")
	// ErrIndexFull is returned when an index reached its configured capacity.
	ErrIndexFull = errors.New("index full")
	ErrClosed    = errors.New("closed")
)

// DimensionMismatchError reports a vector whose length differs from the
// collection dimension.
type DimensionMismatchError struct {
	Expected int
	Actual   int
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("vector: dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

func (e *DimensionMismatchError) Is(target error) bool { return target == ErrDimensionMismatch }

// StoreError wraps a failure of the durable store with the failing operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("store: %s failed", e.Op)
	}
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// RecoveryError reports a collection whose durable state could not be
// reconstructed into an index.
type RecoveryError struct {
	Collection string
	Err        error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery: collection %q: %v", e.Collection, e.Err)
}

func (e *RecoveryError) Unwrap() error { return e.Err }

func (e *RecoveryError) Is(target error) bool { return target == ErrRecovery }

// WrapStore wraps err as a StoreError unless it already carries one of the
// module sentinels that callers need to see unchanged.
func WrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrDimensionMismatch) || errors.Is(err, ErrInvalidRequest) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

// Invalidf returns an ErrInvalidRequest carrying a formatted reason.
func Invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}
