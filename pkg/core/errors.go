package core

import (
	"errors"
	"fmt"
)

// Kind classifies store errors for the host's retry policy.
type Kind int

const (
	// KindInternal marks a violated invariant. Always surfaced.
	KindInternal Kind = iota
	// KindValidation marks a caller bug (bad dimension, empty batch). Not retried.
	KindValidation
	// KindNotFound marks an unknown document, chunk, or message id.
	KindNotFound
	// KindUnavailable marks maintenance mode or a transient storage failure.
	KindUnavailable
	// KindConflict marks an optimistic-concurrency failure propagated from
	// the header store.
	KindConflict
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	case KindConflict:
		return "conflict"
	default:
		return "internal"
	}
}

// Sentinel errors matchable with errors.Is.
var (
	// ErrStoreClosed is returned when using a closed store.
	ErrStoreClosed = errors.New("store is closed")

	// ErrNotFound is returned when an id is unknown.
	ErrNotFound = errors.New("not found")

	// ErrMaintenance is returned by write paths while maintenance mode is set.
	ErrMaintenance = errors.New("store is in maintenance mode")

	// ErrInvalidDimension is returned for dimensions outside the candidate set
	// or mixed-dimension batches.
	ErrInvalidDimension = errors.New("invalid embedding dimension")

	// ErrReservedLibrary is returned when deleting the default sub-library.
	ErrReservedLibrary = errors.New("default sub-library is reserved")
)

// StoreError wraps errors with operation context and a kind.
type StoreError struct {
	Op   string
	Kind Kind
	Err  error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("ragstore: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("ragstore: %s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is matches against the underlying error.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// ErrKind extracts the Kind of err, defaulting to KindInternal.
func ErrKind(err error) Kind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindInternal
}

func wrapErr(op string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Kind: kind, Err: err}
}

func validationErr(op, format string, args ...any) error {
	return &StoreError{Op: op, Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

func internalErr(op string, err error) error {
	return wrapErr(op, KindInternal, err)
}

func unavailableErr(op string, err error) error {
	return wrapErr(op, KindUnavailable, err)
}
