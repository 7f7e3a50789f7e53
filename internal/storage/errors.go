package storage

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by a Client matches exactly one of these
// with errors.Is.
var (
	// ErrNotFound is returned when no object exists at the key.
	ErrNotFound = errors.New("storage: not found")

	// ErrCorrupt is returned when stored bytes do not parse as JSON.
	ErrCorrupt = errors.New("storage: corrupt object")

	// ErrUnavailable marks a transient failure. It is the only retryable kind.
	ErrUnavailable = errors.New("storage: unavailable")

	// ErrAccessDenied marks a permanent authorization failure.
	ErrAccessDenied = errors.New("storage: access denied")

	// ErrInvalidKey is returned for a key no backend can address.
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Error describes a failed storage operation.
type Error struct {
	Op   string // "store", "read", "list", "delete"
	Key  string // object key or list prefix
	Kind error  // one of the Err* sentinels
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("storage: %s %q: %v", e.Op, e.Key, e.Kind)
	}
	return fmt.Sprintf("storage: %s %q: %v: %v", e.Op, e.Key, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op, key string, kind, err error) *Error {
	return &Error{Op: op, Key: key, Kind: kind, Err: err}
}

// classify wraps err in an *Error unless it already is one. Unclassified
// causes default to ErrUnavailable.
func classify(op, key string, err error, kindOf func(error) error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	kind := ErrUnavailable
	if kindOf != nil {
		if k := kindOf(err); k != nil {
			kind = k
		}
	}
	return newError(op, key, kind, err)
}

// KindOf returns the failure kind of a storage error, or nil if err did not
// come from this package.
func KindOf(err error) error {
	for _, k := range []error{ErrNotFound, ErrCorrupt, ErrUnavailable, ErrAccessDenied, ErrInvalidKey} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
