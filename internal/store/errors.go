package store

import (
	"errors"
	"fmt"

	"github.com/s3gwd/s3gw/internal/kvcluster"
)

// Kind classifies a store error so that callers (principally internal/handlers)
// can map it to an HTTP status without reaching into backend-specific error
// types.
type Kind int

const (
	// KindIOError covers anything unexpected: a failing backend call, a
	// corrupt record, a partial chunk write. Callers surface it as 500.
	KindIOError Kind = iota
	// KindNotFound means the requested bucket/object/user/part does not exist.
	KindNotFound
	// KindEndFile means a partial-read request starts at or past the
	// object's size.
	KindEndFile
)

// Error wraps a lower-level error with a Kind, so handlers can type-switch
// on behavior (404 vs 416 vs 500) instead of string-matching backend errors.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsNotFound reports whether err (or anything it wraps) denotes a missing
// record, whether that record came from the store's own Error type or
// directly from kvcluster.ErrNotFound.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind == KindNotFound
	}
	return errors.Is(err, kvcluster.ErrNotFound)
}

// IsEndFile reports whether err denotes a partial-read request whose range
// starts at or past the object's size.
func IsEndFile(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindEndFile
}
