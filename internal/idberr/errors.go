// Package idberr defines the IndexedDB error taxonomy shared by every layer
// of the engine. Each Code names a condition from the spec, not a Go type;
// callers match on Code via errors.As, not on the concrete struct.
package idberr

import "fmt"

// Code identifies the kind of failure, independent of where it occurred.
type Code string

const (
	// Data is an invalid key, a failed key-path extraction, or a value
	// that does not satisfy a store's key constraints.
	Data Code = "DataError"
	// Constraint is a uniqueness violation, an exhausted auto-increment
	// counter, or a duplicate store/index name.
	Constraint Code = "ConstraintError"
	// NotFound is a missing store, index, or database.
	NotFound Code = "NotFoundError"
	// InvalidState is a cursor not pointing at a value, a deleted
	// source, or an operation on a closed connection.
	InvalidState Code = "InvalidStateError"
	// TransactionInactive is an operation attempted after a transaction
	// deactivated.
	TransactionInactive Code = "TransactionInactiveError"
	// ReadOnly is a mutating operation attempted on a readonly
	// transaction.
	ReadOnly Code = "ReadOnlyError"
	// InvalidAccess is continuePrimaryKey on a non-index or
	// unique-direction cursor.
	InvalidAccess Code = "InvalidAccessError"
	// Version is open() called with a version lower than committed.
	Version Code = "VersionError"
	// Abort is delivered to every request outstanding on an aborted
	// transaction.
	Abort Code = "AbortError"
	// TypeMismatch is reserved for file-handle style mismatches; the
	// engine never raises it internally.
	TypeMismatch Code = "TypeMismatchError"
	// Unknown wraps a backend panic surfaced during commit.
	Unknown Code = "UnknownError"
)

// Error is the concrete error type raised and delivered by every layer of
// the engine. It wraps an optional cause so callers can use errors.Is and
// errors.As against either the idberr.Error or the underlying backend
// error.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Code and message to an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given Code, unwrapping as needed.
func Is(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Code == code {
				return true
			}
			err = e.Err
			continue
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf extracts the Code from err, returning ("", false) if err is not
// (or does not wrap) an *Error.
func CodeOf(err error) (Code, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code, true
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := err.(unwrapper)
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}
