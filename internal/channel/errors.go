package channel

import (
	"errors"
	"fmt"
)

// Class partitions channel failures into the retry taxonomy: connectivity
// failures are retried, permission and validation failures are terminal.
type Class int

const (
	// ClassConnectivity means the backend could not be reached; the
	// operation is safe to retry later.
	ClassConnectivity Class = iota
	// ClassPermission means the backend rejected the caller; retrying
	// will not help.
	ClassPermission
	// ClassInvalid means the payload was malformed; retrying will not help.
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassConnectivity:
		return "connectivity"
	case ClassPermission:
		return "permission"
	case ClassInvalid:
		return "invalid"
	}
	return "unknown"
}

// Error is a classified channel failure.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// ConnectivityError wraps err as a retryable connectivity failure.
func ConnectivityError(op string, err error) *Error {
	return &Error{Class: ClassConnectivity, Op: op, Err: err}
}

// PermissionError wraps err as a terminal permission failure.
func PermissionError(op string, err error) *Error {
	return &Error{Class: ClassPermission, Op: op, Err: err}
}

// InvalidError wraps err as a terminal validation failure.
func InvalidError(op string, err error) *Error {
	return &Error{Class: ClassInvalid, Op: op, Err: err}
}

// IsConnectivity reports whether err is a retryable connectivity failure.
// Unclassified errors count as connectivity, so an adapter that forgets to
// classify degrades to retrying rather than dropping messages.
func IsConnectivity(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Class == ClassConnectivity
	}
	return true
}

// IsPermission reports whether err is a terminal permission failure.
func IsPermission(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Class == ClassPermission
}

// IsInvalid reports whether err is a terminal validation failure.
func IsInvalid(err error) bool {
	var ce *Error
	return errors.As(err, &ce) && ce.Class == ClassInvalid
}
