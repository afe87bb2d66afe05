package binding

import (
	"errors"
	"fmt"

	"github.com/cartemplate/host/internal/shared/types"
)

// ErrorKind classifies a binding failure. App-originated failures are always
// recoverable: they are reported and the binding returns to UNBOUND, the
// host never crashes.
type ErrorKind int

const (
	// ErrorBindFailed: the platform refused the bind or a handshake step
	// other than version negotiation failed.
	ErrorBindFailed ErrorKind = iota
	// ErrorIncompatibleVersion: negotiation found no API level supported by
	// both sides.
	ErrorIncompatibleVersion
	// ErrorAppFailure: the app rejected a call after binding was
	// established.
	ErrorAppFailure
	// ErrorCrashed: the app process died.
	ErrorCrashed
	// ErrorNotBound: a dispatch was attempted while not bound.
	ErrorNotBound
)

// String returns the string representation of the kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrorBindFailed:
		return "bind_failed"
	case ErrorIncompatibleVersion:
		return "incompatible_version"
	case ErrorAppFailure:
		return "app_failure"
	case ErrorCrashed:
		return "crashed"
	case ErrorNotBound:
		return "not_bound"
	default:
		return "unknown"
	}
}

// Error is a structured binding failure.
type Error struct {
	Kind ErrorKind
	App  types.AppIdentity
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("binding %s: %s", e.App, e.Kind)
	}
	return fmt.Sprintf("binding %s: %s: %v", e.App, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the error kind, or ErrorAppFailure for foreign errors.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ErrorAppFailure
}
