// Package faults is the error taxonomy shared by the capability adapters,
// the step library and the workflow engine. Adapters classify transport
// errors into a Kind at the boundary; the engine decides retryability from
// the Kind alone and never inspects transport errors itself.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind partitions failures by how the engine should react to them.
type Kind string

const (
	// KindTransient covers network flakes, timeouts at the remote end and
	// busy upstream services. Retryable.
	KindTransient = Kind("transient_network")
	// KindTimeout is a local deadline expiry. Retryable.
	KindTimeout = Kind("timeout")
	// KindAuth covers credential and permission failures. Fatal.
	KindAuth = Kind("auth")
	// KindNotFound covers missing machines, images and catalog entries. Fatal.
	KindNotFound = Kind("not_found")
	// KindConflict covers state conflicts, e.g. a machine already deploying.
	// Fatal by default; polling steps may wrap it transient.
	KindConflict = Kind("conflict")
	// KindValidation covers malformed input and schema violations. Fatal.
	KindValidation = Kind("validation")
	// KindUnsupported covers operations the device cannot perform. Fatal.
	KindUnsupported = Kind("unsupported")
	// KindInternal is the default for unclassified errors. Fatal.
	KindInternal = Kind("internal")
	// KindCanceled marks cooperative cancellation. Never retried.
	KindCanceled = Kind("canceled")
)

// Fault carries a Kind through a wrapped error chain.
type Fault struct {
	Kind Kind
	// Op names the failing operation, e.g. "bmc.power_state".
	Op  string
	Err error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Op, f.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// E wraps err with a Kind and an operation name. A nil err is allowed for
// failures that have no underlying cause.
func E(kind Kind, op string, err error) error {
	return &Fault{Kind: kind, Op: op, Err: err}
}

// Errorf is E with a formatted cause.
func Errorf(kind Kind, op, format string, args ...any) error {
	return &Fault{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the Kind from err. Context cancellation and deadline
// errors map to KindCanceled and KindTimeout even when unwrapped; anything
// else unclassified is KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Retryable reports whether the engine may retry after err.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindTimeout:
		return true
	}
	return false
}

// Op returns the innermost operation name in the chain, or "".
func Op(err error) string {
	var f *Fault
	for errors.As(err, &f) {
		if f.Err == nil {
			break
		}
		var inner *Fault
		if !errors.As(f.Err, &inner) {
			break
		}
		f = inner
	}
	if f == nil {
		return ""
	}
	return f.Op
}
