// Package xerr defines the error-kind taxonomy used across the debug core
// (spec §7). Each kind follows the juju/errors convention of a
// New<Kind>/Is<Kind> pair: New<Kind> annotates an underlying juju/errors
// chain with the kind, and Is<Kind> unwraps errors.Cause to test for it.
package xerr

import (
	"github.com/juju/errors"
)

type kind int

const (
	kindLink kind = iota + 1
	kindTransportTimeout
	kindTransportProtocol
	kindTargetBus
	kindTargetProtocol
	kindFlash
	kindUnsupported
	kindHeapExhaustion
	kindCancelled
)

func (k kind) String() string {
	switch k {
	case kindLink:
		return "LinkError"
	case kindTransportTimeout:
		return "TransportTimeout"
	case kindTransportProtocol:
		return "TransportProtocolError"
	case kindTargetBus:
		return "TargetBusError"
	case kindTargetProtocol:
		return "TargetProtocolError"
	case kindFlash:
		return "FlashError"
	case kindUnsupported:
		return "Unsupported"
	case kindHeapExhaustion:
		return "HeapExhaustion"
	case kindCancelled:
		return "Cancelled"
	}
	return "Unknown"
}

// kindErr wraps an annotated error with a taxonomy kind, keeping it
// compatible with errors.Trace/Annotatef/Cause composition.
type kindErr struct {
	error
	k kind
}

func (e *kindErr) Cause() error { return e.error }

func newKind(k kind, format string, args ...interface{}) error {
	return &kindErr{error: errors.Errorf(format, args...), k: k}
}

func wrapKind(k kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &kindErr{error: errors.Annotatef(err, format, args...), k: k}
}

func is(err error, k kind) bool {
	for err != nil {
		if ke, ok := err.(*kindErr); ok {
			if ke.k == k {
				return true
			}
			err = ke.error
			continue
		}
		cause := errors.Cause(err)
		if cause == err {
			return false
		}
		err = cause
	}
	return false
}

// NewLinkError reports a physical-layer failure of the injected link (§4.1).
func NewLinkError(format string, args ...interface{}) error {
	return newKind(kindLink, format, args...)
}

// LinkError annotates err as a LinkError.
func LinkError(err error, format string, args ...interface{}) error {
	return wrapKind(kindLink, err, format, args...)
}

// IsLinkError reports whether err (or its cause chain) is a LinkError.
func IsLinkError(err error) bool { return is(err, kindLink) }

// NewTransportTimeout reports a wait-loop deadline expiry (§5).
func NewTransportTimeout(format string, args ...interface{}) error {
	return newKind(kindTransportTimeout, format, args...)
}

func TransportTimeout(err error, format string, args ...interface{}) error {
	return wrapKind(kindTransportTimeout, err, format, args...)
}

func IsTransportTimeout(err error) bool { return is(err, kindTransportTimeout) }

// NewTransportProtocolError reports a wire-level inconsistency (sticky
// FAULT, PDI parity mismatch, DP sticky-err).
func NewTransportProtocolError(format string, args ...interface{}) error {
	return newKind(kindTransportProtocol, format, args...)
}

func TransportProtocolError(err error, format string, args ...interface{}) error {
	return wrapKind(kindTransportProtocol, err, format, args...)
}

func IsTransportProtocolError(err error) bool { return is(err, kindTransportProtocol) }

// NewTargetBusError reports a target-signalled memory-access fault.
func NewTargetBusError(format string, args ...interface{}) error {
	return newKind(kindTargetBus, format, args...)
}

func TargetBusError(err error, format string, args ...interface{}) error {
	return wrapKind(kindTargetBus, err, format, args...)
}

func IsTargetBusError(err error) bool { return is(err, kindTargetBus) }

// NewTargetProtocolError reports the target being in an unexpected debug
// state (e.g. AVR R3 mismatch during halt).
func NewTargetProtocolError(format string, args ...interface{}) error {
	return newKind(kindTargetProtocol, format, args...)
}

func TargetProtocolError(err error, format string, args ...interface{}) error {
	return wrapKind(kindTargetProtocol, err, format, args...)
}

func IsTargetProtocolError(err error) bool { return is(err, kindTargetProtocol) }

// NewFlashError reports a flash-controller error status.
func NewFlashError(format string, args ...interface{}) error {
	return newKind(kindFlash, format, args...)
}

func FlashError(err error, format string, args ...interface{}) error {
	return wrapKind(kindFlash, err, format, args...)
}

func IsFlashError(err error) bool { return is(err, kindFlash) }

// NewUnsupported reports an operation kind not supported by a target/driver.
func NewUnsupported(format string, args ...interface{}) error {
	return newKind(kindUnsupported, format, args...)
}

func IsUnsupported(err error) bool { return is(err, kindUnsupported) }

// NewHeapExhaustion reports a dynamic-allocation failure.
func NewHeapExhaustion(format string, args ...interface{}) error {
	return newKind(kindHeapExhaustion, format, args...)
}

func IsHeapExhaustion(err error) bool { return is(err, kindHeapExhaustion) }

// NewCancelled reports an operation interrupted by the host (link dropped).
func NewCancelled(format string, args ...interface{}) error {
	return newKind(kindCancelled, format, args...)
}

func Cancelled(err error, format string, args ...interface{}) error {
	return wrapKind(kindCancelled, err, format, args...)
}

func IsCancelled(err error) bool { return is(err, kindCancelled) }

// Fatal reports whether err should cause the target to be detached (§7):
// LinkError and TransportProtocolError are fatal, the latter on its first
// occurrence (no repeat count is kept); TargetBusError and FlashError are
// recoverable.
func Fatal(err error) bool {
	return IsLinkError(err) || IsTransportProtocolError(err)
}
