// Package errs implements the error taxonomy of the client: each failure
// is tagged with a Kind so callers above the layer that produced it (the
// circuit layer translating to DESTROY cells, the pool classifying
// relay-bad vs source-bad vs transient) can branch on kind without string
// matching, while the original cause is preserved via %w wrapping.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation-policy decisions (spec §7).
type Kind int

const (
	// Parse marks malformed on-wire or on-disk data; recoverable by
	// retrying with another source.
	Parse Kind = iota
	// Protocol marks a peer violating the wire protocol; fatal for the
	// affected circuit/link.
	Protocol
	// Crypto marks a signature mismatch or failed handshake auth; fatal
	// for the affected object, and the relay is demoted.
	Crypto
	// Timeout marks a specified deadline elapsing; retried at the pool
	// layer with a different relay.
	Timeout
	// Transport marks a network-level I/O failure; recovered by
	// reconnecting once, then surfaced.
	Transport
	// Expired marks a cert or consensus past its validity window;
	// treated as Protocol by the propagation policy.
	Expired
	// Cancelled marks a consumer-requested cancellation; always
	// surfaced, never retried.
	Cancelled
	// Closed marks an operation attempted on a disposed resource;
	// always surfaced.
	Closed
)

func (k Kind) String() string {
	switch k {
	case Parse:
		return "parse"
	case Protocol:
		return "protocol"
	case Crypto:
		return "crypto"
	case Timeout:
		return "timeout"
	case Transport:
		return "transport"
	case Expired:
		return "expired"
	case Cancelled:
		return "cancelled"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error that preserves an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a Kind-tagged error with no wrapped cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a Kind-tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind of err if it (or something it wraps) is an
// *Error; ok is false for untagged errors.
func KindOf(err error) (kind Kind, ok bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// Is reports whether err is tagged with kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
