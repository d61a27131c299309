// Package ocpperr defines the error taxonomy shared by the protocol engine,
// the connection pool and the retry coordinator. Errors carry an explicit
// kind so retry decisions are a branch on a value, not on error text.
package ocpperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure for retry and reporting purposes.
type Kind int

const (
	// KindInternal is an unexpected handler or gateway failure.
	KindInternal Kind = iota
	// KindFormatViolation is a malformed or incomplete frame or payload.
	KindFormatViolation
	// KindValidation is a semantically invalid argument to an
	// engine-initiated action.
	KindValidation
	// KindTimeout means an operation exceeded its policy timeout.
	KindTimeout
	// KindCommunication is a transport-level failure.
	KindCommunication
	// KindProtocol is a protocol-level failure reported by the peer.
	KindProtocol
	// KindNotSupported is a request for an unknown action.
	KindNotSupported
)

func (k Kind) String() string {
	switch k {
	case KindFormatViolation:
		return "FormatViolation"
	case KindValidation:
		return "ValidationError"
	case KindTimeout:
		return "TimeoutError"
	case KindCommunication:
		return "CommunicationError"
	case KindProtocol:
		return "ProtocolError"
	case KindNotSupported:
		return "NotSupported"
	default:
		return "InternalError"
	}
}

// Retryable reports whether a failure of this kind may be retried.
// Format violations, validation failures and unsupported actions are
// terminal: repeating the same input cannot succeed.
func (k Kind) Retryable() bool {
	switch k {
	case KindTimeout, KindCommunication, KindProtocol, KindInternal:
		return true
	default:
		return false
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind    Kind
	Action  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Action != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Action, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error.
func New(kind Kind, action, message string) *Error {
	return &Error{Kind: kind, Action: action, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, action string, err error) *Error {
	return &Error{Kind: kind, Action: action, Message: err.Error(), Err: err}
}

// KindOf extracts the kind from an error. Context deadline expiry maps to
// KindTimeout; anything unclassified is KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}
