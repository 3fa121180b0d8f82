// Package apperr defines the relay's error taxonomy. Internal
// packages return these typed errors (or errors wrapped with Wrap, in the
// style of pkg/utils.Wrap); only internal/api translates them into HTTP
// status codes or JSON-RPC error codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-layer mapping.
type Kind int

const (
	KindUnknown Kind = iota
	KindClientMalformed
	KindClientUnauthorized
	KindClientPrecondition
	KindNotFound
	KindTxInvalid
	KindTransient
	KindAlreadyTerminal
)

func (k Kind) String() string {
	switch k {
	case KindClientMalformed:
		return "client_malformed"
	case KindClientUnauthorized:
		return "client_unauthorized"
	case KindClientPrecondition:
		return "client_precondition_failed"
	case KindNotFound:
		return "not_found"
	case KindTxInvalid:
		return "tx_invalid"
	case KindTransient:
		return "transient"
	case KindAlreadyTerminal:
		return "already_terminal"
	default:
		return "unknown"
	}
}

// Error is a typed, classified error. Code is a short machine-readable
// identifier (e.g. "NotStale", "Ambiguous", "MalformedTx") used both for
// logging and for JSON error bodies.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed Error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap attaches context to err, preserving its Kind/Code if it is already an
// *Error, otherwise classifying it as transient. This mirrors
// pkg/utils.Wrap's "nil in, nil out" contract.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	var ae *Error
	if errors.As(err, &ae) {
		return &Error{Kind: ae.Kind, Code: ae.Code, Msg: msg, Err: err}
	}
	return &Error{Kind: KindTransient, Code: "Internal", Msg: msg, Err: err}
}

// As reports whether err (or something it wraps) is an *Error and, if so,
// returns it.
func As(err error) (*Error, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae, true
	}
	return nil, false
}

// Sentinel constructors for each error kind.
func Malformed(code, msg string) *Error        { return New(KindClientMalformed, code, msg) }
func Unauthorized(code, msg string) *Error     { return New(KindClientUnauthorized, code, msg) }
func Precondition(code, msg string) *Error     { return New(KindClientPrecondition, code, msg) }
func NotFound(code, msg string) *Error         { return New(KindNotFound, code, msg) }
func TxInvalid(code, msg string) *Error        { return New(KindTxInvalid, code, msg) }
func Transient(code, msg string) *Error        { return New(KindTransient, code, msg) }
func AlreadyTerminal(code, msg string) *Error  { return New(KindAlreadyTerminal, code, msg) }
