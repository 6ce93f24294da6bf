// Package errs implements the overlay network's error taxonomy: a closed
// set of failure kinds and a discriminated Result type that every public
// API entry point returns instead of a bare error.
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the error categories from the error-handling design.
type Kind string

const (
	InvalidIDFormat      Kind = "InvalidIDFormat"
	InvalidToken         Kind = "InvalidToken"
	ExpiredToken         Kind = "ExpiredToken"
	TokenMismatch        Kind = "TokenMismatch"
	VersionIncompatible  Kind = "VersionIncompatible"
	Timeout              Kind = "Timeout"
	Unreachable          Kind = "Unreachable"
	TransportRefused     Kind = "TransportRefused"
	RoutingTableFull     Kind = "RoutingTableFull"
	NetworkIsolated      Kind = "NetworkIsolated"
	CoordinatorUnavail   Kind = "CoordinatorUnavailable"
	DuplicateMessage     Kind = "DuplicateMessage"
	BackpressureDropped  Kind = "BackpressureDropped"
	Unknown              Kind = "unknown"
)

// remediation gives per-category guidance. Every failure surfaced to a
// caller must populate this; Unknown must never escape without text.
var remediation = map[Kind][]string{
	InvalidIDFormat:     {"verify the 40-character hex identifier", "do not rehash a wire-received ID"},
	InvalidToken:        {"request a new invitation from an admitted member"},
	ExpiredToken:        {"request a new token", "check local clock skew"},
	TokenMismatch:       {"confirm the token subject matches the connecting peer ID"},
	VersionIncompatible: {"upgrade or downgrade to match the coordinator's protocol version"},
	Timeout:             {"check connectivity", "retry", "increase the timeout"},
	Unreachable:         {"verify the peer's endpoint is reachable", "retry via a different peer"},
	TransportRefused:    {"retry", "the remote peer may be at its connection cap"},
	RoutingTableFull:    {"no action needed; the peer was not admitted to a full bucket"},
	NetworkIsolated:     {"verify at least one bootstrap or DHT peer is reachable", "check NAT/firewall settings"},
	CoordinatorUnavail:  {"retry with backoff", "the topic coordinator may be failing over"},
	DuplicateMessage:    {"no action needed; message already delivered"},
	BackpressureDropped: {"reduce send rate", "check peer health"},
	Unknown:             {"file a report with the operation name and timestamp"},
}

// Error is the concrete error type carrying a Kind, message and cause.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind, wrapping cause with a stack trace.
func New(kind Kind, message string, cause error) *Error {
	if cause != nil {
		cause = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Remediation returns the canned remediation strings for a kind, falling
// back to the Unknown category's text so a remediation list is never empty.
func Remediation(kind Kind) []string {
	if r, ok := remediation[kind]; ok {
		return r
	}
	return remediation[Unknown]
}

// Retryable reports whether operations commonly retry errors of this kind.
func Retryable(kind Kind) bool {
	switch kind {
	case Timeout, Unreachable, TransportRefused, CoordinatorUnavail:
		return true
	default:
		return false
	}
}

// Result is a discriminated Ok/Err value returned from public API entry
// points, per the "user-visible failure behaviour" design.
type Result[T any] struct {
	value       T
	err         *Error
	remediation []string
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] { return Result[T]{value: v} }

// Err wraps a failure, populating remediation text for the given kind.
func Err[T any](kind Kind, message string, cause error) Result[T] {
	e := New(kind, message, cause)
	return Result[T]{err: e, remediation: Remediation(kind)}
}

// IsOk reports whether the result holds a value.
func (r Result[T]) IsOk() bool { return r.err == nil }

// Value returns the success value and whether the result was Ok.
func (r Result[T]) Value() (T, bool) { return r.value, r.err == nil }

// Error returns the underlying error, or nil if the result is Ok.
func (r Result[T]) Error() *Error { return r.err }

// Remediation returns remediation hints for a failed result, or nil if Ok.
func (r Result[T]) Remediation() []string { return r.remediation }

// Unwrap returns the value, panicking if the result is an error. Intended
// for tests and call sites that have already checked IsOk.
func (r Result[T]) Unwrap() T {
	if r.err != nil {
		panic(r.err)
	}
	return r.value
}
