// Package errors provides the unified error vocabulary for the Pinchwork
// core: every failure the core surfaces is one of a fixed set of kinds,
// never a bare string or a leaked storage error.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a failure for the caller.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindUnauthorized        Kind = "unauthorized"
	KindConflict            Kind = "conflict"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindInvalidInput        Kind = "invalid_input"
	KindSuspended           Kind = "suspended"
	KindCooldown            Kind = "cooldown"
	KindRateLimited         Kind = "rate_limited"
	KindInternal            Kind = "internal"
)

// Error is a structured error carrying a Kind plus optional details for
// the caller's diagnostics.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail attaches a diagnostic key/value and returns e for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Constructors for each kind.

func NotFound(resource, id string) *Error {
	return New(KindNotFound, "resource not found").WithDetail("resource", resource).WithDetail("id", id)
}

func Unauthorized(message string) *Error {
	return New(KindUnauthorized, message)
}

func Conflict(message string) *Error {
	return New(KindConflict, message)
}

func InsufficientCredits(required, available int64) *Error {
	return New(KindInsufficientCredits, "insufficient credits").
		WithDetail("required", required).WithDetail("available", available)
}

func InvalidInput(field, reason string) *Error {
	return New(KindInvalidInput, "invalid input").WithDetail("field", field).WithDetail("reason", reason)
}

func Suspended(agentID string) *Error {
	return New(KindSuspended, "agent is suspended").WithDetail("agent_id", agentID)
}

func Cooldown(agentID string) *Error {
	return New(KindCooldown, "agent is within an abandon cooldown window").WithDetail("agent_id", agentID)
}

func RateLimited(operation string) *Error {
	return New(KindRateLimited, "rate limit exceeded").WithDetail("operation", operation)
}

func Internal(message string, err error) *Error {
	return Wrap(KindInternal, message, err)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts an *Error from err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
