// Package errs defines the orchestrator's error taxonomy. Every error
// surfaced across a component boundary is one of the Kinds below, wrapping an
// optional cause so errors.Is/errors.As work across retries and HTTP
// boundaries. Transient kinds are retried internally up to a policy limit,
// Authorization and Validation are never retried, and risk-originated
// outcomes are terminal workflow states rather than errors at the protocol
// level.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for retry and HTTP-status-mapping purposes.
type Kind string

const (
	KindValidation     Kind = "validation"
	KindAuthorization  Kind = "authorization"
	KindNotFound       Kind = "not_found"
	KindVersionConflict Kind = "version_conflict"
	KindLockConflict   Kind = "lock_conflict"
	KindTimeout        Kind = "timeout"
	KindExternal       Kind = "external_failure"
	KindRiskReject     Kind = "risk_reject"
	KindRiskExpired    Kind = "risk_expired"
	KindReplayIntegrity Kind = "replay_integrity"
	KindInternal       Kind = "internal"
)

// Error is a structured failure that preserves a message, a classification
// Kind, and an optional causal chain, while still implementing the standard
// error interface. Errors may be nested via Cause so retries and HTTP
// handlers can walk the chain with errors.Is/errors.As.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	Cause   error
}

// New constructs an Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Errorf formats a message and returns it as an Error of the given kind.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Cause.Error())
	}
	return e.Message
}

// Unwrap returns the underlying cause, supporting errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is reports whether target is an *Error with the same Kind, allowing
// callers to write errors.Is(err, errs.New(errs.KindTimeout, "")).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind of err, defaulting to KindInternal when err is not
// (or does not wrap) an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Retryable reports whether a Kind is recovered locally by the caller
// (Timeout, ExternalFailure, LockConflict, VersionConflict). Authorization,
// Validation, RiskReject/RiskExpired, and ReplayIntegrity are never retried.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindExternal, KindLockConflict, KindVersionConflict:
		return true
	default:
		return false
	}
}

// HTTPStatus maps a Kind to the HTTP status code the API layer returns for it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return 400
	case KindAuthorization:
		return 403
	case KindNotFound:
		return 404
	case KindVersionConflict, KindLockConflict:
		return 409
	case KindRiskExpired:
		return 410
	case KindInternal, KindExternal, KindReplayIntegrity:
		return 500
	case KindTimeout:
		return 504
	case KindRiskReject:
		return 409
	default:
		return 500
	}
}
