// Package errs defines the error taxonomy shared by all loom subsystems.
//
// Errors are values: every operation returns either a result or one of the
// kinds below. Callers branch on Kind via errors.As / the helper predicates,
// never on message text.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error for retry and presentation decisions.
type Kind int

const (
	// KindUnknown is the zero value; treat as fatal.
	KindUnknown Kind = iota

	// KindValidation means input failed schema or shape checks. Never
	// retried; it is the caller's bug.
	KindValidation

	// KindNotFound means the referenced entity does not exist.
	KindNotFound

	// KindConflict means a state-machine violation, dependency cycle, or
	// file-reservation conflict.
	KindConflict

	// KindRateLimit means a per-(agent, endpoint) token bucket is exhausted.
	KindRateLimit

	// KindTransient means a DB lock or network blip. Retried internally up
	// to 3 times before surfacing.
	KindTransient

	// KindExternalUnavailable means the embedder or analyzer is down.
	// Operations degrade per their documented fallback.
	KindExternalUnavailable

	// KindCorrupted means a checksum or schema mismatch on read. Fatal.
	KindCorrupted
)

// String returns the short machine code for the kind.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindRateLimit:
		return "rate_limit"
	case KindTransient:
		return "transient"
	case KindExternalUnavailable:
		return "external_unavailable"
	case KindCorrupted:
		return "corrupted"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across subsystem boundaries.
// Code is a short machine identifier (e.g. "cycle_detected"), Message is
// human-readable, Hint is optional remediation advice.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Hint    string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Code, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and code.
func New(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind and code, preserving the cause chain.
func Wrap(err error, kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithHint returns a copy of e carrying a remediation hint.
func (e *Error) WithHint(format string, args ...any) *Error {
	clone := *e
	clone.Hint = fmt.Sprintf(format, args...)
	return &clone
}

// Validation creates a validation error.
func Validation(code, format string, args ...any) *Error {
	return New(KindValidation, code, format, args...)
}

// NotFound creates a not-found error.
func NotFound(code, format string, args ...any) *Error {
	return New(KindNotFound, code, format, args...)
}

// Conflict creates a conflict error.
func Conflict(code, format string, args ...any) *Error {
	return New(KindConflict, code, format, args...)
}

// Transient creates a retryable error.
func Transient(err error, format string, args ...any) *Error {
	return Wrap(err, KindTransient, "transient", format, args...)
}

// ExternalUnavailable creates an external-dependency error.
func ExternalUnavailable(err error, code, format string, args ...any) *Error {
	return Wrap(err, KindExternalUnavailable, code, format, args...)
}

// Corrupted creates a corrupted-data error.
func Corrupted(err error, format string, args ...any) *Error {
	return Wrap(err, KindCorrupted, "corrupted_data", format, args...)
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return IsKind(err, KindValidation) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsKind(err, KindNotFound) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return IsKind(err, KindConflict) }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool { return IsKind(err, KindTransient) }

// IsExternalUnavailable reports whether err means embedder/analyzer is down.
func IsExternalUnavailable(err error) bool { return IsKind(err, KindExternalUnavailable) }

// RateLimitError reports token-bucket exhaustion for one (agent, endpoint).
type RateLimitError struct {
	Endpoint  string
	Agent     string
	Remaining int
	ResetAt   time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate_limit_exceeded: endpoint %s for agent %s (remaining %d, resets %s)",
		e.Endpoint, e.Agent, e.Remaining, e.ResetAt.Format(time.RFC3339))
}

// Kind returns KindRateLimit so IsKind works through errors.As on *Error
// wrappers; RateLimitError itself is matched with errors.As directly.
func (e *RateLimitError) Kind() Kind { return KindRateLimit }

// IsRateLimit reports whether err is a rate-limit error.
func IsRateLimit(err error) bool {
	var e *RateLimitError
	return errors.As(err, &e)
}

// ReservationConflictError reports which paths are held, and by whom.
type ReservationConflictError struct {
	Conflicts []PathHolders
}

// PathHolders names the agents holding an active reservation matching Path.
type PathHolders struct {
	Path    string   `json:"path"`
	Holders []string `json:"holders"`
}

func (e *ReservationConflictError) Error() string {
	return fmt.Sprintf("file_reservation_conflict: %d conflicting path(s)", len(e.Conflicts))
}

// CycleError reports a rejected dependency edge that would create a cycle.
type CycleError struct {
	From string
	To   string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle_detected: edge %s -> %s would create a dependency cycle", e.From, e.To)
}

// ProjectionError wraps a projection failure that rolled back an append.
type ProjectionError struct {
	EventType string
	Err       error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf("projection failed for %s: %v", e.EventType, e.Err)
}

// Unwrap returns the projection's underlying error.
func (e *ProjectionError) Unwrap() error { return e.Err }
