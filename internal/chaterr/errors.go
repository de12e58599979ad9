// Package chaterr defines the failure taxonomy shared by the API client
// and the message store. Every network-facing operation returns either a
// plain wrapped error or a *Error carrying the classification and the
// server-supplied reason, so callers can decide on presentation without
// string matching.
package chaterr

import (
	"errors"
	"fmt"
)

// Sentinel errors for callers that branch on outcome rather than detail.
var (
	// ErrSignedOut is returned once a 401 could not be resolved by a
	// credential refresh. The credential store has been cleared by the
	// time a caller sees it.
	ErrSignedOut = errors.New("signed out: authentication required")

	// ErrRateLimited marks a request the server throttled. It is never
	// retried automatically.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrNotFound marks an edit or delete referencing an id the store
	// does not hold. Local state is untouched.
	ErrNotFound = errors.New("message not found")

	// ErrNoCursor means backward pagination was requested with nothing
	// loaded to anchor the cursor.
	ErrNoCursor = errors.New("no messages loaded to anchor pagination")
)

// Kind classifies a failed operation.
type Kind int

const (
	KindAuth Kind = iota + 1
	KindRateLimited
	KindValidation
	KindTransport
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindRateLimited:
		return "rate_limited"
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Reason is always human-readable: the
// server's detail string when one was extractable, otherwise a generic
// message for the class.
type Error struct {
	Kind   Kind
	Status int // HTTP status, 0 when the request never completed
	Reason string
	err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.err }

// Is lets errors.Is match the sentinel corresponding to the kind, so
// callers can test errors.Is(err, ErrSignedOut) without unwrapping.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrSignedOut:
		return e.Kind == KindAuth
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNotFound:
		return e.Kind == KindNotFound
	}
	return false
}

// Auth builds the terminal authorization failure (refresh also failed).
func Auth(reason string) *Error {
	if reason == "" {
		reason = "authentication required"
	}
	return &Error{Kind: KindAuth, Status: 401, Reason: reason, err: ErrSignedOut}
}

// RateLimited builds a throttling failure.
func RateLimited(reason string) *Error {
	if reason == "" {
		reason = ErrRateLimited.Error()
	}
	return &Error{Kind: KindRateLimited, Status: 429, Reason: reason, err: ErrRateLimited}
}

// Validation builds a 4xx/5xx failure with the server-provided reason.
func Validation(status int, reason string) *Error {
	if reason == "" {
		reason = "request failed"
	}
	return &Error{Kind: KindValidation, Status: status, Reason: reason}
}

// Transport wraps a network-level failure that produced no response.
func Transport(err error) *Error {
	return &Error{Kind: KindTransport, Reason: "network error", err: err}
}

// NotFound builds the mutation-target-missing failure.
func NotFound(id int64) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf("message %d not found", id), err: ErrNotFound}
}

// KindOf extracts the classification from err, or 0 if err carries none.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

// ReasonOf extracts the human-readable reason, falling back to the
// error's own message.
func ReasonOf(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Reason
	}
	if err != nil {
		return err.Error()
	}
	return ""
}
