package domain

import "errors"

// Kind is a typed error classification (§7). Components return errors
// wrapping one of these kinds rather than surfacing string prose, so
// callers (principally the Connection Gateway) can dispatch on Kind to
// decide the client-visible event.
type Kind int

const (
	// KindAuthFailure: missing, malformed, expired, or invalid token;
	// unknown session.
	KindAuthFailure Kind = iota + 1
	// KindNotAuthorized: operation targets a room the caller is not in.
	KindNotAuthorized
	// KindRateLimited: per-identifier window exceeded.
	KindRateLimited
	// KindInvalidArgument: unknown intent, unknown medium, payload too
	// large, self-report.
	KindInvalidArgument
	// KindConflict: session already has a room; queue entry already
	// present.
	KindConflict
	// KindStoreUnavailable: shared state store transient failure.
	KindStoreUnavailable
	// KindTransient: upstream timeout; caller retries are safe.
	KindTransient
	// KindFatal: unrecoverable invariant violation; process exits.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindAuthFailure:
		return "AuthFailure"
	case KindNotAuthorized:
		return "NotAuthorized"
	case KindRateLimited:
		return "RateLimited"
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindConflict:
		return "Conflict"
	case KindStoreUnavailable:
		return "StoreUnavailable"
	case KindTransient:
		return "Transient"
	case KindFatal:
		return "Fatal"
	default:
		return "Unknown"
	}
}

// Error is a typed application error carrying a Kind alongside the usual
// message and optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Kind.String() + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError constructs an *Error with the given kind and message.
func NewError(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that preserves the original cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error.
// Unrecognized errors are classified Transient, the safest default for a
// caller deciding whether a retry is sensible.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// Sentinel errors for conditions that do not need a message or cause.
var (
	ErrUnknownSession   = NewError(KindAuthFailure, "unknown session")
	ErrInvalidToken     = NewError(KindAuthFailure, "invalid token")
	ErrExpiredToken     = NewError(KindAuthFailure, "expired token")
	ErrNotFound         = NewError(KindNotAuthorized, "room not found")
	ErrConflictingRoom  = NewError(KindConflict, "session already has a room")
	ErrAlreadyQueued    = NewError(KindConflict, "session already queued")
	ErrPayloadTooLarge  = NewError(KindInvalidArgument, "payload too large")
	ErrUnknownIntent    = NewError(KindInvalidArgument, "unknown intent")
	ErrUnknownMedium    = NewError(KindInvalidArgument, "unknown medium")
	ErrSelfReport       = NewError(KindInvalidArgument, "cannot report self")
)
