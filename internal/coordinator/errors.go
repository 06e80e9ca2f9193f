package coordinator

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures surfaced to callers.
type Kind int

// Error kinds. The zero value is Internal so unclassified errors never leak as client faults.
const (
	KindInternal Kind = iota
	KindValidation
	KindAuthentication
	KindAuthorization
	KindNotFound
	KindConflict
	KindRateLimited
)

// String returns the taxonomy name.
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindAuthentication:
		return "AuthenticationError"
	case KindAuthorization:
		return "AuthorizationError"
	case KindNotFound:
		return "NotFoundError"
	case KindConflict:
		return "ConflictError"
	case KindRateLimited:
		return "RateLimitedError"
	default:
		return "InternalError"
	}
}

// HTTPStatus maps the kind onto a response code.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error carries a client-safe Message and an optional internal cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the internal cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// PublicMessage returns the message safe to show a client.
func PublicMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return "internal server error"
}

// Validation builds a 400 error.
func Validation(msg string) error {
	return &Error{Kind: KindValidation, Message: msg}
}

// Unauthenticated builds a 401 error.
func Unauthenticated(msg string) error {
	return &Error{Kind: KindAuthentication, Message: msg}
}

// Forbidden builds a 403 error.
func Forbidden(msg string) error {
	return &Error{Kind: KindAuthorization, Message: msg}
}

// NotFound builds a 404 error.
func NotFound(msg string) error {
	return &Error{Kind: KindNotFound, Message: msg}
}

// Conflict builds a 409 error.
func Conflict(msg string) error {
	return &Error{Kind: KindConflict, Message: msg}
}

// RateLimited builds a 429 error.
func RateLimited(msg string) error {
	return &Error{Kind: KindRateLimited, Message: msg}
}

// Internal wraps a store or infrastructure failure behind a client-safe message.
func Internal(msg string, err error) error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}
