// Package apperr is the typed failure vocabulary shared by the offer and
// conversation commands. Business-rule failures are deterministic; Retryable
// marks transient persistence failures after which the whole step was rolled back.
package apperr

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

type Kind string

const (
	KindInvalidTransition        Kind = "invalid_transition"
	KindForbidden                Kind = "forbidden"
	KindInsufficientAvailability Kind = "insufficient_availability"
	KindAlreadyFinalized         Kind = "already_finalized"
	KindNotAParticipant          Kind = "not_a_participant"
	KindValidation               Kind = "validation_error"
	KindNotFound                 Kind = "not_found"
	KindUnauthorized             Kind = "unauthorized"
	KindRetryable                Kind = "retryable"
	KindInternal                 Kind = "internal"
)

// Error is returned by every command. Available is set for
// KindInsufficientAvailability, OrderID for KindAlreadyFinalized.
type Error struct {
	Kind      Kind
	Message   string
	Available *decimal.Decimal
	OrderID   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, apperr.ErrForbidden).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidTransition        = &Error{Kind: KindInvalidTransition}
	ErrForbidden                = &Error{Kind: KindForbidden}
	ErrInsufficientAvailability = &Error{Kind: KindInsufficientAvailability}
	ErrAlreadyFinalized         = &Error{Kind: KindAlreadyFinalized}
	ErrNotAParticipant          = &Error{Kind: KindNotAParticipant}
	ErrValidation               = &Error{Kind: KindValidation}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrUnauthorized             = &Error{Kind: KindUnauthorized}
	ErrRetryable                = &Error{Kind: KindRetryable}
)

func InvalidTransition(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

func Forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func NotAParticipant(conversationID string) *Error {
	return &Error{Kind: KindNotAParticipant, Message: "not a participant in conversation " + conversationID}
}

func Unauthorized(msg string) *Error {
	return &Error{Kind: KindUnauthorized, Message: msg}
}

func InsufficientAvailability(requested, available decimal.Decimal) *Error {
	a := available
	return &Error{
		Kind:      KindInsufficientAvailability,
		Message:   fmt.Sprintf("requested %s but only %s available", requested, available),
		Available: &a,
	}
}

func AlreadyFinalized(offerID, orderID string) *Error {
	return &Error{
		Kind:    KindAlreadyFinalized,
		Message: "offer " + offerID + " already finalized",
		OrderID: orderID,
	}
}

// Retryable wraps a transient persistence failure. Re-issuing the same command is safe.
func Retryable(msg string, err error) *Error {
	return &Error{Kind: KindRetryable, Message: msg, Err: err}
}

// Internal wraps an unexpected failure that is neither a business rule nor known to be transient.
func Internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Message: msg, Err: err}
}

// KindOf reports the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsBusiness reports whether err is a deterministic business-rule failure
// that must be passed through unchanged by persistence layers.
func IsBusiness(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindRetryable, KindInternal:
		return false
	}
	return true
}
