// Package apperr defines the error kinds returned at the tool boundary and the
// uniform envelope they are rendered into.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers
type Kind string

const (
	KindValidation          Kind = "VALIDATION_ERROR"
	KindNotFound            Kind = "NOT_FOUND"
	KindRPC                 Kind = "RPC_ERROR"
	KindDatabase            Kind = "DATABASE_ERROR"
	KindInternal            Kind = "INTERNAL_ERROR"
	KindCache               Kind = "CACHE_ERROR"
	KindAccessDenied        Kind = "ACCESS_DENIED"
	KindInsufficientCredits Kind = "INSUFFICIENT_CREDITS"
	KindPriceUnavailable    Kind = "PRICE_UNAVAILABLE"
)

// Error is a classified error. Message is safe to show to callers; the
// wrapped error carries the full detail for logs.
type Error struct {
	Kind    Kind
	Message string
	Details any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a classified error without an underlying cause
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies err. An error that is already classified is returned
// unchanged so that a failure is only ever wrapped once.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) {
		return err
	}
	return &Error{Kind: kind, Message: message, Details: err.Error(), Err: err}
}

// WithDetails attaches structured details to a classified error
func (e *Error) WithDetails(details any) *Error {
	e.Details = details
	return e
}

// KindOf returns the kind of err, or KindInternal when it is unclassified
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified with the given kind
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// Envelope is the uniform failure body of every tool response
type Envelope struct {
	Error   Kind   `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ToEnvelope renders err for a caller. Internal and database failures keep
// their details out of the response.
func ToEnvelope(err error) Envelope {
	var e *Error
	if !errors.As(err, &e) {
		return Envelope{Error: KindInternal, Message: "internal error"}
	}
	env := Envelope{Error: e.Kind, Message: e.Message, Details: e.Details}
	if e.Kind == KindInternal || e.Kind == KindDatabase {
		env.Details = nil
	}
	return env
}

// HTTPStatus maps a kind to the status used by the HTTP transport
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAccessDenied:
		return http.StatusForbidden
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindRPC, KindPriceUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
