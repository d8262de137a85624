// Package errs defines the error taxonomy shared across the orchestrator.
// Every fault surfaced to a caller carries a Kind so HTTP handlers and
// stream writers can map it to a status or terminal event without string
// matching.
package errs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for boundary handling.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindRefused      Kind = "refused"
	KindTransport    Kind = "transport"
	KindProtocol     Kind = "protocol"
	KindTimeout      Kind = "timeout"
	KindCancelled    Kind = "cancelled"
	KindBackpressure Kind = "backpressure"
	KindBudget       Kind = "budget_exhausted"
	KindInternal     Kind = "internal"
)

// Error is a structured error with a kind and an optional cause.
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

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors are
// internal. Context cancellation and deadline errors are mapped even when
// they were never wrapped.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// HTTPStatus maps a kind to the HTTP status class used by the server.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindRefused:
		return http.StatusForbidden
	case KindTransport, KindProtocol:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}
