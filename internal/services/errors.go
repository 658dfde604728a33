package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
)

// ErrorKind classifies failures surfaced by the reconciliation services.
type ErrorKind string

const (
	KindInvalidRequest  ErrorKind = "invalid_request"
	KindNotFound        ErrorKind = "not_found"
	KindUnauthenticated ErrorKind = "unauthenticated"
	KindInvalidState    ErrorKind = "invalid_state"
	KindConflict        ErrorKind = "conflict"
	KindUpstreamFailure ErrorKind = "upstream_failure"
)

var (
	// ErrInvalidRequest matches errors caused by malformed or empty input.
	ErrInvalidRequest = &Error{Kind: KindInvalidRequest}
	// ErrNotFound matches errors for absent customers, products, orders or sessions.
	ErrNotFound = &Error{Kind: KindNotFound}
	// ErrUnauthenticated matches webhook signature failures.
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	// ErrInvalidState matches operations invalid for the current entity state.
	ErrInvalidState = &Error{Kind: KindInvalidState}
	// ErrConflict matches uniqueness violations under concurrent writes.
	ErrConflict = &Error{Kind: KindConflict}
	// ErrUpstreamFailure matches failed or timed out payment processor calls.
	ErrUpstreamFailure = &Error{Kind: KindUpstreamFailure}
)

// Error carries a kind and a caller safe message. It satisfies DomainError.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

var _ DomainError = (*Error)(nil)

func newError(kind ErrorKind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, ErrNotFound) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// Code returns the stable machine readable kind.
func (e *Error) Code() string {
	if e == nil {
		return ""
	}
	return string(e.Kind)
}

// SafeMessage returns the human message without wrapped internals.
func (e *Error) SafeMessage() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return e.Message
}

// Retryable reports whether the caller may retry the same request.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	return e.Kind == KindUpstreamFailure || e.Kind == KindConflict
}

// KindOf returns the kind of err, or an empty kind for unclassified errors.
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return ""
}

// IsRetryable reports whether err is a classified retryable failure.
func IsRetryable(err error) bool {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Retryable()
	}
	return false
}

func mapRepositoryError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(KindUpstreamFailure, err, format, args...)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return newError(KindNotFound, err, format, args...)
		case repoErr.IsConflict():
			return newError(KindConflict, err, format, args...)
		case repoErr.IsUnavailable():
			return newError(KindUpstreamFailure, err, format, args...)
		}
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) && orderErr.Code == repositories.OrderErrorNotRefundable {
		return newError(KindInvalidState, err, format, args...)
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

func mapProcessorError(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, payments.ErrNotFound) {
		return newError(KindNotFound, err, format, args...)
	}
	return newError(KindUpstreamFailure, err, format, args...)
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
