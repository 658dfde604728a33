package repositories

import (
	"fmt"

	domain "github.com/storefront/payments-api/internal/domain"
)

// OrderErrorCode enumerates repository error causes for order state transitions.
type OrderErrorCode string

const (
	// OrderErrorUnknown represents an unspecified failure.
	OrderErrorUnknown OrderErrorCode = "order_unknown"
	// OrderErrorNotRefundable indicates the order status forbids the refund transition.
	OrderErrorNotRefundable OrderErrorCode = "order_not_refundable"
)

// OrderError wraps order-specific failures with machine readable codes.
type OrderError struct {
	Op      string
	Code    OrderErrorCode
	Status  domain.OrderStatus
	Message string
	Err     error
}

// Error implements the error interface.
func (e *OrderError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *OrderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewNotRefundableError reports that an order in the given status cannot become REFUNDED.
func NewNotRefundableError(op string, status domain.OrderStatus) *OrderError {
	return &OrderError{
		Op:      op,
		Code:    OrderErrorNotRefundable,
		Status:  status,
		Message: fmt.Sprintf("order in status %s cannot be refunded", status),
	}
}
