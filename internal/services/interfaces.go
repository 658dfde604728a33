package services

import (
	"context"
	"time"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/payments"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Product     = domain.Product
	Price       = domain.Price
	Customer    = domain.Customer
	Order       = domain.Order
	OrderItem   = domain.OrderItem
	OrderStatus = domain.OrderStatus
)

// CheckoutService turns requested items into a processor checkout session.
type CheckoutService interface {
	CreateCheckoutSession(ctx context.Context, cmd CreateCheckoutSessionCommand) (CheckoutSession, error)
}

// WebhookService verifies and dispatches inbound processor events.
type WebhookService interface {
	HandleEvent(ctx context.Context, payload []byte, signature string) (WebhookResult, error)
}

// FulfillmentService converts a paid checkout session into an order with committed stock.
type FulfillmentService interface {
	Fulfill(ctx context.Context, sessionRef string) (FulfillmentReport, error)
}

// RefundService reverses a fulfilled order.
type RefundService interface {
	RefundOrder(ctx context.Context, cmd RefundCommand) (RefundResult, error)
}

// InvoiceService emits the processor invoice for a completed order.
type InvoiceService interface {
	EmitInvoice(ctx context.Context, orderID string) (Order, error)
}

// InvoiceDispatcher schedules invoice emission without blocking the caller.
type InvoiceDispatcher interface {
	Dispatch(ctx context.Context, orderID string)
}

// OrderQueryService exposes read access to orders.
type OrderQueryService interface {
	GetOrder(ctx context.Context, orderID string) (Order, error)
	GetOrderBySession(ctx context.Context, sessionRef string) (Order, error)
	ListCustomerOrders(ctx context.Context, customerID string) ([]Order, error)
}

// OrderEventPublisher publishes order domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// DomainError represents a structured error with stable codes for transport across layers.
type DomainError interface {
	error
	Code() string
	SafeMessage() string
}

// Command and DTO definitions ------------------------------------------------

// OrderEvent captures metadata for emitted order domain events.
type OrderEvent struct {
	Type          string         `json:"type"`
	OrderID       string         `json:"orderId"`
	SessionRef    string         `json:"sessionRef"`
	CustomerID    string         `json:"customerId,omitempty"`
	CurrentStatus string         `json:"currentStatus"`
	Total         int64          `json:"total"`
	Currency      string         `json:"currency"`
	OccurredAt    time.Time      `json:"occurredAt"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type CheckoutItem struct {
	ProductID string
	Quantity  int64
}

type CreateCheckoutSessionCommand struct {
	Items          []CheckoutItem
	CustomerID     string
	Locale         string
	IdempotencyKey string
}

type CheckoutSession struct {
	SessionID   string
	RedirectURL string
	ExpiresAt   time.Time
	// InlinePricedProducts lists products that had no processor price and were charged the fallback amount.
	InlinePricedProducts []string
}

// WebhookAction describes what the dispatcher did with a verified event.
type WebhookAction string

const (
	WebhookActionFulfilled WebhookAction = "fulfilled"
	WebhookActionDuplicate WebhookAction = "duplicate"
	WebhookActionObserved  WebhookAction = "observed"
	WebhookActionIgnored   WebhookAction = "ignored"
	WebhookActionDeferred  WebhookAction = "deferred"
)

type WebhookResult struct {
	EventID string
	Type    string
	Action  WebhookAction
	Report  *FulfillmentReport
}

// LineStatus is the per-line outcome of fulfillment.
type LineStatus string

const (
	LineStatusOK      LineStatus = "ok"
	LineStatusSkipped LineStatus = "skipped"
)

// Skip reasons recorded on fulfillment line results.
const (
	SkipReasonMissingPrice    = "missing_price"
	SkipReasonInvalidQuantity = "invalid_quantity"
	SkipReasonPriceNotFound   = "price_not_found"
	SkipReasonLookupFailed    = "lookup_failed"
)

type LineResult struct {
	LineID    string
	PriceRef  string
	ProductID string
	Quantity  int64
	Amount    int64
	Status    LineStatus
	Reason    string
}

// FulfillmentReport records what fulfillment did for a session. A Deferred report
// means the session's payment is still pending and nothing was persisted.
type FulfillmentReport struct {
	SessionRef  string
	OrderID     string
	Duplicate   bool
	Deferred    bool
	Lines       []LineResult
	StockLevels map[string]int64
}

// Fulfilled counts lines that became order items.
func (r FulfillmentReport) Fulfilled() int {
	count := 0
	for _, line := range r.Lines {
		if line.Status == LineStatusOK {
			count++
		}
	}
	return count
}

// Skipped counts lines that were not fulfilled.
func (r FulfillmentReport) Skipped() int {
	return len(r.Lines) - r.Fulfilled()
}

type RefundCommand struct {
	OrderID string
	Reason  string
}

type RefundResult struct {
	Order  Order
	Refund payments.Refund
}
