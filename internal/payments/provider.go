package payments

import (
	"context"
	"errors"
	"time"
)

// Webhook event types the reconciliation core reacts to.
const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventChargeRefunded                       = "charge.refunded"
	EventRefundCreated                        = "refund.created"
	EventRefundUpdated                        = "refund.updated"
)

// Checkout session payment states. A completed session may still be unpaid when
// the customer chose a delayed payment method.
const (
	PaymentStatusPaid              = "paid"
	PaymentStatusUnpaid            = "unpaid"
	PaymentStatusNoPaymentRequired = "no_payment_required"
)

// Invoice states that decide how a superseded invoice is withdrawn.
const (
	InvoiceStatusDraft         = "draft"
	InvoiceStatusOpen          = "open"
	InvoiceStatusUncollectible = "uncollectible"
)

var (
	// ErrInvalidSignature is returned when a webhook payload fails signature verification.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrInvalidPayload is returned when a verified webhook payload cannot be parsed.
	ErrInvalidPayload = errors.New("payments: invalid webhook payload")
	// ErrNotFound is returned when the processor reports a missing resource.
	ErrNotFound = errors.New("payments: resource not found")
	// ErrAlreadyRefunded is returned when the charge behind a refund request was already refunded.
	ErrAlreadyRefunded = errors.New("payments: charge already refunded")
)

// InlinePrice describes an ad-hoc price used when the catalog has no processor price.
type InlinePrice struct {
	Currency    string
	UnitAmount  int64
	ProductName string
}

// CheckoutLine describes a single line of a checkout session. Exactly one of
// PriceRef or Inline is set.
type CheckoutLine struct {
	PriceRef string
	Inline   *InlinePrice
	Quantity int64
}

// CheckoutSessionRequest captures the payload required to create a checkout session.
type CheckoutSessionRequest struct {
	Lines          []CheckoutLine
	CustomerRef    string
	SuccessURL     string
	CancelURL      string
	Locale         string
	Metadata       map[string]string
	IdempotencyKey string
}

// CheckoutSession represents the processor session returned to the client.
type CheckoutSession struct {
	ID          string
	RedirectURL string
	ExpiresAt   time.Time
}

// SessionDetails is the subset of a retrieved checkout session used for reconciliation.
type SessionDetails struct {
	ID              string
	Status          string
	PaymentStatus   string
	PaymentIntentID string
	CustomerRef     string
	AmountTotal     int64
	Currency        string
	Metadata        map[string]string
}

// LineItem is a purchased line of a checkout session.
type LineItem struct {
	ID          string
	PriceRef    string
	Quantity    int64
	AmountTotal int64
	Currency    string
	Description string
}

// WebhookEvent is a verified, parsed processor event.
type WebhookEvent struct {
	ID              string
	Type            string
	Created         time.Time
	Livemode        bool
	ObjectID        string
	ObjectType      string
	PaymentIntentID string
	Metadata        map[string]string
}

// RefundRequest defines a processor refund attempt.
type RefundRequest struct {
	PaymentIntentID string
	Reason          string
	IdempotencyKey  string
	Metadata        map[string]string
}

// Refund is the processor's refund confirmation.
type Refund struct {
	ID              string
	Status          string
	Amount          int64
	Currency        string
	PaymentIntentID string
}

// CustomerUpdate mirrors local customer profile fields onto the processor customer.
type CustomerUpdate struct {
	CustomerRef string
	Email       string
	Name        string
	Metadata    map[string]string
}

// InvoiceField is a custom field printed on an invoice.
type InvoiceField struct {
	Name  string
	Value string
}

// InvoiceRequest creates a draft invoice.
type InvoiceRequest struct {
	CustomerRef    string
	DaysUntilDue   int64
	Metadata       map[string]string
	CustomFields   []InvoiceField
	IdempotencyKey string
}

// Invoice is a processor invoice document.
type Invoice struct {
	ID         string
	Status     string
	Number     string
	HostedURL  string
	AmountDue  int64
	Currency   string
	Finalized  bool
	CustomerID string
}

// InvoiceItemRequest attaches a priced line to a draft invoice.
type InvoiceItemRequest struct {
	InvoiceID      string
	CustomerRef    string
	PriceRef       string
	Quantity       int64
	IdempotencyKey string
}

// InvoiceLine is a line registered on an invoice.
type InvoiceLine struct {
	ID       string
	PriceRef string
	Quantity int64
}

// Processor defines the payment processor operations the reconciliation core depends on.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutSessionRequest) (CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (SessionDetails, error)
	ListLineItems(ctx context.Context, sessionID string) ([]LineItem, error)
	VerifyWebhook(payload []byte, signature string) (WebhookEvent, error)
	CreateRefund(ctx context.Context, req RefundRequest) (Refund, error)
	UpdateCustomer(ctx context.Context, req CustomerUpdate) error
	CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error)
	AddInvoiceItem(ctx context.Context, req InvoiceItemRequest) error
	ListInvoiceItems(ctx context.Context, invoiceID string) ([]InvoiceLine, error)
	FinalizeInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (Invoice, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
	VoidInvoice(ctx context.Context, invoiceID string) error
}
