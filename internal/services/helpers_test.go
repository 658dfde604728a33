package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
	"github.com/storefront/payments-api/internal/repositories/memory"
)

var testNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

type stubProcessor struct {
	mu sync.Mutex

	createSessionFunc  func(context.Context, payments.CheckoutSessionRequest) (payments.CheckoutSession, error)
	getSessionFunc     func(context.Context, string) (payments.SessionDetails, error)
	listLineItemsFunc  func(context.Context, string) ([]payments.LineItem, error)
	verifyFunc         func([]byte, string) (payments.WebhookEvent, error)
	createRefundFunc   func(context.Context, payments.RefundRequest) (payments.Refund, error)
	updateCustomerFunc func(context.Context, payments.CustomerUpdate) error
	createInvoiceFunc  func(context.Context, payments.InvoiceRequest) (payments.Invoice, error)
	addItemFunc        func(context.Context, payments.InvoiceItemRequest) error
	listItemsFunc      func(context.Context, string) ([]payments.InvoiceLine, error)
	finalizeFunc       func(context.Context, string) (payments.Invoice, error)
	getInvoiceFunc     func(context.Context, string) (payments.Invoice, error)
	deleteFunc         func(context.Context, string) error
	voidFunc           func(context.Context, string) error

	calls map[string]int
}

var _ payments.Processor = (*stubProcessor)(nil)

func (s *stubProcessor) record(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls == nil {
		s.calls = make(map[string]int)
	}
	s.calls[name]++
}

func (s *stubProcessor) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *stubProcessor) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

func (s *stubProcessor) CreateCheckoutSession(ctx context.Context, req payments.CheckoutSessionRequest) (payments.CheckoutSession, error) {
	s.record("CreateCheckoutSession")
	if s.createSessionFunc != nil {
		return s.createSessionFunc(ctx, req)
	}
	return payments.CheckoutSession{ID: "cs_test", RedirectURL: "https://checkout.example/cs_test"}, nil
}

func (s *stubProcessor) GetCheckoutSession(ctx context.Context, sessionID string) (payments.SessionDetails, error) {
	s.record("GetCheckoutSession")
	if s.getSessionFunc != nil {
		return s.getSessionFunc(ctx, sessionID)
	}
	return payments.SessionDetails{}, payments.ErrNotFound
}

func (s *stubProcessor) ListLineItems(ctx context.Context, sessionID string) ([]payments.LineItem, error) {
	s.record("ListLineItems")
	if s.listLineItemsFunc != nil {
		return s.listLineItemsFunc(ctx, sessionID)
	}
	return nil, nil
}

func (s *stubProcessor) VerifyWebhook(payload []byte, signature string) (payments.WebhookEvent, error) {
	s.record("VerifyWebhook")
	if s.verifyFunc != nil {
		return s.verifyFunc(payload, signature)
	}
	return payments.WebhookEvent{}, payments.ErrInvalidSignature
}

func (s *stubProcessor) CreateRefund(ctx context.Context, req payments.RefundRequest) (payments.Refund, error) {
	s.record("CreateRefund")
	if s.createRefundFunc != nil {
		return s.createRefundFunc(ctx, req)
	}
	return payments.Refund{ID: "re_1", Status: "succeeded", PaymentIntentID: req.PaymentIntentID}, nil
}

func (s *stubProcessor) UpdateCustomer(ctx context.Context, req payments.CustomerUpdate) error {
	s.record("UpdateCustomer")
	if s.updateCustomerFunc != nil {
		return s.updateCustomerFunc(ctx, req)
	}
	return nil
}

func (s *stubProcessor) CreateInvoice(ctx context.Context, req payments.InvoiceRequest) (payments.Invoice, error) {
	s.record("CreateInvoice")
	if s.createInvoiceFunc != nil {
		return s.createInvoiceFunc(ctx, req)
	}
	return payments.Invoice{ID: "in_1", Status: "draft"}, nil
}

func (s *stubProcessor) AddInvoiceItem(ctx context.Context, req payments.InvoiceItemRequest) error {
	s.record("AddInvoiceItem")
	if s.addItemFunc != nil {
		return s.addItemFunc(ctx, req)
	}
	return nil
}

func (s *stubProcessor) ListInvoiceItems(ctx context.Context, invoiceID string) ([]payments.InvoiceLine, error) {
	s.record("ListInvoiceItems")
	if s.listItemsFunc != nil {
		return s.listItemsFunc(ctx, invoiceID)
	}
	return nil, nil
}

func (s *stubProcessor) FinalizeInvoice(ctx context.Context, invoiceID string) (payments.Invoice, error) {
	s.record("FinalizeInvoice")
	if s.finalizeFunc != nil {
		return s.finalizeFunc(ctx, invoiceID)
	}
	return payments.Invoice{ID: invoiceID, Status: "open", Finalized: true}, nil
}

func (s *stubProcessor) GetInvoice(ctx context.Context, invoiceID string) (payments.Invoice, error) {
	s.record("GetInvoice")
	if s.getInvoiceFunc != nil {
		return s.getInvoiceFunc(ctx, invoiceID)
	}
	return payments.Invoice{ID: invoiceID, Status: "open", Finalized: true}, nil
}

func (s *stubProcessor) DeleteInvoice(ctx context.Context, invoiceID string) error {
	s.record("DeleteInvoice")
	if s.deleteFunc != nil {
		return s.deleteFunc(ctx, invoiceID)
	}
	return nil
}

func (s *stubProcessor) VoidInvoice(ctx context.Context, invoiceID string) error {
	s.record("VoidInvoice")
	if s.voidFunc != nil {
		return s.voidFunc(ctx, invoiceID)
	}
	return nil
}

// countingOrders wraps an order repository and records every call.
type countingOrders struct {
	repositories.OrderRepository
	mu    sync.Mutex
	calls int
}

func (c *countingOrders) hit() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingOrders) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingOrders) CreateWithStock(ctx context.Context, order domain.Order) ([]repositories.StockLevel, error) {
	c.hit()
	return c.OrderRepository.CreateWithStock(ctx, order)
}

func (c *countingOrders) MarkRefunded(ctx context.Context, orderID string) (domain.Order, []repositories.StockLevel, error) {
	c.hit()
	return c.OrderRepository.MarkRefunded(ctx, orderID)
}

func (c *countingOrders) SetInvoiceRef(ctx context.Context, orderID, invoiceRef string) (domain.Order, error) {
	c.hit()
	return c.OrderRepository.SetInvoiceRef(ctx, orderID, invoiceRef)
}

func (c *countingOrders) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	c.hit()
	return c.OrderRepository.FindByID(ctx, orderID)
}

func (c *countingOrders) FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error) {
	c.hit()
	return c.OrderRepository.FindBySessionRef(ctx, sessionRef)
}

func (c *countingOrders) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	c.hit()
	return c.OrderRepository.ListByCustomer(ctx, customerID)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type recordingDispatcher struct {
	mu     sync.Mutex
	orders []string
}

func (d *recordingDispatcher) Dispatch(_ context.Context, orderID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orders = append(d.orders, orderID)
}

type logEntry struct {
	event  string
	fields map[string]any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
}

func (l *captureLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.event == event {
			return true
		}
	}
	return false
}

// newPosterStore seeds product P with stock 5 and processor price "price_1".
func newPosterStore(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore(memory.WithClock(fixedClock))
	store.PutProduct(domain.Product{
		ID:     "prod_p",
		Name:   "Poster",
		Stock:  5,
		Prices: []domain.Price{{ID: "pr_1", ProcessorRef: "price_1", Currency: "eur"}},
	})
	store.PutCustomer(domain.Customer{
		ID:           "cust_1",
		Email:        "ada@example.com",
		Name:         "Ada",
		ProcessorRef: "cus_123",
	})
	return store
}

func productStock(t *testing.T, store *memory.Store, productID string) int64 {
	t.Helper()
	product, err := store.Catalog().FindProduct(context.Background(), productID)
	require.NoError(t, err, "find product %s", productID)
	return product.Stock
}

// paidSession returns processor stubs describing a paid session with the given lines.
func paidSession(processor *stubProcessor, sessionRef string, metadata map[string]string, lines ...payments.LineItem) {
	processor.getSessionFunc = func(_ context.Context, id string) (payments.SessionDetails, error) {
		if id != sessionRef {
			return payments.SessionDetails{}, payments.ErrNotFound
		}
		var total int64
		for _, line := range lines {
			total += line.AmountTotal
		}
		return payments.SessionDetails{
			ID:              sessionRef,
			Status:          "complete",
			PaymentStatus:   "paid",
			PaymentIntentID: "pi_" + sessionRef,
			AmountTotal:     total,
			Currency:        "EUR",
			Metadata:        metadata,
		}, nil
	}
	processor.listLineItemsFunc = func(_ context.Context, id string) ([]payments.LineItem, error) {
		if id != sessionRef {
			return nil, payments.ErrNotFound
		}
		return lines, nil
	}
}

// withPaymentStatus overrides the payment status reported for the stubbed session.
func withPaymentStatus(processor *stubProcessor, status string) {
	get := processor.getSessionFunc
	processor.getSessionFunc = func(ctx context.Context, id string) (payments.SessionDetails, error) {
		session, err := get(ctx, id)
		session.PaymentStatus = status
		return session, err
	}
}

func newTestFulfillment(t *testing.T, store *memory.Store, orders repositories.OrderRepository, processor *stubProcessor, events OrderEventPublisher, invoices InvoiceDispatcher) FulfillmentService {
	t.Helper()
	if orders == nil {
		orders = store.Orders()
	}
	var seq atomic.Int64
	svc, err := NewFulfillmentService(FulfillmentServiceDeps{
		Catalog:   store.Catalog(),
		Customers: store.Customers(),
		Orders:    orders,
		Processor: processor,
		Invoices:  invoices,
		Events:    events,
		Clock:     fixedClock,
		IDGenerator: func() string {
			return fmt.Sprintf("01TEST%04d", seq.Add(1))
		},
	})
	require.NoError(t, err)
	return svc
}
