package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
)

const (
	defaultInvoiceDaysUntilDue    = 30
	defaultInvoicePollInterval    = time.Second
	defaultInvoicePollTimeout     = 15 * time.Second
	defaultInvoiceDispatchTimeout = time.Minute
	invoiceOrderNumberField       = "Order Number"
	invoiceItemIdempotencyPrefix  = "invoice_item_"
)

type invoiceProcessor interface {
	CreateInvoice(ctx context.Context, req payments.InvoiceRequest) (payments.Invoice, error)
	AddInvoiceItem(ctx context.Context, req payments.InvoiceItemRequest) error
	ListInvoiceItems(ctx context.Context, invoiceID string) ([]payments.InvoiceLine, error)
	FinalizeInvoice(ctx context.Context, invoiceID string) (payments.Invoice, error)
	GetInvoice(ctx context.Context, invoiceID string) (payments.Invoice, error)
	DeleteInvoice(ctx context.Context, invoiceID string) error
	VoidInvoice(ctx context.Context, invoiceID string) error
}

// InvoiceServiceDeps wires the dependencies required by the invoice service.
type InvoiceServiceDeps struct {
	Orders       repositories.OrderRepository
	Customers    repositories.CustomerRepository
	Processor    invoiceProcessor
	DaysUntilDue int64
	PollInterval time.Duration
	PollTimeout  time.Duration
	Meter        metric.Meter
	Logger       func(ctx context.Context, event string, fields map[string]any)
}

type invoiceService struct {
	orders       repositories.OrderRepository
	customers    repositories.CustomerRepository
	processor    invoiceProcessor
	daysUntilDue int64
	pollInterval time.Duration
	pollTimeout  time.Duration
	metrics      serviceMetrics
	logger       func(ctx context.Context, event string, fields map[string]any)
}

// NewInvoiceService constructs an InvoiceService validating required dependencies.
func NewInvoiceService(deps InvoiceServiceDeps) (InvoiceService, error) {
	if deps.Orders == nil {
		return nil, errors.New("invoice service: order repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("invoice service: customer repository is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("invoice service: payment processor is required")
	}

	days := deps.DaysUntilDue
	if days <= 0 {
		days = defaultInvoiceDaysUntilDue
	}
	interval := deps.PollInterval
	if interval <= 0 {
		interval = defaultInvoicePollInterval
	}
	timeout := deps.PollTimeout
	if timeout <= 0 {
		timeout = defaultInvoicePollTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &invoiceService{
		orders:       deps.Orders,
		customers:    deps.Customers,
		processor:    deps.Processor,
		daysUntilDue: days,
		pollInterval: interval,
		pollTimeout:  timeout,
		metrics:      newServiceMetrics(deps.Meter),
		logger:       logger,
	}, nil
}

func (s *invoiceService) EmitInvoice(ctx context.Context, orderID string) (result Order, err error) {
	orderID = strings.TrimSpace(orderID)
	ctx, span := startSpan(ctx, "invoice.EmitInvoice", attribute.String("order_id", orderID))
	defer func() {
		add(ctx, s.metrics.invoices, 1, outcomeAttr(err))
		endSpan(span, err)
	}()

	if orderID == "" {
		return Order{}, newError(KindInvalidRequest, nil, "order id is required")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "order %s", orderID)
	}

	if order.InvoiceRef != "" {
		s.withdrawInvoice(ctx, order.ID, order.InvoiceRef)
	}

	if !order.HasCustomer() {
		return Order{}, newError(KindInvalidState, nil, "order %s has no customer to invoice", order.ID)
	}
	customer, err := s.customers.FindByID(ctx, order.CustomerID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "customer %s", order.CustomerID)
	}
	if customer.ProcessorRef == "" {
		return Order{}, newError(KindInvalidState, nil, "customer %s is not linked to the payment processor", customer.ID)
	}
	if len(order.Items) == 0 {
		return Order{}, newError(KindInvalidState, nil, "order %s has no items to invoice", order.ID)
	}
	for _, item := range order.Items {
		if strings.TrimSpace(item.PriceRef) == "" {
			return Order{}, newError(KindInvalidState, nil, "order item %s has no processor price", item.ID)
		}
	}

	invoice, err := s.processor.CreateInvoice(ctx, payments.InvoiceRequest{
		CustomerRef:  customer.ProcessorRef,
		DaysUntilDue: s.daysUntilDue,
		Metadata: map[string]string{
			"orderId":    order.ID,
			"orderTotal": strconv.FormatInt(order.Total, 10),
		},
		CustomFields: []payments.InvoiceField{{Name: invoiceOrderNumberField, Value: order.ID}},
	})
	if err != nil {
		return Order{}, mapProcessorError(err, "create invoice for order %s", order.ID)
	}

	for _, item := range order.Items {
		err := s.processor.AddInvoiceItem(ctx, payments.InvoiceItemRequest{
			InvoiceID:      invoice.ID,
			CustomerRef:    customer.ProcessorRef,
			PriceRef:       item.PriceRef,
			Quantity:       item.Quantity,
			IdempotencyKey: invoiceItemIdempotencyPrefix + invoice.ID + "_" + item.ID,
		})
		if err != nil {
			return Order{}, mapProcessorError(err, "add item %s to invoice %s", item.ID, invoice.ID)
		}
	}

	if err := s.awaitInvoiceLines(ctx, invoice.ID, len(order.Items)); err != nil {
		return Order{}, err
	}

	finalized, err := s.processor.FinalizeInvoice(ctx, invoice.ID)
	if err != nil {
		return Order{}, mapProcessorError(err, "finalize invoice %s", invoice.ID)
	}

	updated, err := s.orders.SetInvoiceRef(ctx, order.ID, finalized.ID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "record invoice for order %s", order.ID)
	}

	s.logger(ctx, "invoice.emitted", map[string]any{
		"orderId":    order.ID,
		"invoiceRef": finalized.ID,
		"number":     finalized.Number,
		"amountDue":  finalized.AmountDue,
	})
	return updated, nil
}

// withdrawInvoice removes a superseded invoice: drafts are deleted, open invoices
// are voided, and paid or already void invoices are left untouched. Failures are
// logged and never block the replacement invoice.
func (s *invoiceService) withdrawInvoice(ctx context.Context, orderID, invoiceRef string) {
	fields := map[string]any{"orderId": orderID, "invoiceRef": invoiceRef}
	previous, err := s.processor.GetInvoice(ctx, invoiceRef)
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "invoice.previous.lookup_failed", fields)
		return
	}
	fields["status"] = previous.Status

	switch previous.Status {
	case payments.InvoiceStatusDraft:
		err = s.processor.DeleteInvoice(ctx, invoiceRef)
	case payments.InvoiceStatusOpen, payments.InvoiceStatusUncollectible:
		err = s.processor.VoidInvoice(ctx, invoiceRef)
	default:
		s.logger(ctx, "invoice.previous.kept", fields)
		return
	}
	if err != nil {
		fields["error"] = err.Error()
		s.logger(ctx, "invoice.previous.withdraw_failed", fields)
		return
	}
	s.logger(ctx, "invoice.previous.withdrawn", fields)
}

// awaitInvoiceLines polls until the processor reports at least want lines on the invoice.
func (s *invoiceService) awaitInvoiceLines(ctx context.Context, invoiceID string, want int) error {
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	attempts := 0
	for {
		attempts++
		add(ctx, s.metrics.invoicePolls, 1)
		lines, err := s.processor.ListInvoiceItems(pollCtx, invoiceID)
		if err == nil && len(lines) >= want {
			return nil
		}
		if err != nil {
			s.logger(ctx, "invoice.lines.poll_failed", map[string]any{
				"invoiceRef": invoiceID,
				"attempt":    attempts,
				"error":      err.Error(),
			})
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return newError(KindUpstreamFailure, ctx.Err(), "waiting for invoice %s lines", invoiceID)
			}
			return newError(KindUpstreamFailure, pollCtx.Err(), "invoice %s lines not visible after %s", invoiceID, s.pollTimeout)
		case <-ticker.C:
		}
	}
}

// AsyncInvoiceDispatcher emits invoices on background goroutines detached from the caller's cancellation.
type AsyncInvoiceDispatcher struct {
	invoices InvoiceService
	timeout  time.Duration
	logger   func(ctx context.Context, event string, fields map[string]any)

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsyncInvoiceDispatcher constructs a dispatcher bounded by timeout per emission.
func NewAsyncInvoiceDispatcher(invoices InvoiceService, timeout time.Duration, logger func(ctx context.Context, event string, fields map[string]any)) (*AsyncInvoiceDispatcher, error) {
	if invoices == nil {
		return nil, errors.New("invoice dispatcher: invoice service is required")
	}
	if timeout <= 0 {
		timeout = defaultInvoiceDispatchTimeout
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &AsyncInvoiceDispatcher{invoices: invoices, timeout: timeout, logger: logger}, nil
}

// Dispatch schedules invoice emission for the order. It never blocks on the processor.
func (d *AsyncInvoiceDispatcher) Dispatch(ctx context.Context, orderID string) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.logger(ctx, "invoice.dispatch.dropped", map[string]any{"orderId": orderID})
		return
	}
	d.wg.Add(1)
	d.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		runCtx, cancel := context.WithTimeout(detached, d.timeout)
		defer cancel()

		if _, err := d.invoices.EmitInvoice(runCtx, orderID); err != nil {
			d.logger(runCtx, "invoice.dispatch.failed", map[string]any{
				"orderId":   orderID,
				"error":     err.Error(),
				"retryable": IsRetryable(err),
			})
		}
	}()
}

// Close stops accepting work and waits for in-flight emissions or ctx expiry.
func (d *AsyncInvoiceDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
