package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
)

const (
	orderEventFulfilled = "order.fulfilled"
	orderEventRefunded  = "order.refunded"

	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "oit_"
)

type fulfillmentProcessor interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (payments.SessionDetails, error)
	ListLineItems(ctx context.Context, sessionID string) ([]payments.LineItem, error)
	UpdateCustomer(ctx context.Context, req payments.CustomerUpdate) error
}

// FulfillmentServiceDeps bundles collaborators required to construct the fulfillment service.
type FulfillmentServiceDeps struct {
	Catalog     repositories.CatalogRepository
	Customers   repositories.CustomerRepository
	Orders      repositories.OrderRepository
	Processor   fulfillmentProcessor
	Invoices    InvoiceDispatcher
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Meter       metric.Meter
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentService struct {
	catalog   repositories.CatalogRepository
	customers repositories.CustomerRepository
	orders    repositories.OrderRepository
	processor fulfillmentProcessor
	invoices  InvoiceDispatcher
	events    OrderEventPublisher
	clock     func() time.Time
	newID     func() string
	metrics   serviceMetrics
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewFulfillmentService constructs a FulfillmentService validating required dependencies.
func NewFulfillmentService(deps FulfillmentServiceDeps) (FulfillmentService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("fulfillment service: catalog repository is required")
	}
	if deps.Customers == nil {
		return nil, errors.New("fulfillment service: customer repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("fulfillment service: order repository is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("fulfillment service: payment processor is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentService{
		catalog:   deps.Catalog,
		customers: deps.Customers,
		orders:    deps.Orders,
		processor: deps.Processor,
		invoices:  deps.Invoices,
		events:    deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:   newID,
		metrics: newServiceMetrics(deps.Meter),
		logger:  logger,
	}, nil
}

func (s *fulfillmentService) Fulfill(ctx context.Context, sessionRef string) (report FulfillmentReport, err error) {
	sessionRef = strings.TrimSpace(sessionRef)
	ctx, span := startSpan(ctx, "fulfillment.Fulfill", attribute.String("session_ref", sessionRef))
	defer func() {
		outcome := outcomeAttr(err)
		switch {
		case err != nil:
		case report.Duplicate:
			outcome = attribute.String("outcome", "duplicate")
		case report.Deferred:
			outcome = attribute.String("outcome", "deferred")
		}
		add(ctx, s.metrics.fulfillments, 1, outcome)
		endSpan(span, err)
	}()

	if sessionRef == "" {
		return FulfillmentReport{}, newError(KindInvalidRequest, nil, "session reference is required")
	}

	if existing, err := s.orders.FindBySessionRef(ctx, sessionRef); err == nil {
		s.logger(ctx, "fulfillment.duplicate", map[string]any{"sessionRef": sessionRef, "orderId": existing.ID})
		return FulfillmentReport{SessionRef: sessionRef, OrderID: existing.ID, Duplicate: true}, nil
	} else if !isNotFound(err) {
		return FulfillmentReport{}, mapRepositoryError(err, "lookup order for session %s", sessionRef)
	}

	session, err := s.processor.GetCheckoutSession(ctx, sessionRef)
	if err != nil {
		return FulfillmentReport{}, mapProcessorError(err, "retrieve session %s", sessionRef)
	}
	// delayed payment methods complete the session before the funds arrive
	if strings.EqualFold(session.PaymentStatus, payments.PaymentStatusUnpaid) {
		s.logger(ctx, "fulfillment.payment.pending", map[string]any{
			"sessionRef":    sessionRef,
			"paymentStatus": session.PaymentStatus,
		})
		return FulfillmentReport{SessionRef: sessionRef, Deferred: true}, nil
	}
	lineItems, err := s.processor.ListLineItems(ctx, sessionRef)
	if err != nil {
		return FulfillmentReport{}, mapProcessorError(err, "list line items for session %s", sessionRef)
	}

	now := s.clock()
	order := domain.Order{
		ID:         orderIDPrefix + s.newID(),
		SessionRef: sessionRef,
		Status:     domain.OrderStatusCompleted,
		Total:      session.AmountTotal,
		Currency:   strings.ToLower(session.Currency),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	report = FulfillmentReport{SessionRef: sessionRef, OrderID: order.ID}

	for _, line := range lineItems {
		result := s.resolveLine(ctx, line)
		add(ctx, s.metrics.fulfillmentLines, 1, attribute.String("status", string(result.Status)))
		if result.Status == LineStatusOK {
			order.Items = append(order.Items, domain.OrderItem{
				ID:        orderItemIDPrefix + s.newID(),
				OrderID:   order.ID,
				ProductID: result.ProductID,
				PriceID:   result.priceID,
				PriceRef:  result.PriceRef,
				Quantity:  result.Quantity,
				Amount:    result.Amount,
			})
		} else {
			s.logger(ctx, "fulfillment.line.skipped", map[string]any{
				"sessionRef": sessionRef,
				"lineId":     result.LineID,
				"priceRef":   result.PriceRef,
				"reason":     result.Reason,
			})
		}
		report.Lines = append(report.Lines, result.LineResult)
	}

	if customer, ok := s.resolveCustomer(ctx, session.Metadata); ok {
		order.CustomerID = customer.ID
		s.refreshProcessorCustomer(ctx, customer)
	}

	levels, err := s.orders.CreateWithStock(ctx, order)
	if err != nil {
		if KindOf(mapRepositoryError(err, "")) == KindConflict {
			return FulfillmentReport{}, newError(KindConflict, err, "order for session %s was created concurrently", sessionRef)
		}
		return FulfillmentReport{}, mapRepositoryError(err, "create order for session %s", sessionRef)
	}
	report.StockLevels = make(map[string]int64, len(levels))
	for _, level := range levels {
		report.StockLevels[level.ProductID] = level.Stock
	}

	s.logger(ctx, "fulfillment.order.created", map[string]any{
		"sessionRef": sessionRef,
		"orderId":    order.ID,
		"fulfilled":  report.Fulfilled(),
		"skipped":    report.Skipped(),
		"total":      order.Total,
	})

	s.publish(ctx, order)
	if s.invoices != nil {
		s.invoices.Dispatch(ctx, order.ID)
	}
	return report, nil
}

type resolvedLine struct {
	LineResult
	priceID string
}

func (s *fulfillmentService) resolveLine(ctx context.Context, line payments.LineItem) resolvedLine {
	result := resolvedLine{LineResult: LineResult{
		LineID:   line.ID,
		PriceRef: line.PriceRef,
		Quantity: line.Quantity,
		Amount:   line.AmountTotal,
		Status:   LineStatusSkipped,
	}}

	if strings.TrimSpace(line.PriceRef) == "" {
		result.Reason = SkipReasonMissingPrice
		return result
	}
	if line.Quantity <= 0 {
		result.Reason = SkipReasonInvalidQuantity
		return result
	}

	price, err := s.catalog.FindPriceByProcessorRef(ctx, line.PriceRef)
	switch {
	case err == nil:
	case isNotFound(err):
		result.Reason = SkipReasonPriceNotFound
		return result
	default:
		s.logger(ctx, "fulfillment.line.lookup_failed", map[string]any{
			"priceRef": line.PriceRef,
			"error":    err.Error(),
		})
		result.Reason = SkipReasonLookupFailed
		return result
	}

	result.ProductID = price.ProductID
	result.priceID = price.ID
	result.Status = LineStatusOK
	return result
}

func (s *fulfillmentService) resolveCustomer(ctx context.Context, metadata map[string]string) (Customer, bool) {
	customerID := strings.TrimSpace(metadata[metadataCustomerID])
	if customerID == "" {
		return Customer{}, false
	}
	customer, err := s.customers.FindByID(ctx, customerID)
	if err != nil {
		s.logger(ctx, "fulfillment.customer.unresolved", map[string]any{
			"customerId": customerID,
			"error":      err.Error(),
		})
		return Customer{}, false
	}
	return customer, true
}

func (s *fulfillmentService) refreshProcessorCustomer(ctx context.Context, customer Customer) {
	if customer.ProcessorRef == "" {
		return
	}
	err := s.processor.UpdateCustomer(ctx, payments.CustomerUpdate{
		CustomerRef: customer.ProcessorRef,
		Email:       customer.Email,
		Name:        customer.Name,
		Metadata:    map[string]string{metadataCustomerID: customer.ID},
	})
	if err != nil {
		s.logger(ctx, "fulfillment.customer.refresh_failed", map[string]any{
			"customerId":  customer.ID,
			"customerRef": customer.ProcessorRef,
			"error":       err.Error(),
		})
	}
}

func (s *fulfillmentService) publish(ctx context.Context, order Order) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:          orderEventFulfilled,
		OrderID:       order.ID,
		SessionRef:    order.SessionRef,
		CustomerID:    order.CustomerID,
		CurrentStatus: string(order.Status),
		Total:         order.Total,
		Currency:      order.Currency,
		OccurredAt:    s.clock(),
		Metadata:      map[string]any{"items": len(order.Items)},
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "fulfillment.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}
