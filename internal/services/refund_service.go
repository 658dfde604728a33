package services

import (
	"context"
	"errors"
	"html"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
)

const (
	defaultRefundReason   = "requested_by_customer"
	refundIdempotencyPref = "refund_"
	maxRefundReasonLength = 500
	refundStatusSucceeded = "succeeded"
)

var refundReasonPolicy = bluemonday.StrictPolicy()

type refundProcessor interface {
	GetCheckoutSession(ctx context.Context, sessionID string) (payments.SessionDetails, error)
	CreateRefund(ctx context.Context, req payments.RefundRequest) (payments.Refund, error)
}

// RefundServiceDeps wires the dependencies required by the refund service.
type RefundServiceDeps struct {
	Orders    repositories.OrderRepository
	Processor refundProcessor
	Events    OrderEventPublisher
	Clock     func() time.Time
	Meter     metric.Meter
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type refundService struct {
	orders    repositories.OrderRepository
	processor refundProcessor
	events    OrderEventPublisher
	clock     func() time.Time
	metrics   serviceMetrics
	logger    func(ctx context.Context, event string, fields map[string]any)
}

// NewRefundService constructs a RefundService validating required dependencies.
func NewRefundService(deps RefundServiceDeps) (RefundService, error) {
	if deps.Orders == nil {
		return nil, errors.New("refund service: order repository is required")
	}
	if deps.Processor == nil {
		return nil, errors.New("refund service: payment processor is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &refundService{
		orders:    deps.Orders,
		processor: deps.Processor,
		events:    deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		metrics: newServiceMetrics(deps.Meter),
		logger:  logger,
	}, nil
}

func (s *refundService) RefundOrder(ctx context.Context, cmd RefundCommand) (result RefundResult, err error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	ctx, span := startSpan(ctx, "refund.RefundOrder", attribute.String("order_id", orderID))
	defer func() {
		add(ctx, s.metrics.refunds, 1, outcomeAttr(err))
		endSpan(span, err)
	}()

	if orderID == "" {
		return RefundResult{}, newError(KindInvalidRequest, nil, "order id is required")
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return RefundResult{}, mapRepositoryError(err, "order %s", orderID)
	}
	switch order.Status {
	case domain.OrderStatusCompleted:
	case domain.OrderStatusRefunded:
		return RefundResult{}, newError(KindInvalidState, nil, "order %s is already refunded", orderID)
	default:
		return RefundResult{}, newError(KindInvalidState, nil, "order %s in status %s cannot be refunded", orderID, order.Status)
	}

	session, err := s.processor.GetCheckoutSession(ctx, order.SessionRef)
	if err != nil {
		return RefundResult{}, mapProcessorError(err, "retrieve session %s", order.SessionRef)
	}
	if strings.TrimSpace(session.PaymentIntentID) == "" {
		return RefundResult{}, newError(KindInvalidState, nil, "session %s has no payment to refund", order.SessionRef)
	}

	reason := sanitizeRefundReason(cmd.Reason)
	refund, err := s.processor.CreateRefund(ctx, payments.RefundRequest{
		PaymentIntentID: session.PaymentIntentID,
		Reason:          reason,
		IdempotencyKey:  refundIdempotencyPref + order.ID,
		Metadata: map[string]string{
			"orderId": order.ID,
			"reason":  reason,
		},
	})
	switch {
	case errors.Is(err, payments.ErrAlreadyRefunded):
		// an earlier attempt refunded the charge but never recorded it locally
		s.logger(ctx, "refund.processor.already_refunded", map[string]any{
			"orderId":       order.ID,
			"paymentIntent": session.PaymentIntentID,
		})
		refund = payments.Refund{Status: refundStatusSucceeded, PaymentIntentID: session.PaymentIntentID}
	case err != nil:
		return RefundResult{}, mapProcessorError(err, "refund order %s", order.ID)
	}

	refunded, levels, err := s.orders.MarkRefunded(ctx, order.ID)
	if err != nil {
		// The processor refund is idempotent on the order, so a retry can complete the local flip.
		s.logger(ctx, "refund.mark_refunded.failed", map[string]any{
			"orderId":  order.ID,
			"refundId": refund.ID,
			"error":    err.Error(),
		})
		return RefundResult{}, mapRepositoryError(err, "mark order %s refunded", order.ID)
	}

	stock := make(map[string]int64, len(levels))
	for _, level := range levels {
		stock[level.ProductID] = level.Stock
	}
	s.logger(ctx, "refund.order.refunded", map[string]any{
		"orderId":  refunded.ID,
		"refundId": refund.ID,
		"reason":   reason,
		"stock":    stock,
	})

	s.publish(ctx, refunded, refund)
	return RefundResult{Order: refunded, Refund: refund}, nil
}

func (s *refundService) publish(ctx context.Context, order Order, refund payments.Refund) {
	if s.events == nil {
		return
	}
	event := OrderEvent{
		Type:          orderEventRefunded,
		OrderID:       order.ID,
		SessionRef:    order.SessionRef,
		CustomerID:    order.CustomerID,
		CurrentStatus: string(order.Status),
		Total:         order.Total,
		Currency:      order.Currency,
		OccurredAt:    s.clock(),
		Metadata:      map[string]any{"refundId": refund.ID, "refundStatus": refund.Status},
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "refund.event.publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func sanitizeRefundReason(raw string) string {
	reason := strings.TrimSpace(html.UnescapeString(refundReasonPolicy.Sanitize(raw)))
	if reason == "" {
		return defaultRefundReason
	}
	if utf8.RuneCountInString(reason) > maxRefundReasonLength {
		reason = strings.TrimSpace(string([]rune(reason)[:maxRefundReasonLength]))
	}
	return reason
}
