package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/repositories"
	"github.com/storefront/payments-api/internal/repositories/memory"
)

func newTestRefund(t *testing.T, orders repositories.OrderRepository, processor *stubProcessor, events OrderEventPublisher) RefundService {
	t.Helper()
	svc, err := NewRefundService(RefundServiceDeps{
		Orders:    orders,
		Processor: processor,
		Events:    events,
		Clock:     fixedClock,
	})
	require.NoError(t, err)
	return svc
}

// fulfilledStore returns a store holding a COMPLETED order for sess_A with two units of prod_p.
func fulfilledStore(t *testing.T, processor *stubProcessor) (*memory.Store, string) {
	t.Helper()
	store := newPosterStore(t)
	paidSession(processor, "sess_A", nil,
		payments.LineItem{ID: "li_1", PriceRef: "price_1", Quantity: 2, AmountTotal: 4000},
	)
	report, err := newTestFulfillment(t, store, nil, processor, nil, nil).Fulfill(context.Background(), "sess_A")
	require.NoError(t, err)
	return store, report.OrderID
}

// flakyRefundMarks fails the first MarkRefunded call.
type flakyRefundMarks struct {
	repositories.OrderRepository
	failed bool
}

func (f *flakyRefundMarks) MarkRefunded(ctx context.Context, orderID string) (domain.Order, []repositories.StockLevel, error) {
	if !f.failed {
		f.failed = true
		return domain.Order{}, nil, errors.New("store unavailable")
	}
	return f.OrderRepository.MarkRefunded(ctx, orderID)
}

func TestRefundServiceRefundsAndRestoresStock(t *testing.T) {
	ctx := context.Background()
	var captured payments.RefundRequest
	processor := &stubProcessor{
		createRefundFunc: func(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
			captured = req
			return payments.Refund{ID: "re_9", Status: "succeeded", Amount: 4000, Currency: "eur"}, nil
		},
	}
	store, orderID := fulfilledStore(t, processor)
	events := &recordingPublisher{}
	svc := newTestRefund(t, store.Orders(), processor, events)

	result, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID, Reason: "fraudulent"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, result.Order.Status)
	assert.Equal(t, "re_9", result.Refund.ID)
	assert.Equal(t, int64(5), productStock(t, store, "prod_p"))
	assert.Equal(t, 1, processor.count("CreateRefund"))

	assert.Equal(t, "pi_sess_A", captured.PaymentIntentID)
	assert.Equal(t, "refund_"+orderID, captured.IdempotencyKey)
	assert.Equal(t, "fraudulent", captured.Reason)
	assert.Equal(t, orderID, captured.Metadata["orderId"])
	assert.Equal(t, []string{"order.refunded"}, events.types())
}

func TestRefundServiceSecondRefundIsInvalidStateWithoutMutation(t *testing.T) {
	ctx := context.Background()
	processor := &stubProcessor{}
	store, orderID := fulfilledStore(t, processor)
	orders := &countingOrders{OrderRepository: store.Orders()}
	svc := newTestRefund(t, orders, processor, nil)

	_, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID})
	require.NoError(t, err)
	refundCalls := processor.count("CreateRefund")
	storeCalls := orders.count()

	_, err = svc.RefundOrder(ctx, RefundCommand{OrderID: orderID})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, refundCalls, processor.count("CreateRefund"), "no second processor refund")
	assert.Equal(t, storeCalls+1, orders.count(), "only the order lookup runs on the second attempt")
	assert.Equal(t, int64(5), productStock(t, store, "prod_p"))
}

func TestRefundServiceUnknownOrderIsNotFound(t *testing.T) {
	processor := &stubProcessor{}
	svc := newTestRefund(t, newPosterStore(t).Orders(), processor, nil)

	_, err := svc.RefundOrder(context.Background(), RefundCommand{OrderID: "ord_missing"})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, processor.total())
}

func TestRefundServiceProcessorFailureKeepsOrderCompleted(t *testing.T) {
	ctx := context.Background()
	processor := &stubProcessor{}
	store, orderID := fulfilledStore(t, processor)
	processor.createRefundFunc = func(context.Context, payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{}, errors.New("stripe: refund payment intent: card_declined")
	}
	svc := newTestRefund(t, store.Orders(), processor, nil)

	_, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID})
	assert.ErrorIs(t, err, ErrUpstreamFailure)

	order, err := store.Orders().FindByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	assert.Equal(t, int64(3), productStock(t, store, "prod_p"))
}

func TestRefundServiceAlreadyRefundedChargeCompletesLocally(t *testing.T) {
	ctx := context.Background()
	processor := &stubProcessor{}
	store, orderID := fulfilledStore(t, processor)
	processor.createRefundFunc = func(context.Context, payments.RefundRequest) (payments.Refund, error) {
		return payments.Refund{}, fmt.Errorf("stripe: refund payment intent: %w: charge ch_1 has already been refunded", payments.ErrAlreadyRefunded)
	}
	events := &recordingPublisher{}
	svc := newTestRefund(t, store.Orders(), processor, events)

	result, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, result.Order.Status)
	assert.Equal(t, "pi_sess_A", result.Refund.PaymentIntentID)
	assert.Equal(t, int64(5), productStock(t, store, "prod_p"))
	assert.Equal(t, []string{"order.refunded"}, events.types())
}

func TestRefundServiceRetryAfterLocalFailureCompletes(t *testing.T) {
	ctx := context.Background()
	processor := &stubProcessor{}
	store, orderID := fulfilledStore(t, processor)
	refunded := false
	processor.createRefundFunc = func(_ context.Context, req payments.RefundRequest) (payments.Refund, error) {
		if refunded {
			return payments.Refund{}, fmt.Errorf("stripe: refund payment intent: %w", payments.ErrAlreadyRefunded)
		}
		refunded = true
		return payments.Refund{ID: "re_1", Status: "succeeded", PaymentIntentID: req.PaymentIntentID}, nil
	}
	svc := newTestRefund(t, &flakyRefundMarks{OrderRepository: store.Orders()}, processor, nil)

	_, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID, Reason: "damaged"})
	require.Error(t, err)
	order, err := store.Orders().FindByID(ctx, orderID)
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCompleted, order.Status)

	// a different reason no longer matches the first request, so only the already refunded signal remains
	result, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID, Reason: "changed my mind"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, result.Order.Status)
	assert.Equal(t, 2, processor.count("CreateRefund"))
	assert.Equal(t, int64(5), productStock(t, store, "prod_p"))
}

func TestRefundServiceSessionWithoutPaymentIsInvalidState(t *testing.T) {
	ctx := context.Background()
	processor := &stubProcessor{}
	store, orderID := fulfilledStore(t, processor)
	processor.getSessionFunc = func(_ context.Context, id string) (payments.SessionDetails, error) {
		return payments.SessionDetails{ID: id}, nil
	}
	svc := newTestRefund(t, store.Orders(), processor, nil)

	_, err := svc.RefundOrder(ctx, RefundCommand{OrderID: orderID})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Zero(t, processor.count("CreateRefund"))
}

func TestSanitizeRefundReason(t *testing.T) {
	cases := map[string]string{
		"":                                    "requested_by_customer",
		"   ":                                 "requested_by_customer",
		"duplicate":                           "duplicate",
		"<script>alert(1)</script>":           "requested_by_customer",
		"<b>damaged</b> on arrival":           "damaged on arrival",
		"customer &amp; carrier disagreement": "customer & carrier disagreement",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizeRefundReason(in), "input %q", in)
	}
}

func TestSanitizeRefundReasonTruncatesOnRuneBoundary(t *testing.T) {
	got := sanitizeRefundReason(strings.Repeat("a", maxRefundReasonLength-1) + "éé")

	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, maxRefundReasonLength, utf8.RuneCountInString(got))
	assert.True(t, strings.HasSuffix(got, "aé"))

	short := strings.Repeat("ü", maxRefundReasonLength)
	assert.Equal(t, short, sanitizeRefundReason(short), "multi-byte reasons at the limit are kept whole")
}
