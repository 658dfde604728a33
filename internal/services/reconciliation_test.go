package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/payments"
)

// TestReconciliationLifecycle drives a paid session through webhook delivery,
// redelivery and refunds against the memory store.
func TestReconciliationLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newPosterStore(t)
	processor := &stubProcessor{
		verifyFunc: func(payload []byte, signature string) (payments.WebhookEvent, error) {
			if signature != "valid" {
				return payments.WebhookEvent{}, payments.ErrInvalidSignature
			}
			return payments.WebhookEvent{ID: "evt_" + string(payload), Type: payments.EventCheckoutSessionCompleted, ObjectID: "sess_A"}, nil
		},
	}
	paidSession(processor, "sess_A", nil,
		payments.LineItem{ID: "li_1", PriceRef: "price_1", Quantity: 2, AmountTotal: 4000},
	)
	fulfillment := newTestFulfillment(t, store, nil, processor, nil, nil)
	webhooks := newTestWebhook(t, processor, fulfillment)
	refunds := newTestRefund(t, store.Orders(), processor, nil)

	first, err := webhooks.HandleEvent(ctx, []byte("1"), "valid")
	require.NoError(t, err)
	require.Equal(t, WebhookActionFulfilled, first.Action)
	require.NotNil(t, first.Report)
	orderID := first.Report.OrderID

	order, err := store.Orders().FindByID(ctx, orderID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCompleted, order.Status)
	require.Len(t, order.Items, 1)
	assert.Equal(t, "prod_p", order.Items[0].ProductID)
	assert.Equal(t, int64(2), order.Items[0].Quantity)
	assert.Equal(t, int64(3), productStock(t, store, "prod_p"))

	second, err := webhooks.HandleEvent(ctx, []byte("2"), "valid")
	require.NoError(t, err)
	assert.Equal(t, WebhookActionDuplicate, second.Action)
	require.NotNil(t, second.Report)
	assert.Equal(t, orderID, second.Report.OrderID)
	assert.Equal(t, int64(3), productStock(t, store, "prod_p"))

	result, err := refunds.RefundOrder(ctx, RefundCommand{OrderID: orderID, Reason: "requested_by_customer"})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, result.Order.Status)
	assert.Equal(t, int64(5), productStock(t, store, "prod_p"))
	assert.Equal(t, 1, processor.count("CreateRefund"))

	_, err = refunds.RefundOrder(ctx, RefundCommand{OrderID: orderID})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(5), productStock(t, store, "prod_p"))

	_, err = webhooks.HandleEvent(ctx, []byte("3"), "forged")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestRefundRestoresRecordedQuantitiesRegardlessOfCurrentStock(t *testing.T) {
	ctx := context.Background()
	processor := &stubProcessor{}
	store, orderID := fulfilledStore(t, processor)

	// Stock is replenished out of band after fulfillment.
	store.PutProduct(domain.Product{
		ID:     "prod_p",
		Name:   "Poster",
		Stock:  40,
		Prices: []domain.Price{{ID: "pr_1", ProcessorRef: "price_1", Currency: "eur"}},
	})

	_, err := newTestRefund(t, store.Orders(), processor, nil).RefundOrder(ctx, RefundCommand{OrderID: orderID})
	require.NoError(t, err)
	assert.Equal(t, int64(42), productStock(t, store, "prod_p"))
}
