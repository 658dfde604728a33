package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/repositories/memory"
)

func TestOrderQueryService(t *testing.T) {
	ctx := context.Background()
	clock := testNow
	store := memory.NewStore(memory.WithClock(func() time.Time { return clock }))
	store.PutProduct(domain.Product{ID: "prod_p", Stock: 10})

	for i, id := range []string{"ord_old", "ord_new"} {
		clock = testNow.Add(time.Duration(i) * time.Hour)
		_, err := store.Orders().CreateWithStock(ctx, domain.Order{
			ID:         id,
			SessionRef: "sess_" + id,
			Status:     domain.OrderStatusCompleted,
			CustomerID: "cust_1",
			Items:      []domain.OrderItem{{ID: id + "_1", ProductID: "prod_p", Quantity: 1}},
		})
		require.NoError(t, err, "create %s", id)
	}

	svc, err := NewOrderQueryService(OrderQueryServiceDeps{Orders: store.Orders()})
	require.NoError(t, err)

	order, err := svc.GetOrder(ctx, "ord_old")
	require.NoError(t, err)
	assert.Equal(t, "sess_ord_old", order.SessionRef)

	_, err = svc.GetOrder(ctx, "ord_missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetOrder(ctx, " ")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	bySession, err := svc.GetOrderBySession(ctx, "sess_ord_new")
	require.NoError(t, err)
	assert.Equal(t, "ord_new", bySession.ID)
	_, err = svc.GetOrderBySession(ctx, "sess_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	orders, err := svc.ListCustomerOrders(ctx, "cust_1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, "ord_new", orders[0].ID, "newest first")
	assert.Equal(t, "ord_old", orders[1].ID)

	empty, err := svc.ListCustomerOrders(ctx, "cust_none")
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
