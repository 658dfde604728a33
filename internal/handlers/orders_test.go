package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/payments-api/internal/services"
)

func newOrdersRouter(h *OrderHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	return r
}

func TestGetOrder(t *testing.T) {
	orders := &stubOrderQueryService{
		getFn: func(_ context.Context, id string) (services.Order, error) {
			if id == "ord_1" {
				return completedOrder(), nil
			}
			return services.Order{}, &services.Error{Kind: services.KindNotFound, Message: "order " + id}
		},
	}
	router := newOrdersRouter(NewOrderHandlers(orders))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	payload := decodeBody(t, rec)
	assert.Equal(t, "ord_1", payload["id"])
	assert.Equal(t, "sess_A", payload["sessionId"])
	assert.Equal(t, "COMPLETED", payload["status"])
	assert.Equal(t, "2026-05-01T12:00:00Z", payload["createdAt"])
	items := payload["items"].([]any)
	require.Len(t, items, 1)
	assert.EqualValues(t, 2, items[0].(map[string]any)["quantity"])
	assert.NotContains(t, payload, "customerId")

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/orders/ord_2", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
	assert.Equal(t, "not_found", decodeBody(t, missing)["error"])
}

func TestGetOrderBySession(t *testing.T) {
	var gotSession string
	orders := &stubOrderQueryService{
		bySessionFn: func(_ context.Context, sessionRef string) (services.Order, error) {
			gotSession = sessionRef
			return completedOrder(), nil
		},
	}
	router := newOrdersRouter(NewOrderHandlers(orders))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/session/sess_A", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "sess_A", gotSession)
}

func TestListCustomerOrders(t *testing.T) {
	orders := &stubOrderQueryService{
		listFn: func(_ context.Context, customerID string) ([]services.Order, error) {
			if customerID == "" {
				return nil, &services.Error{Kind: services.KindInvalidRequest, Message: "customer id is required"}
			}
			if customerID == "cus_empty" {
				return nil, nil
			}
			first := completedOrder()
			second := completedOrder()
			second.ID = "ord_0"
			return []services.Order{first, second}, nil
		},
	}
	router := newOrdersRouter(NewOrderHandlers(orders))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/orders/customer/cus_1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	items := decodeBody(t, rec)["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "ord_1", items[0].(map[string]any)["id"])

	empty := httptest.NewRecorder()
	router.ServeHTTP(empty, httptest.NewRequest(http.MethodGet, "/orders/customer/cus_empty", nil))
	require.Equal(t, http.StatusOK, empty.Code)
	assert.JSONEq(t, `{"items":[]}`, empty.Body.String())
}
