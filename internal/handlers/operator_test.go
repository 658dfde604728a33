package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/payments-api/internal/payments"
	"github.com/storefront/payments-api/internal/platform/auth"
	"github.com/storefront/payments-api/internal/services"
)

func newOperatorRouter(h *OperatorHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/internal", h.Routes)
	return r
}

func completedOrder() services.Order {
	return services.Order{
		ID:         "ord_1",
		SessionRef: "sess_A",
		Status:     services.OrderStatus("COMPLETED"),
		Total:      4000,
		Currency:   "eur",
		Items: []services.OrderItem{
			{ID: "item_1", OrderID: "ord_1", ProductID: "P", PriceRef: "price_1", Quantity: 2, Amount: 4000},
		},
		CreatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
		UpdatedAt: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRefundOrder(t *testing.T) {
	var captured services.RefundCommand
	refunds := &stubRefundService{
		refundFn: func(_ context.Context, cmd services.RefundCommand) (services.RefundResult, error) {
			captured = cmd
			order := completedOrder()
			order.Status = services.OrderStatus("REFUNDED")
			return services.RefundResult{
				Order:  order,
				Refund: payments.Refund{ID: "re_1", Status: "succeeded", Amount: 4000, Currency: "eur"},
			}, nil
		},
	}
	router := newOperatorRouter(NewOperatorHandlers(refunds, nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/payments/refund/ord_1", strings.NewReader(`{"reason":"requested_by_customer"}`)))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ord_1", captured.OrderID)
	assert.Equal(t, "requested_by_customer", captured.Reason)

	payload := decodeBody(t, rec)
	assert.Equal(t, "re_1", payload["refundId"])
	assert.EqualValues(t, 4000, payload["amount"])
	order := payload["order"].(map[string]any)
	assert.Equal(t, "REFUNDED", order["status"])
}

func TestRefundOrderErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "already refunded", err: &services.Error{Kind: services.KindInvalidState, Message: "order ord_1 is already refunded"}, status: http.StatusConflict, code: "invalid_state"},
		{name: "unknown order", err: &services.Error{Kind: services.KindNotFound, Message: "order ord_1"}, status: http.StatusNotFound, code: "not_found"},
		{name: "processor failure", err: &services.Error{Kind: services.KindUpstreamFailure, Message: "create refund"}, status: http.StatusBadGateway, code: "upstream_failure"},
		{name: "unclassified", err: assert.AnError, status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			refunds := &stubRefundService{refundFn: func(context.Context, services.RefundCommand) (services.RefundResult, error) {
				return services.RefundResult{}, tc.err
			}}
			router := newOperatorRouter(NewOperatorHandlers(refunds, nil, nil))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/payments/refund/ord_1", nil))

			assert.Equal(t, tc.status, rec.Code)
			payload := decodeBody(t, rec)
			assert.Equal(t, tc.code, payload["error"])
			assert.NotContains(t, payload["message"], assert.AnError.Error())
		})
	}
}

func TestReconcileSession(t *testing.T) {
	calls := 0
	fulfillment := &stubFulfillmentService{
		fulfillFn: func(_ context.Context, sessionRef string) (services.FulfillmentReport, error) {
			calls++
			return services.FulfillmentReport{
				SessionRef: sessionRef,
				OrderID:    "ord_1",
				Duplicate:  calls > 1,
				Lines:      []services.LineResult{{ProductID: "P", Quantity: 2, Status: services.LineStatusOK}},
			}, nil
		},
	}
	router := newOperatorRouter(NewOperatorHandlers(nil, fulfillment, nil))

	first := httptest.NewRecorder()
	router.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile/sess_A", nil))
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, "sess_A", decodeBody(t, first)["sessionId"])

	second := httptest.NewRecorder()
	router.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile/sess_A", nil))
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, true, decodeBody(t, second)["duplicate"])
}

func TestReconcileSessionAcceptsUnpaidSession(t *testing.T) {
	fulfillment := &stubFulfillmentService{
		fulfillFn: func(_ context.Context, sessionRef string) (services.FulfillmentReport, error) {
			return services.FulfillmentReport{SessionRef: sessionRef, Deferred: true}, nil
		},
	}
	router := newOperatorRouter(NewOperatorHandlers(nil, fulfillment, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/payments/reconcile/sess_A", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["deferred"])
	assert.Equal(t, false, body["duplicate"])
	assert.Empty(t, body["orderId"])
}

func TestEmitInvoice(t *testing.T) {
	invoices := &stubInvoiceService{
		emitFn: func(_ context.Context, orderID string) (services.Order, error) {
			if orderID != "ord_1" {
				return services.Order{}, &services.Error{Kind: services.KindNotFound, Message: "order " + orderID}
			}
			order := completedOrder()
			order.CustomerID = "cus_1"
			order.InvoiceRef = "in_1"
			return order, nil
		},
	}
	router := newOperatorRouter(NewOperatorHandlers(nil, nil, invoices))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/orders/ord_1/invoice", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "in_1", decodeBody(t, rec)["invoiceId"])

	missing := httptest.NewRecorder()
	router.ServeHTTP(missing, httptest.NewRequest(http.MethodPost, "/internal/orders/ord_9/invoice", nil))
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestOperatorRoutesRequireSignature(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	verifier := auth.NewOperatorVerifier(map[string]string{"ops": "s3cret"},
		auth.WithClock(func() time.Time { return now }),
	)
	refunds := &stubRefundService{refundFn: func(_ context.Context, cmd services.RefundCommand) (services.RefundResult, error) {
		return services.RefundResult{Order: completedOrder(), Refund: payments.Refund{ID: "re_1"}}, nil
	}}
	router := NewRouter(
		WithInternalRoutes(NewOperatorHandlers(refunds, nil, nil).Routes),
		WithInternalMiddlewares(verifier.RequireOperator()),
	)

	path := "/api/v1/internal/payments/refund/ord_1"
	body := []byte(`{"reason":"damaged"}`)

	unsigned := httptest.NewRecorder()
	router.ServeHTTP(unsigned, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, unsigned.Code)

	timestamp := now.Format(time.RFC3339)
	signature := auth.Sign([]byte("s3cret"), auth.CanonicalString(http.MethodPost, path, timestamp, "nonce-1", body))
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set(auth.KeyHeader, "ops")
	req.Header.Set("X-Signature", hex.EncodeToString(signature))
	req.Header.Set("X-Signature-Timestamp", timestamp)
	req.Header.Set("X-Signature-Nonce", "nonce-1")
	signed := httptest.NewRecorder()
	router.ServeHTTP(signed, req)
	assert.Equal(t, http.StatusOK, signed.Code)
}
