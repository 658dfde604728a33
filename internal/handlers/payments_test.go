package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront/payments-api/internal/services"
)

func newPaymentsRouter(h *PaymentHandlers) chi.Router {
	r := chi.NewRouter()
	r.Route("/payments", h.Routes)
	r.Route("/webhooks", h.WebhookRoutes)
	return r
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	return payload
}

func TestCreateCheckoutSession(t *testing.T) {
	expires := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	var captured services.CreateCheckoutSessionCommand
	checkout := &stubCheckoutService{
		createFn: func(_ context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
			captured = cmd
			return services.CheckoutSession{
				SessionID:            "cs_test_1",
				RedirectURL:          "https://checkout.stripe.test/cs_test_1",
				ExpiresAt:            expires,
				InlinePricedProducts: []string{"prod_2"},
			}, nil
		},
	}
	router := newPaymentsRouter(NewPaymentHandlers(checkout, nil))

	body := `{"items":[{"productId":" prod_1 ","quantity":2},{"productId":"prod_2","quantity":1}],"customerId":"cus_local","locale":"fr-CA"}`
	req := httptest.NewRequest(http.MethodPost, "/payments/checkout-session", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "idem-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	payload := decodeBody(t, rec)
	assert.Equal(t, "cs_test_1", payload["sessionId"])
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", payload["url"])
	assert.Equal(t, "2026-05-01T12:00:00Z", payload["expiresAt"])
	assert.Equal(t, []any{"prod_2"}, payload["inlinePricedProducts"])

	require.Len(t, captured.Items, 2)
	assert.Equal(t, "prod_1", captured.Items[0].ProductID)
	assert.EqualValues(t, 2, captured.Items[0].Quantity)
	assert.Equal(t, "cus_local", captured.CustomerID)
	assert.Equal(t, "fr-CA", captured.Locale)
	assert.Equal(t, "idem-1", captured.IdempotencyKey)
}

func TestCreateCheckoutSessionErrors(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		err    error
		status int
		code   string
	}{
		{name: "invalid json", body: `{"items":`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown field", body: `{"cart":"c1"}`, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "empty items", body: `{"items":[]}`, err: &services.Error{Kind: services.KindInvalidRequest, Message: "checkout requires at least one item"}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unknown product", body: `{"items":[{"productId":"p","quantity":1}]}`, err: &services.Error{Kind: services.KindNotFound, Message: "product p"}, status: http.StatusNotFound, code: "not_found"},
		{name: "processor down", body: `{"items":[{"productId":"p","quantity":1}]}`, err: &services.Error{Kind: services.KindUpstreamFailure, Message: "create checkout session"}, status: http.StatusBadGateway, code: "upstream_failure"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			checkout := &stubCheckoutService{
				createFn: func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
					return services.CheckoutSession{}, tc.err
				},
			}
			router := newPaymentsRouter(NewPaymentHandlers(checkout, nil))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/checkout-session", strings.NewReader(tc.body)))

			assert.Equal(t, tc.status, rec.Code)
			payload := decodeBody(t, rec)
			assert.Equal(t, tc.code, payload["error"])
			if tc.code == "upstream_failure" {
				assert.Equal(t, true, payload["retryable"])
			}
		})
	}
}

func TestCreateCheckoutSessionRejectsLargeBody(t *testing.T) {
	checkout := &stubCheckoutService{}
	router := newPaymentsRouter(NewPaymentHandlers(checkout, nil))

	body := `{"locale":"` + strings.Repeat("x", maxCheckoutRequestBody) + `"}`
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/checkout-session", strings.NewReader(body)))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, checkout.calls)
}

func TestCreateCheckoutSessionRateLimited(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	checkout := &stubCheckoutService{
		createFn: func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
			return services.CheckoutSession{SessionID: "cs"}, nil
		},
	}
	handlers := NewPaymentHandlers(checkout, nil,
		WithPaymentClock(func() time.Time { return now }),
		WithCheckoutRateLimit(2, time.Minute),
	)
	router := newPaymentsRouter(handlers)

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payments/checkout-session", strings.NewReader(`{"items":[{"productId":"p","quantity":1}]}`))
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusCreated, send("10.0.0.1:5000").Code)
	assert.Equal(t, http.StatusCreated, send("10.0.0.1:5001").Code)
	limited := send("10.0.0.1:5002")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, send("10.0.0.2:5000").Code)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, http.StatusCreated, send("10.0.0.1:5003").Code)
	assert.Equal(t, 4, checkout.calls)
}

func TestStripeWebhookFulfilled(t *testing.T) {
	var gotPayload []byte
	var gotSignature string
	webhooks := &stubWebhookService{
		handleFn: func(_ context.Context, payload []byte, signature string) (services.WebhookResult, error) {
			gotPayload = payload
			gotSignature = signature
			return services.WebhookResult{
				EventID: "evt_1",
				Type:    "checkout.session.completed",
				Action:  services.WebhookActionFulfilled,
				Report: &services.FulfillmentReport{
					SessionRef: "sess_A",
					OrderID:    "ord_1",
					Lines: []services.LineResult{
						{LineID: "li_1", PriceRef: "price_1", ProductID: "P", Quantity: 2, Amount: 4000, Status: services.LineStatusOK},
						{LineID: "li_2", Status: services.LineStatusSkipped, Reason: services.SkipReasonMissingPrice},
					},
					StockLevels: map[string]int64{"P": 3},
				},
			}, nil
		},
	}
	router := newPaymentsRouter(NewPaymentHandlers(nil, webhooks))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `{"id":"evt_1"}`, string(gotPayload))
	assert.Equal(t, "t=1,v1=abc", gotSignature)

	payload := decodeBody(t, rec)
	assert.Equal(t, true, payload["received"])
	assert.Equal(t, "fulfilled", payload["action"])
	fulfillment, ok := payload["fulfillment"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ord_1", fulfillment["orderId"])
	assert.EqualValues(t, 1, fulfillment["fulfilled"])
	assert.EqualValues(t, 1, fulfillment["skipped"])
	assert.EqualValues(t, 3, fulfillment["stockLevels"].(map[string]any)["P"])
}

func TestStripeWebhookRejections(t *testing.T) {
	t.Run("missing signature", func(t *testing.T) {
		called := false
		webhooks := &stubWebhookService{handleFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
			called = true
			return services.WebhookResult{}, nil
		}}
		router := newPaymentsRouter(NewPaymentHandlers(nil, webhooks))
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`)))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.False(t, called)
	})

	t.Run("bad signature", func(t *testing.T) {
		webhooks := &stubWebhookService{handleFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
			return services.WebhookResult{}, &services.Error{Kind: services.KindUnauthenticated, Message: "webhook signature verification failed"}
		}}
		router := newPaymentsRouter(NewPaymentHandlers(nil, webhooks))
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=bad")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, "unauthenticated", decodeBody(t, rec)["error"])
	})

	t.Run("payload over limit", func(t *testing.T) {
		router := newPaymentsRouter(NewPaymentHandlers(nil, &stubWebhookService{}))
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(strings.Repeat("a", maxWebhookBody+1)))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	})

	t.Run("conflict is retryable", func(t *testing.T) {
		webhooks := &stubWebhookService{handleFn: func(context.Context, []byte, string) (services.WebhookResult, error) {
			return services.WebhookResult{}, &services.Error{Kind: services.KindConflict, Message: "session sess_A"}
		}}
		router := newPaymentsRouter(NewPaymentHandlers(nil, webhooks))
		req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(`{}`))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, true, decodeBody(t, rec)["retryable"])
	})
}

func TestPaymentHandlersWithoutServices(t *testing.T) {
	router := newPaymentsRouter(NewPaymentHandlers(nil, nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/payments/checkout-session", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "checkout_unavailable", decodeBody(t, rec)["error"])
}
