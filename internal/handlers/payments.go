package handlers

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/payments-api/internal/platform/httpx"
	"github.com/storefront/payments-api/internal/services"
)

const (
	maxCheckoutRequestBody = 8 * 1024
	maxWebhookBody         = 64 * 1024

	stripeSignatureHeader = "Stripe-Signature"
	idempotencyKeyHeader  = "Idempotency-Key"
)

// PaymentHandlers exposes checkout session creation and the processor webhook.
type PaymentHandlers struct {
	checkout services.CheckoutService
	webhooks services.WebhookService
	limiter  rateLimiter
	window   time.Duration
	clock    func() time.Time
	keyName  string
}

// PaymentHandlersOption customises PaymentHandlers.
type PaymentHandlersOption func(*PaymentHandlers)

// WithCheckoutRateLimit caps checkout session creation per client address.
func WithCheckoutRateLimit(limit int, window time.Duration) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, h.clock)
		h.window = window
	}
}

// WithPaymentClock injects a clock, primarily for rate limiter tests. Apply it before WithCheckoutRateLimit.
func WithPaymentClock(clock func() time.Time) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithIdempotencyHeader overrides the header forwarded as the checkout idempotency key.
func WithIdempotencyHeader(name string) PaymentHandlersOption {
	return func(h *PaymentHandlers) {
		if name = strings.TrimSpace(name); name != "" {
			h.keyName = name
		}
	}
}

// NewPaymentHandlers constructs payment handlers.
func NewPaymentHandlers(checkout services.CheckoutService, webhooks services.WebhookService, opts ...PaymentHandlersOption) *PaymentHandlers {
	h := &PaymentHandlers{
		checkout: checkout,
		webhooks: webhooks,
		clock:    time.Now,
		keyName:  idempotencyKeyHeader,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the public payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/checkout-session", h.createCheckoutSession)
}

// WebhookRoutes registers processor callbacks.
func (h *PaymentHandlers) WebhookRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.receiveStripeEvent)
}

type checkoutItemRequest struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

type checkoutSessionRequest struct {
	Items      []checkoutItemRequest `json:"items"`
	CustomerID string                `json:"customerId"`
	Locale     string                `json:"locale"`
}

type checkoutSessionResponse struct {
	SessionID            string   `json:"sessionId"`
	URL                  string   `json:"url"`
	ExpiresAt            string   `json:"expiresAt,omitempty"`
	InlinePricedProducts []string `json:"inlinePricedProducts,omitempty"`
}

func (h *PaymentHandlers) createCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		writeUnavailable(ctx, w, "checkout")
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientAddress(r)) {
		w.Header().Set("Retry-After", strconv.Itoa(int(h.window.Seconds())))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts", http.StatusTooManyRequests).AsRetryable())
		return
	}

	var req checkoutSessionRequest
	if err := httpx.DecodeJSON(r, maxCheckoutRequestBody, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	cmd := services.CreateCheckoutSessionCommand{
		Items:          make([]services.CheckoutItem, 0, len(req.Items)),
		CustomerID:     strings.TrimSpace(req.CustomerID),
		Locale:         strings.TrimSpace(req.Locale),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(h.keyName)),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CheckoutItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Quantity:  item.Quantity,
		})
	}

	session, err := h.checkout.CreateCheckoutSession(ctx, cmd)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	payload := checkoutSessionResponse{
		SessionID:            session.SessionID,
		URL:                  session.RedirectURL,
		InlinePricedProducts: session.InlinePricedProducts,
	}
	if !session.ExpiresAt.IsZero() {
		payload.ExpiresAt = formatTime(session.ExpiresAt)
	}
	httpx.WriteJSON(w, http.StatusCreated, payload)
}

type webhookResponse struct {
	Received    bool                 `json:"received"`
	EventID     string               `json:"eventId,omitempty"`
	Type        string               `json:"type,omitempty"`
	Action      string               `json:"action,omitempty"`
	Fulfillment *fulfillmentResponse `json:"fulfillment,omitempty"`
}

func (h *PaymentHandlers) receiveStripeEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		writeUnavailable(ctx, w, "webhook")
		return
	}

	payload, err := httpx.ReadBody(r, maxWebhookBody)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	signature := strings.TrimSpace(r.Header.Get(stripeSignatureHeader))
	if signature == "" {
		httpx.WriteError(ctx, w, httpx.NewError(string(services.KindUnauthenticated), "missing Stripe-Signature header", http.StatusUnauthorized))
		return
	}

	result, err := h.webhooks.HandleEvent(ctx, payload, signature)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	resp := webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Type:     result.Type,
		Action:   string(result.Action),
	}
	if result.Report != nil {
		report := newFulfillmentResponse(*result.Report)
		resp.Fulfillment = &report
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

// clientAddress relies on middleware.RealIP from the router defaults having
// already rewritten RemoteAddr from the forwarding headers.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
