package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/storefront/payments-api/internal/platform/httpx"
	"github.com/storefront/payments-api/internal/services"
)

// OrderHandlers exposes read access to reconciled orders.
type OrderHandlers struct {
	orders services.OrderQueryService
}

// NewOrderHandlers constructs order handlers backed by the query service.
func NewOrderHandlers(orders services.OrderQueryService) *OrderHandlers {
	return &OrderHandlers{orders: orders}
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderId}", h.getOrder)
	r.Get("/session/{sessionId}", h.getOrderBySession)
	r.Get("/customer/{customerId}", h.listCustomerOrders)
}

type orderItemResponse struct {
	ID        string `json:"id"`
	ProductID string `json:"productId"`
	PriceRef  string `json:"priceRef,omitempty"`
	Quantity  int64  `json:"quantity"`
	Amount    int64  `json:"amount"`
}

type orderResponse struct {
	ID         string              `json:"id"`
	SessionID  string              `json:"sessionId"`
	Status     string              `json:"status"`
	Total      int64               `json:"total"`
	Currency   string              `json:"currency"`
	CustomerID string              `json:"customerId,omitempty"`
	InvoiceID  string              `json:"invoiceId,omitempty"`
	Items      []orderItemResponse `json:"items"`
	CreatedAt  string              `json:"createdAt"`
	UpdatedAt  string              `json:"updatedAt"`
}

type orderListResponse struct {
	Items []orderResponse `json:"items"`
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrder(ctx, strings.TrimSpace(chi.URLParam(r, "orderId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderResponse(order))
}

func (h *OrderHandlers) getOrderBySession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	order, err := h.orders.GetOrderBySession(ctx, strings.TrimSpace(chi.URLParam(r, "sessionId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderResponse(order))
}

func (h *OrderHandlers) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		writeUnavailable(ctx, w, "order")
		return
	}
	orders, err := h.orders.ListCustomerOrders(ctx, strings.TrimSpace(chi.URLParam(r, "customerId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := orderListResponse{Items: make([]orderResponse, 0, len(orders))}
	for _, order := range orders {
		resp.Items = append(resp.Items, newOrderResponse(order))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func newOrderResponse(order services.Order) orderResponse {
	resp := orderResponse{
		ID:         order.ID,
		SessionID:  order.SessionRef,
		Status:     string(order.Status),
		Total:      order.Total,
		Currency:   order.Currency,
		CustomerID: order.CustomerID,
		InvoiceID:  order.InvoiceRef,
		Items:      make([]orderItemResponse, 0, len(order.Items)),
	}
	if !order.CreatedAt.IsZero() {
		resp.CreatedAt = formatTime(order.CreatedAt)
	}
	if !order.UpdatedAt.IsZero() {
		resp.UpdatedAt = formatTime(order.UpdatedAt)
	}
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			ID:        item.ID,
			ProductID: item.ProductID,
			PriceRef:  item.PriceRef,
			Quantity:  item.Quantity,
			Amount:    item.Amount,
		})
	}
	return resp
}
