package handlers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/storefront/payments-api/internal/platform/httpx"
	"github.com/storefront/payments-api/internal/platform/requestctx"
	"github.com/storefront/payments-api/internal/services"
)

const maxOperatorRequestBody = 4 * 1024

// OperatorHandlers serve the signed back-office endpoints: refunds, manual
// reconciliation of a session and invoice re-emission.
type OperatorHandlers struct {
	refunds     services.RefundService
	fulfillment services.FulfillmentService
	invoices    services.InvoiceService
}

// NewOperatorHandlers constructs operator handlers. Nil services answer 503.
func NewOperatorHandlers(refunds services.RefundService, fulfillment services.FulfillmentService, invoices services.InvoiceService) *OperatorHandlers {
	return &OperatorHandlers{
		refunds:     refunds,
		fulfillment: fulfillment,
		invoices:    invoices,
	}
}

// Routes registers operator endpoints. Authentication is applied by the router group.
func (h *OperatorHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/payments/refund/{orderId}", h.refundOrder)
	r.Post("/payments/reconcile/{sessionId}", h.reconcileSession)
	r.Post("/orders/{orderId}/invoice", h.emitInvoice)
}

type refundRequest struct {
	Reason string `json:"reason"`
}

type refundResponse struct {
	Order    orderResponse `json:"order"`
	RefundID string        `json:"refundId"`
	Status   string        `json:"refundStatus,omitempty"`
	Amount   int64         `json:"amount"`
	Currency string        `json:"currency,omitempty"`
}

func (h *OperatorHandlers) refundOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.refunds == nil {
		writeUnavailable(ctx, w, "refund")
		return
	}

	var req refundRequest
	if err := httpx.DecodeJSON(r, maxOperatorRequestBody, &req); err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	result, err := h.refunds.RefundOrder(ctx, services.RefundCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderId")),
		Reason:  req.Reason,
	})
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	requestctx.Logger(ctx).Info("order refunded by operator",
		zap.String("operator", requestctx.Operator(ctx)),
		zap.String("orderId", result.Order.ID),
		zap.String("refundId", result.Refund.ID),
	)

	httpx.WriteJSON(w, http.StatusOK, refundResponse{
		Order:    newOrderResponse(result.Order),
		RefundID: result.Refund.ID,
		Status:   result.Refund.Status,
		Amount:   result.Refund.Amount,
		Currency: result.Refund.Currency,
	})
}

type fulfillmentLineResponse struct {
	LineID    string `json:"lineId,omitempty"`
	PriceRef  string `json:"priceRef,omitempty"`
	ProductID string `json:"productId,omitempty"`
	Quantity  int64  `json:"quantity"`
	Amount    int64  `json:"amount"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
}

type fulfillmentResponse struct {
	SessionID   string                    `json:"sessionId"`
	OrderID     string                    `json:"orderId,omitempty"`
	Duplicate   bool                      `json:"duplicate"`
	Deferred    bool                      `json:"deferred"`
	Fulfilled   int                       `json:"fulfilled"`
	Skipped     int                       `json:"skipped"`
	Lines       []fulfillmentLineResponse `json:"lines"`
	StockLevels map[string]int64          `json:"stockLevels,omitempty"`
}

func newFulfillmentResponse(report services.FulfillmentReport) fulfillmentResponse {
	resp := fulfillmentResponse{
		SessionID:   report.SessionRef,
		OrderID:     report.OrderID,
		Duplicate:   report.Duplicate,
		Deferred:    report.Deferred,
		Fulfilled:   report.Fulfilled(),
		Skipped:     report.Skipped(),
		Lines:       make([]fulfillmentLineResponse, 0, len(report.Lines)),
		StockLevels: report.StockLevels,
	}
	for _, line := range report.Lines {
		resp.Lines = append(resp.Lines, fulfillmentLineResponse{
			LineID:    line.LineID,
			PriceRef:  line.PriceRef,
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Amount:    line.Amount,
			Status:    string(line.Status),
			Reason:    line.Reason,
		})
	}
	return resp
}

func (h *OperatorHandlers) reconcileSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.fulfillment == nil {
		writeUnavailable(ctx, w, "fulfillment")
		return
	}

	report, err := h.fulfillment.Fulfill(ctx, strings.TrimSpace(chi.URLParam(r, "sessionId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}

	status := http.StatusCreated
	switch {
	case report.Duplicate:
		status = http.StatusOK
	case report.Deferred:
		status = http.StatusAccepted
	}
	httpx.WriteJSON(w, status, newFulfillmentResponse(report))
}

func (h *OperatorHandlers) emitInvoice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.invoices == nil {
		writeUnavailable(ctx, w, "invoice")
		return
	}

	order, err := h.invoices.EmitInvoice(ctx, strings.TrimSpace(chi.URLParam(r, "orderId")))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newOrderResponse(order))
}
