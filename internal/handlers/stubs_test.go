package handlers

import (
	"context"
	"errors"

	"github.com/storefront/payments-api/internal/services"
)

type stubCheckoutService struct {
	createFn func(context.Context, services.CreateCheckoutSessionCommand) (services.CheckoutSession, error)
	calls    int
}

func (s *stubCheckoutService) CreateCheckoutSession(ctx context.Context, cmd services.CreateCheckoutSessionCommand) (services.CheckoutSession, error) {
	s.calls++
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.CheckoutSession{}, errors.New("not implemented")
}

type stubWebhookService struct {
	handleFn func(context.Context, []byte, string) (services.WebhookResult, error)
}

func (s *stubWebhookService) HandleEvent(ctx context.Context, payload []byte, signature string) (services.WebhookResult, error) {
	if s.handleFn != nil {
		return s.handleFn(ctx, payload, signature)
	}
	return services.WebhookResult{}, errors.New("not implemented")
}

type stubFulfillmentService struct {
	fulfillFn func(context.Context, string) (services.FulfillmentReport, error)
}

func (s *stubFulfillmentService) Fulfill(ctx context.Context, sessionRef string) (services.FulfillmentReport, error) {
	if s.fulfillFn != nil {
		return s.fulfillFn(ctx, sessionRef)
	}
	return services.FulfillmentReport{}, errors.New("not implemented")
}

type stubRefundService struct {
	refundFn func(context.Context, services.RefundCommand) (services.RefundResult, error)
}

func (s *stubRefundService) RefundOrder(ctx context.Context, cmd services.RefundCommand) (services.RefundResult, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, cmd)
	}
	return services.RefundResult{}, errors.New("not implemented")
}

type stubInvoiceService struct {
	emitFn func(context.Context, string) (services.Order, error)
}

func (s *stubInvoiceService) EmitInvoice(ctx context.Context, orderID string) (services.Order, error) {
	if s.emitFn != nil {
		return s.emitFn(ctx, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubOrderQueryService struct {
	getFn       func(context.Context, string) (services.Order, error)
	bySessionFn func(context.Context, string) (services.Order, error)
	listFn      func(context.Context, string) ([]services.Order, error)
}

func (s *stubOrderQueryService) GetOrder(ctx context.Context, orderID string) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Order{}, services.ErrNotFound
}

func (s *stubOrderQueryService) GetOrderBySession(ctx context.Context, sessionRef string) (services.Order, error) {
	if s.bySessionFn != nil {
		return s.bySessionFn(ctx, sessionRef)
	}
	return services.Order{}, services.ErrNotFound
}

func (s *stubOrderQueryService) ListCustomerOrders(ctx context.Context, customerID string) ([]services.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx, customerID)
	}
	return nil, nil
}
