package services

import (
	"context"
	"errors"
	"strings"

	"github.com/storefront/payments-api/internal/repositories"
)

// OrderQueryServiceDeps wires the dependencies required by the order query service.
type OrderQueryServiceDeps struct {
	Orders repositories.OrderRepository
}

type orderQueryService struct {
	orders repositories.OrderRepository
}

// NewOrderQueryService constructs an OrderQueryService validating required dependencies.
func NewOrderQueryService(deps OrderQueryServiceDeps) (OrderQueryService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order query service: order repository is required")
	}
	return &orderQueryService{orders: deps.Orders}, nil
}

func (s *orderQueryService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, newError(KindInvalidRequest, nil, "order id is required")
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, "order %s", orderID)
	}
	return order, nil
}

func (s *orderQueryService) GetOrderBySession(ctx context.Context, sessionRef string) (Order, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return Order{}, newError(KindInvalidRequest, nil, "session reference is required")
	}
	order, err := s.orders.FindBySessionRef(ctx, sessionRef)
	if err != nil {
		return Order{}, mapRepositoryError(err, "order for session %s", sessionRef)
	}
	return order, nil
}

func (s *orderQueryService) ListCustomerOrders(ctx context.Context, customerID string) ([]Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, newError(KindInvalidRequest, nil, "customer id is required")
	}
	orders, err := s.orders.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, mapRepositoryError(err, "orders for customer %s", customerID)
	}
	if orders == nil {
		orders = []Order{}
	}
	return orders, nil
}
