package domain

import (
	"time"
)

// Product is a catalog entry with a stock count and its processor-side prices.
type Product struct {
	ID        string
	Name      string
	Stock     int64
	Prices    []Price
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PrimaryPrice returns the first registered price, if any.
func (p Product) PrimaryPrice() (Price, bool) {
	if len(p.Prices) == 0 {
		return Price{}, false
	}
	return p.Prices[0], true
}

// Price links a product to a price object registered with the payment processor.
type Price struct {
	ID           string
	ProductID    string
	ProcessorRef string
	Currency     string
	CreatedAt    time.Time
}

// Customer is a known payer. ProcessorRef is empty until the customer is mirrored on the processor.
type Customer struct {
	ID           string
	Email        string
	Name         string
	ProcessorRef string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order was recorded but payment is not confirmed.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusCompleted indicates payment succeeded and stock was committed.
	OrderStatusCompleted OrderStatus = "COMPLETED"
	// OrderStatusCancelled indicates the order was abandoned before completion.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusRefunded indicates the payment was refunded and stock restored.
	OrderStatusRefunded OrderStatus = "REFUNDED"
)

// Valid reports whether the status is one of the known lifecycle states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded:
		return true
	default:
		return false
	}
}

// Order is the local record of a paid checkout session. SessionRef is unique across orders.
type Order struct {
	ID         string
	SessionRef string
	Status     OrderStatus
	Total      int64
	Currency   string
	CustomerID string
	InvoiceRef string
	Items      []OrderItem
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HasCustomer reports whether the order is linked to a known customer.
func (o Order) HasCustomer() bool {
	return o.CustomerID != ""
}

// StockDeltas aggregates item quantities per product.
func (o Order) StockDeltas() map[string]int64 {
	deltas := make(map[string]int64, len(o.Items))
	for _, item := range o.Items {
		if item.ProductID == "" || item.Quantity <= 0 {
			continue
		}
		deltas[item.ProductID] += item.Quantity
	}
	return deltas
}

// OrderItem is an immutable line of an order. PriceRef is the processor price used at fulfillment.
type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	PriceID   string
	PriceRef  string
	Quantity  int64
	Amount    int64
}
