package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/storefront/payments-api/internal/domain"
	"github.com/storefront/payments-api/internal/repositories"
)

// Store provides an in-memory registry useful for testing and local development.
// A single mutex scopes every multi-step mutation, which gives the same
// all-or-nothing semantics as a store transaction.
type Store struct {
	mu        sync.Mutex
	products  map[string]domain.Product
	priceRefs map[string]domain.Price
	customers map[string]domain.Customer
	orders    map[string]domain.Order
	sessions  map[string]string
	now       func() time.Time
}

// Option customises the memory store.
type Option func(*Store)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) {
		if clock != nil {
			s.now = func() time.Time { return clock().UTC() }
		}
	}
}

var _ repositories.Registry = (*Store)(nil)

// NewStore constructs an empty memory-backed store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		products:  make(map[string]domain.Product),
		priceRefs: make(map[string]domain.Price),
		customers: make(map[string]domain.Customer),
		orders:    make(map[string]domain.Order),
		sessions:  make(map[string]string),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// PutProduct inserts or replaces a product and indexes its prices.
func (s *Store) PutProduct(product domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.products[product.ID]; ok {
		for _, price := range existing.Prices {
			delete(s.priceRefs, price.ProcessorRef)
		}
	}
	if product.Stock < 0 {
		product.Stock = 0
	}
	product.Prices = append([]domain.Price(nil), product.Prices...)
	for i := range product.Prices {
		product.Prices[i].ProductID = product.ID
		if ref := product.Prices[i].ProcessorRef; ref != "" {
			s.priceRefs[ref] = product.Prices[i]
		}
	}
	s.products[product.ID] = product
}

// PutCustomer inserts or replaces a customer.
func (s *Store) PutCustomer(customer domain.Customer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.customers[customer.ID] = customer
}

type seedDocument struct {
	Products []struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Stock  int64  `json:"stock"`
		Prices []struct {
			ID           string `json:"id"`
			ProcessorRef string `json:"processorRef"`
			Currency     string `json:"currency"`
		} `json:"prices"`
	} `json:"products"`
	Customers []struct {
		ID           string `json:"id"`
		Email        string `json:"email"`
		Name         string `json:"name"`
		ProcessorRef string `json:"processorRef"`
	} `json:"customers"`
}

// LoadSeed populates the store from a JSON catalog document.
func (s *Store) LoadSeed(r io.Reader) error {
	var doc seedDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return fmt.Errorf("memory store: decode seed: %w", err)
	}
	now := s.now()
	for _, p := range doc.Products {
		if strings.TrimSpace(p.ID) == "" {
			return errors.New("memory store: seed product id is required")
		}
		product := domain.Product{ID: p.ID, Name: p.Name, Stock: p.Stock, CreatedAt: now, UpdatedAt: now}
		for _, price := range p.Prices {
			product.Prices = append(product.Prices, domain.Price{
				ID:           price.ID,
				ProcessorRef: price.ProcessorRef,
				Currency:     price.Currency,
				CreatedAt:    now,
			})
		}
		s.PutProduct(product)
	}
	for _, c := range doc.Customers {
		if strings.TrimSpace(c.ID) == "" {
			return errors.New("memory store: seed customer id is required")
		}
		s.PutCustomer(domain.Customer{
			ID:           c.ID,
			Email:        c.Email,
			Name:         c.Name,
			ProcessorRef: c.ProcessorRef,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	return nil
}

// Close implements repositories.Registry.
func (s *Store) Close(context.Context) error { return nil }

// Ping implements repositories.Registry.
func (s *Store) Ping(context.Context) error { return nil }

// Catalog implements repositories.Registry.
func (s *Store) Catalog() repositories.CatalogRepository { return catalogView{s} }

// Customers implements repositories.Registry.
func (s *Store) Customers() repositories.CustomerRepository { return customerView{s} }

// Orders implements repositories.Registry.
func (s *Store) Orders() repositories.OrderRepository { return orderView{s} }

type catalogView struct{ s *Store }

func (v catalogView) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	if err := ctx.Err(); err != nil {
		return domain.Product{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	product, ok := v.s.products[productID]
	if !ok {
		return domain.Product{}, notFound("catalog.findProduct", "product", productID)
	}
	product.Prices = append([]domain.Price(nil), product.Prices...)
	return product, nil
}

func (v catalogView) FindPriceByProcessorRef(ctx context.Context, processorRef string) (domain.Price, error) {
	if err := ctx.Err(); err != nil {
		return domain.Price{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	price, ok := v.s.priceRefs[processorRef]
	if !ok {
		return domain.Price{}, notFound("catalog.findPrice", "price", processorRef)
	}
	return price, nil
}

type customerView struct{ s *Store }

func (v customerView) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	if err := ctx.Err(); err != nil {
		return domain.Customer{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	customer, ok := v.s.customers[customerID]
	if !ok {
		return domain.Customer{}, notFound("customers.findByID", "customer", customerID)
	}
	return customer, nil
}

type orderView struct{ s *Store }

func (v orderView) CreateWithStock(ctx context.Context, order domain.Order) ([]repositories.StockLevel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.SessionRef) == "" {
		return nil, &Error{op: "orders.create", err: errors.New("order id and session ref are required")}
	}

	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	if _, exists := v.s.sessions[order.SessionRef]; exists {
		return nil, &Error{op: "orders.create", err: fmt.Errorf("order for session %q already exists", order.SessionRef), conflict: true}
	}
	if _, exists := v.s.orders[order.ID]; exists {
		return nil, &Error{op: "orders.create", err: fmt.Errorf("order %q already exists", order.ID), conflict: true}
	}

	deltas := order.StockDeltas()
	for productID := range deltas {
		if _, ok := v.s.products[productID]; !ok {
			return nil, notFound("orders.create", "product", productID)
		}
	}

	now := v.s.now()
	levels := v.s.applyDeltas(deltas, -1, now)

	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	order.Items = cloneItems(order.Items, order.ID)
	v.s.orders[order.ID] = order
	v.s.sessions[order.SessionRef] = order.ID
	return levels, nil
}

func (v orderView) MarkRefunded(ctx context.Context, orderID string) (domain.Order, []repositories.StockLevel, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, nil, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	order, ok := v.s.orders[orderID]
	if !ok {
		return domain.Order{}, nil, notFound("orders.markRefunded", "order", orderID)
	}
	if order.Status != domain.OrderStatusCompleted {
		return domain.Order{}, nil, repositories.NewNotRefundableError("orders.markRefunded", order.Status)
	}

	now := v.s.now()
	levels := v.s.applyDeltas(order.StockDeltas(), 1, now)
	order.Status = domain.OrderStatusRefunded
	order.UpdatedAt = now
	v.s.orders[orderID] = order
	return cloneOrder(order), levels, nil
}

func (v orderView) SetInvoiceRef(ctx context.Context, orderID, invoiceRef string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	order, ok := v.s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.setInvoiceRef", "order", orderID)
	}
	order.InvoiceRef = invoiceRef
	order.UpdatedAt = v.s.now()
	v.s.orders[orderID] = order
	return cloneOrder(order), nil
}

func (v orderView) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	order, ok := v.s.orders[orderID]
	if !ok {
		return domain.Order{}, notFound("orders.findByID", "order", orderID)
	}
	return cloneOrder(order), nil
}

func (v orderView) FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return domain.Order{}, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	orderID, ok := v.s.sessions[sessionRef]
	if !ok {
		return domain.Order{}, notFound("orders.findBySessionRef", "order for session", sessionRef)
	}
	return cloneOrder(v.s.orders[orderID]), nil
}

func (v orderView) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()

	var orders []domain.Order
	for _, order := range v.s.orders {
		if order.CustomerID == customerID {
			orders = append(orders, cloneOrder(order))
		}
	}
	sort.Slice(orders, func(i, j int) bool {
		if orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].ID > orders[j].ID
		}
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	return orders, nil
}

// applyDeltas must be called with s.mu held. sign is -1 for decrements and +1 for restores.
func (s *Store) applyDeltas(deltas map[string]int64, sign int64, now time.Time) []repositories.StockLevel {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	levels := make([]repositories.StockLevel, 0, len(ids))
	for _, id := range ids {
		product, ok := s.products[id]
		if !ok {
			continue
		}
		product.Stock += sign * deltas[id]
		if product.Stock < 0 {
			product.Stock = 0
		}
		product.UpdatedAt = now
		s.products[id] = product
		levels = append(levels, repositories.StockLevel{ProductID: id, Stock: product.Stock})
	}
	return levels
}

func cloneOrder(order domain.Order) domain.Order {
	order.Items = cloneItems(order.Items, order.ID)
	return order
}

func cloneItems(items []domain.OrderItem, orderID string) []domain.OrderItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.OrderItem, len(items))
	copy(out, items)
	for i := range out {
		out[i].OrderID = orderID
	}
	return out
}
