package repositories

import (
	"context"

	domain "github.com/storefront/payments-api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error
	Ping(ctx context.Context) error

	Catalog() CatalogRepository
	Customers() CustomerRepository
	Orders() OrderRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CatalogRepository reads products and their processor prices. Stock is only
// mutated through OrderRepository so that every delta belongs to an order.
type CatalogRepository interface {
	FindProduct(ctx context.Context, productID string) (domain.Product, error)
	FindPriceByProcessorRef(ctx context.Context, processorRef string) (domain.Price, error)
}

// CustomerRepository reads known payers.
type CustomerRepository interface {
	FindByID(ctx context.Context, customerID string) (domain.Customer, error)
}

// StockLevel reports the stock of a product after a committed delta.
type StockLevel struct {
	ProductID string
	Stock     int64
}

// OrderRepository persists orders together with the stock movements they imply.
type OrderRepository interface {
	// CreateWithStock inserts the order and its items and decrements each product
	// by its aggregated item quantity, floored at zero, in one unit of work. It
	// returns a conflict error when an order already exists for the session ref.
	CreateWithStock(ctx context.Context, order domain.Order) ([]StockLevel, error)
	// MarkRefunded flips a COMPLETED order to REFUNDED and increments stock by the
	// recorded item quantities in one unit of work. Orders in any other status
	// yield an OrderError coded OrderErrorNotRefundable.
	MarkRefunded(ctx context.Context, orderID string) (domain.Order, []StockLevel, error)
	SetInvoiceRef(ctx context.Context, orderID, invoiceRef string) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error)
}
