package firestore

import (
	"context"
	"errors"
	"time"

	"google.golang.org/api/iterator"

	pfirestore "github.com/storefront/payments-api/internal/platform/firestore"
	"github.com/storefront/payments-api/internal/repositories"
)

// Registry bundles the Firestore backed repositories behind repositories.Registry.
type Registry struct {
	provider  *pfirestore.Provider
	catalog   *CatalogRepository
	customers *CustomerRepository
	orders    *OrderRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every Firestore repository onto the shared provider.
func NewRegistry(provider *pfirestore.Provider, clock func() time.Time) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	customers, err := NewCustomerRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider, clock)
	if err != nil {
		return nil, err
	}
	return &Registry{provider: provider, catalog: catalog, customers: customers, orders: orders}, nil
}

func (r *Registry) Catalog() repositories.CatalogRepository   { return r.catalog }
func (r *Registry) Customers() repositories.CustomerRepository { return r.customers }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }

// Ping performs a cheap read to confirm Firestore is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	client, err := r.provider.Client(ctx)
	if err != nil {
		return err
	}
	iter := client.Collection(productsCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && !errors.Is(err, iterator.Done) {
		return pfirestore.WrapError("firestore.ping", err)
	}
	return nil
}

// Close releases the Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	return r.provider.Close(ctx)
}
