package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	ppostgres "github.com/storefront/payments-api/internal/platform/postgres"
	"github.com/storefront/payments-api/internal/repositories"
)

//go:embed schema.sql
var schema string

// Migrate creates the tables the repositories rely on. It is safe to run repeatedly.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Registry bundles the Postgres backed repositories behind repositories.Registry.
type Registry struct {
	db        *sql.DB
	catalog   *CatalogRepository
	customers *CustomerRepository
	orders    *OrderRepository
}

var _ repositories.Registry = (*Registry)(nil)

func NewRegistry(db *sql.DB, clock func() time.Time) (*Registry, error) {
	if db == nil {
		return nil, errors.New("postgres registry: db is required")
	}
	catalog, err := NewCatalogRepository(db)
	if err != nil {
		return nil, err
	}
	customers, err := NewCustomerRepository(db)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(db, clock)
	if err != nil {
		return nil, err
	}
	return &Registry{db: db, catalog: catalog, customers: customers, orders: orders}, nil
}

func (r *Registry) Catalog() repositories.CatalogRepository   { return r.catalog }
func (r *Registry) Customers() repositories.CustomerRepository { return r.customers }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }

func (r *Registry) Ping(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return ppostgres.WrapError("postgres.ping", err)
	}
	return nil
}

func (r *Registry) Close(context.Context) error {
	return r.db.Close()
}
