package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	domain "github.com/storefront/payments-api/internal/domain"
	ppostgres "github.com/storefront/payments-api/internal/platform/postgres"
	"github.com/storefront/payments-api/internal/repositories"
)

type CustomerRepository struct {
	db *sql.DB
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

func NewCustomerRepository(db *sql.DB) (*CustomerRepository, error) {
	if db == nil {
		return nil, errors.New("customer repository requires postgres db")
	}
	return &CustomerRepository{db: db}, nil
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, errors.New("customer find: id is required")
	}
	var customer domain.Customer
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, name, processor_ref, created_at, updated_at FROM customers WHERE id = $1`,
		customerID,
	).Scan(&customer.ID, &customer.Email, &customer.Name, &customer.ProcessorRef, &customer.CreatedAt, &customer.UpdatedAt)
	if err != nil {
		return domain.Customer{}, ppostgres.WrapError("customers.findByID", err)
	}
	customer.CreatedAt = customer.CreatedAt.UTC()
	customer.UpdatedAt = customer.UpdatedAt.UTC()
	return customer, nil
}
