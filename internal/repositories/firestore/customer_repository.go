package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/storefront/payments-api/internal/domain"
	pfirestore "github.com/storefront/payments-api/internal/platform/firestore"
	"github.com/storefront/payments-api/internal/repositories"
)

const customersCollection = "customers"

type customerDocument struct {
	Email        string    `firestore:"email"`
	Name         string    `firestore:"name"`
	ProcessorRef string    `firestore:"processorRef,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

type CustomerRepository struct {
	base *pfirestore.Collection[customerDocument]
}

var _ repositories.CustomerRepository = (*CustomerRepository)(nil)

func NewCustomerRepository(provider *pfirestore.Provider) (*CustomerRepository, error) {
	if provider == nil {
		return nil, errors.New("customer repository requires firestore provider")
	}
	return &CustomerRepository{
		base: pfirestore.NewCollection[customerDocument](provider, customersCollection),
	}, nil
}

func (r *CustomerRepository) FindByID(ctx context.Context, customerID string) (domain.Customer, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return domain.Customer{}, errors.New("customer find: id is required")
	}
	doc, err := r.base.Get(ctx, customerID)
	if err != nil {
		return domain.Customer{}, err
	}
	return domain.Customer{
		ID:           customerID,
		Email:        doc.Data.Email,
		Name:         doc.Data.Name,
		ProcessorRef: doc.Data.ProcessorRef,
		CreatedAt:    doc.Data.CreatedAt.UTC(),
		UpdatedAt:    doc.Data.UpdatedAt.UTC(),
	}, nil
}
