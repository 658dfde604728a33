package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/storefront/payments-api/internal/domain"
	pfirestore "github.com/storefront/payments-api/internal/platform/firestore"
	"github.com/storefront/payments-api/internal/repositories"
)

const (
	productsCollection = "products"
	pricesCollection   = "prices"
)

type productDocument struct {
	Name      string    `firestore:"name"`
	Stock     int64     `firestore:"stock"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type priceDocument struct {
	ProductID    string    `firestore:"productId"`
	ProcessorRef string    `firestore:"processorRef"`
	Currency     string    `firestore:"currency"`
	CreatedAt    time.Time `firestore:"createdAt"`
}

func (d priceDocument) toDomain(id string) domain.Price {
	return domain.Price{
		ID:           id,
		ProductID:    d.ProductID,
		ProcessorRef: d.ProcessorRef,
		Currency:     d.Currency,
		CreatedAt:    d.CreatedAt.UTC(),
	}
}

// CatalogRepository reads products and processor prices from Firestore.
type CatalogRepository struct {
	products *pfirestore.Collection[productDocument]
	prices   *pfirestore.Collection[priceDocument]
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
		prices:   pfirestore.NewCollection[priceDocument](provider, pricesCollection),
	}, nil
}

func (r *CatalogRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("catalog find product: id is required")
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}

	prices, err := r.prices.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("productId", "==", productID).OrderBy("createdAt", firestore.Asc)
	})
	if err != nil {
		return domain.Product{}, err
	}

	product := domain.Product{
		ID:        productID,
		Name:      doc.Data.Name,
		Stock:     doc.Data.Stock,
		CreatedAt: doc.Data.CreatedAt.UTC(),
		UpdatedAt: doc.Data.UpdatedAt.UTC(),
	}
	for _, price := range prices {
		product.Prices = append(product.Prices, price.Data.toDomain(price.ID))
	}
	return product, nil
}

func (r *CatalogRepository) FindPriceByProcessorRef(ctx context.Context, processorRef string) (domain.Price, error) {
	processorRef = strings.TrimSpace(processorRef)
	if processorRef == "" {
		return domain.Price{}, errors.New("catalog find price: processor ref is required")
	}

	docs, err := r.prices.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("processorRef", "==", processorRef).Limit(1)
	})
	if err != nil {
		return domain.Price{}, err
	}
	if len(docs) == 0 {
		return domain.Price{}, pfirestore.NotFoundError("prices.findByProcessorRef", fmt.Errorf("price %q not found", processorRef))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}
