package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	domain "github.com/storefront/payments-api/internal/domain"
	ppostgres "github.com/storefront/payments-api/internal/platform/postgres"
	"github.com/storefront/payments-api/internal/repositories"
)

// CatalogRepository reads products and processor prices from Postgres.
type CatalogRepository struct {
	db *sql.DB
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

func NewCatalogRepository(db *sql.DB) (*CatalogRepository, error) {
	if db == nil {
		return nil, errors.New("catalog repository requires postgres db")
	}
	return &CatalogRepository{db: db}, nil
}

func (r *CatalogRepository) FindProduct(ctx context.Context, productID string) (domain.Product, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("catalog find product: id is required")
	}

	var product domain.Product
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, stock, created_at, updated_at FROM products WHERE id = $1`,
		productID,
	).Scan(&product.ID, &product.Name, &product.Stock, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.findProduct", err)
	}
	product.CreatedAt = product.CreatedAt.UTC()
	product.UpdatedAt = product.UpdatedAt.UTC()

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, product_id, processor_ref, currency, created_at
		   FROM prices WHERE product_id = $1 ORDER BY created_at ASC, id ASC`,
		productID,
	)
	if err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.listPrices", err)
	}
	defer rows.Close()

	for rows.Next() {
		price, err := scanPrice(rows)
		if err != nil {
			return domain.Product{}, ppostgres.WrapError("catalog.listPrices", err)
		}
		product.Prices = append(product.Prices, price)
	}
	if err := rows.Err(); err != nil {
		return domain.Product{}, ppostgres.WrapError("catalog.listPrices", err)
	}
	return product, nil
}

func (r *CatalogRepository) FindPriceByProcessorRef(ctx context.Context, processorRef string) (domain.Price, error) {
	processorRef = strings.TrimSpace(processorRef)
	if processorRef == "" {
		return domain.Price{}, errors.New("catalog find price: processor ref is required")
	}
	row := r.db.QueryRowContext(ctx,
		`SELECT id, product_id, processor_ref, currency, created_at FROM prices WHERE processor_ref = $1`,
		processorRef,
	)
	price, err := scanPrice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Price{}, ppostgres.NotFoundError("catalog.findPrice", fmt.Errorf("price %q not found", processorRef))
	}
	if err != nil {
		return domain.Price{}, ppostgres.WrapError("catalog.findPrice", err)
	}
	return price, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPrice(s scanner) (domain.Price, error) {
	var price domain.Price
	if err := s.Scan(&price.ID, &price.ProductID, &price.ProcessorRef, &price.Currency, &price.CreatedAt); err != nil {
		return domain.Price{}, err
	}
	price.CreatedAt = price.CreatedAt.UTC()
	return price, nil
}
