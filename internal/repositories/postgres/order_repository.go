package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lib/pq"

	domain "github.com/storefront/payments-api/internal/domain"
	ppostgres "github.com/storefront/payments-api/internal/platform/postgres"
	"github.com/storefront/payments-api/internal/repositories"
)

const orderColumns = `id, session_ref, status, total, currency, customer_id, invoice_ref, created_at, updated_at`

// OrderRepository persists orders and applies their stock movements inside Postgres transactions.
type OrderRepository struct {
	db    *sql.DB
	clock func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(db *sql.DB, clock func() time.Time) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires postgres db")
	}
	if clock == nil {
		clock = time.Now
	}
	return &OrderRepository{db: db, clock: clock}, nil
}

func (r *OrderRepository) CreateWithStock(ctx context.Context, order domain.Order) ([]repositories.StockLevel, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.SessionRef) == "" {
		return nil, errors.New("order create: order id and session ref are required")
	}

	now := r.clock().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	var levels []repositories.StockLevel
	err := ppostgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		var insertedID string
		err := tx.QueryRowContext(ctx,
			`INSERT INTO orders (`+orderColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 ON CONFLICT (session_ref) DO NOTHING
			 RETURNING id`,
			order.ID, order.SessionRef, string(order.Status), order.Total, order.Currency,
			order.CustomerID, order.InvoiceRef, order.CreatedAt.UTC(), order.UpdatedAt,
		).Scan(&insertedID)
		if errors.Is(err, sql.ErrNoRows) {
			return ppostgres.ConflictError("orders.create", fmt.Errorf("order for session %q already exists", order.SessionRef))
		}
		if err != nil {
			return err
		}

		for i, item := range order.Items {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO order_items (id, order_id, product_id, price_id, price_ref, quantity, amount, position)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				item.ID, order.ID, item.ProductID, item.PriceID, item.PriceRef, item.Quantity, item.Amount, i,
			); err != nil {
				return err
			}
		}

		applied, err := applyStockDeltas(ctx, tx, order.StockDeltas(), -1, now)
		if err != nil {
			return err
		}
		levels = applied
		return nil
	})
	if err != nil {
		return nil, ppostgres.WrapError("orders.create", err)
	}
	return levels, nil
}

func (r *OrderRepository) MarkRefunded(ctx context.Context, orderID string) (domain.Order, []repositories.StockLevel, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, nil, errors.New("order refund: id is required")
	}

	now := r.clock().UTC()
	var (
		result domain.Order
		levels []repositories.StockLevel
	)
	err := ppostgres.InTx(ctx, r.db, func(tx *sql.Tx) error {
		// The status guard in the WHERE clause makes a concurrent second refund a no-op.
		row := tx.QueryRowContext(ctx,
			`UPDATE orders SET status = $2, updated_at = $3
			  WHERE id = $1 AND status = $4
			  RETURNING `+orderColumns,
			orderID, string(domain.OrderStatusRefunded), now, string(domain.OrderStatusCompleted),
		)
		order, err := scanOrder(row)
		if errors.Is(err, sql.ErrNoRows) {
			var current string
			lookup := tx.QueryRowContext(ctx, `SELECT status FROM orders WHERE id = $1`, orderID).Scan(&current)
			if errors.Is(lookup, sql.ErrNoRows) {
				return ppostgres.NotFoundError("orders.markRefunded", fmt.Errorf("order %q not found", orderID))
			}
			if lookup != nil {
				return lookup
			}
			return repositories.NewNotRefundableError("orders.markRefunded", domain.OrderStatus(current))
		}
		if err != nil {
			return err
		}

		items, err := loadItems(ctx, tx, []string{orderID})
		if err != nil {
			return err
		}
		order.Items = items[orderID]

		applied, err := applyStockDeltas(ctx, tx, order.StockDeltas(), 1, now)
		if err != nil {
			return err
		}
		levels = applied
		result = order
		return nil
	})
	if err != nil {
		return domain.Order{}, nil, wrapOrderError("orders.markRefunded", err)
	}
	return result, levels, nil
}

func (r *OrderRepository) SetInvoiceRef(ctx context.Context, orderID, invoiceRef string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order set invoice: id is required")
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE orders SET invoice_ref = $2, updated_at = $3 WHERE id = $1`,
		orderID, invoiceRef, r.clock().UTC(),
	)
	if err != nil {
		return domain.Order{}, ppostgres.WrapError("orders.setInvoiceRef", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Order{}, ppostgres.NotFoundError("orders.setInvoiceRef", fmt.Errorf("order %q not found", orderID))
	}
	return r.FindByID(ctx, orderID)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	return r.findOne(ctx, "orders.findByID", `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID)
}

func (r *OrderRepository) FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return domain.Order{}, errors.New("order find by session: session ref is required")
	}
	return r.findOne(ctx, "orders.findBySessionRef", `SELECT `+orderColumns+` FROM orders WHERE session_ref = $1`, sessionRef)
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("order list: customer id is required")
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id DESC`,
		customerID,
	)
	if err != nil {
		return nil, ppostgres.WrapError("orders.listByCustomer", err)
	}
	defer rows.Close()

	var (
		orders []domain.Order
		ids    []string
	)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, ppostgres.WrapError("orders.listByCustomer", err)
		}
		orders = append(orders, order)
		ids = append(ids, order.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, ppostgres.WrapError("orders.listByCustomer", err)
	}
	if len(ids) == 0 {
		return []domain.Order{}, nil
	}

	items, err := loadItems(ctx, r.db, ids)
	if err != nil {
		return nil, ppostgres.WrapError("orders.listByCustomer", err)
	}
	for i := range orders {
		orders[i].Items = items[orders[i].ID]
	}
	return orders, nil
}

func (r *OrderRepository) findOne(ctx context.Context, op, query string, arg string) (domain.Order, error) {
	order, err := scanOrder(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	items, err := loadItems(ctx, r.db, []string{order.ID})
	if err != nil {
		return domain.Order{}, ppostgres.WrapError(op, err)
	}
	order.Items = items[order.ID]
	return order, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadItems(ctx context.Context, q queryer, orderIDs []string) (map[string][]domain.OrderItem, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT id, order_id, product_id, price_id, price_ref, quantity, amount
		   FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`,
		pq.Array(orderIDs),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make(map[string][]domain.OrderItem, len(orderIDs))
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.PriceID, &item.PriceRef, &item.Quantity, &item.Amount); err != nil {
			return nil, err
		}
		items[item.OrderID] = append(items[item.OrderID], item)
	}
	return items, rows.Err()
}

// applyStockDeltas moves stock by sign*delta per product in id order. Decrements are floored at zero.
func applyStockDeltas(ctx context.Context, tx *sql.Tx, deltas map[string]int64, sign int64, now time.Time) ([]repositories.StockLevel, error) {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	levels := make([]repositories.StockLevel, 0, len(ids))
	for _, productID := range ids {
		var stock int64
		err := tx.QueryRowContext(ctx,
			`UPDATE products SET stock = GREATEST(stock + $2, 0), updated_at = $3
			  WHERE id = $1
			  RETURNING stock`,
			productID, sign*deltas[productID], now,
		).Scan(&stock)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ppostgres.NotFoundError("orders.applyStock", fmt.Errorf("product %q not found", productID))
		}
		if err != nil {
			return nil, err
		}
		levels = append(levels, repositories.StockLevel{ProductID: productID, Stock: stock})
	}
	return levels, nil
}

func scanOrder(s scanner) (domain.Order, error) {
	var (
		order  domain.Order
		status string
	)
	if err := s.Scan(&order.ID, &order.SessionRef, &status, &order.Total, &order.Currency,
		&order.CustomerID, &order.InvoiceRef, &order.CreatedAt, &order.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	return order, nil
}

func wrapOrderError(op string, err error) error {
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	return ppostgres.WrapError(op, err)
}
