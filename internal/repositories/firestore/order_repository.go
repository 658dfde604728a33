package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/storefront/payments-api/internal/domain"
	pfirestore "github.com/storefront/payments-api/internal/platform/firestore"
	"github.com/storefront/payments-api/internal/repositories"
)

const (
	ordersCollection        = "orders"
	orderSessionsCollection = "orderSessions"
)

type orderDocument struct {
	SessionRef string              `firestore:"sessionRef"`
	Status     string              `firestore:"status"`
	Total      int64               `firestore:"total"`
	Currency   string              `firestore:"currency"`
	CustomerID string              `firestore:"customerId,omitempty"`
	InvoiceRef string              `firestore:"invoiceRef,omitempty"`
	Items      []orderItemDocument `firestore:"items"`
	CreatedAt  time.Time           `firestore:"createdAt"`
	UpdatedAt  time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ID        string `firestore:"id"`
	ProductID string `firestore:"productId"`
	PriceID   string `firestore:"priceId,omitempty"`
	PriceRef  string `firestore:"priceRef,omitempty"`
	Quantity  int64  `firestore:"quantity"`
	Amount    int64  `firestore:"amount"`
}

type orderSessionDocument struct {
	OrderID   string    `firestore:"orderId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

func newOrderDocument(order domain.Order) orderDocument {
	doc := orderDocument{
		SessionRef: order.SessionRef,
		Status:     string(order.Status),
		Total:      order.Total,
		Currency:   order.Currency,
		CustomerID: order.CustomerID,
		InvoiceRef: order.InvoiceRef,
		CreatedAt:  order.CreatedAt.UTC(),
		UpdatedAt:  order.UpdatedAt.UTC(),
	}
	doc.Items = make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		doc.Items = append(doc.Items, orderItemDocument{
			ID:        item.ID,
			ProductID: item.ProductID,
			PriceID:   item.PriceID,
			PriceRef:  item.PriceRef,
			Quantity:  item.Quantity,
			Amount:    item.Amount,
		})
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:         id,
		SessionRef: d.SessionRef,
		Status:     domain.OrderStatus(d.Status),
		Total:      d.Total,
		Currency:   d.Currency,
		CustomerID: d.CustomerID,
		InvoiceRef: d.InvoiceRef,
		CreatedAt:  d.CreatedAt.UTC(),
		UpdatedAt:  d.UpdatedAt.UTC(),
	}
	for _, item := range d.Items {
		order.Items = append(order.Items, domain.OrderItem{
			ID:        item.ID,
			OrderID:   id,
			ProductID: item.ProductID,
			PriceID:   item.PriceID,
			PriceRef:  item.PriceRef,
			Quantity:  item.Quantity,
			Amount:    item.Amount,
		})
	}
	return order
}

// OrderRepository persists orders and applies their stock movements inside Firestore transactions.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[orderDocument]
	sessions *pfirestore.Collection[orderSessionDocument]
	products *pfirestore.Collection[productDocument]
	clock    func() time.Time
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

func NewOrderRepository(provider *pfirestore.Provider, clock func() time.Time) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDocument](provider, ordersCollection),
		sessions: pfirestore.NewCollection[orderSessionDocument](provider, orderSessionsCollection),
		products: pfirestore.NewCollection[productDocument](provider, productsCollection),
		clock:    clock,
	}, nil
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
	deltas := order.StockDeltas()

	var levels []repositories.StockLevel
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		levels = nil

		sessionRef, err := r.sessions.Ref(ctx, order.SessionRef)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.Ref(ctx, order.ID)
		if err != nil {
			return err
		}

		// Firestore requires all reads before writes within a transaction.
		if _, err := tx.Get(sessionRef); err == nil {
			return pfirestore.ConflictError("orders.create", fmt.Errorf("order for session %q already exists", order.SessionRef))
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		type pending struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		ids := sortedKeys(deltas)
		updates := make([]pending, 0, len(ids))
		for _, productID := range ids {
			ref, err := r.products.Ref(ctx, productID)
			if err != nil {
				return err
			}
			snap, err := tx.Get(ref)
			if err != nil {
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			doc.Stock -= deltas[productID]
			if doc.Stock < 0 {
				doc.Stock = 0
			}
			doc.UpdatedAt = now
			updates = append(updates, pending{ref: ref, doc: doc})
		}

		if err := tx.Create(sessionRef, orderSessionDocument{OrderID: order.ID, CreatedAt: now}); err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		for i, update := range updates {
			if err := tx.Update(update.ref, []firestore.Update{
				{Path: "stock", Value: update.doc.Stock},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
			levels = append(levels, repositories.StockLevel{ProductID: ids[i], Stock: update.doc.Stock})
		}
		return nil
	})
	if err != nil {
		return nil, pfirestore.WrapError("orders.create", err)
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
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		levels = nil

		orderRef, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		order := doc.toDomain(orderID)
		if order.Status != domain.OrderStatusCompleted {
			return repositories.NewNotRefundableError("orders.markRefunded", order.Status)
		}

		deltas := order.StockDeltas()
		ids := sortedKeys(deltas)
		refs := make([]*firestore.DocumentRef, 0, len(ids))
		stocks := make([]int64, 0, len(ids))
		for _, productID := range ids {
			ref, err := r.products.Ref(ctx, productID)
			if err != nil {
				return err
			}
			productSnap, err := tx.Get(ref)
			if err != nil {
				return err
			}
			var product productDocument
			if err := productSnap.DataTo(&product); err != nil {
				return fmt.Errorf("decode product %s: %w", productID, err)
			}
			refs = append(refs, ref)
			stocks = append(stocks, product.Stock+deltas[productID])
		}

		if err := tx.Update(orderRef, []firestore.Update{
			{Path: "status", Value: string(domain.OrderStatusRefunded)},
			{Path: "updatedAt", Value: now},
		}, firestore.LastUpdateTime(snap.UpdateTime)); err != nil {
			return err
		}
		for i, ref := range refs {
			if err := tx.Update(ref, []firestore.Update{
				{Path: "stock", Value: stocks[i]},
				{Path: "updatedAt", Value: now},
			}); err != nil {
				return err
			}
			levels = append(levels, repositories.StockLevel{ProductID: ids[i], Stock: stocks[i]})
		}

		order.Status = domain.OrderStatusRefunded
		order.UpdatedAt = now
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
	if _, err := r.orders.Update(ctx, orderID, []firestore.Update{
		{Path: "invoiceRef", Value: invoiceRef},
		{Path: "updatedAt", Value: r.clock().UTC()},
	}, firestore.Exists); err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, orderID)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

func (r *OrderRepository) FindBySessionRef(ctx context.Context, sessionRef string) (domain.Order, error) {
	sessionRef = strings.TrimSpace(sessionRef)
	if sessionRef == "" {
		return domain.Order{}, errors.New("order find by session: session ref is required")
	}
	doc, err := r.sessions.Get(ctx, sessionRef)
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, doc.Data.OrderID)
}

func (r *OrderRepository) ListByCustomer(ctx context.Context, customerID string) ([]domain.Order, error) {
	customerID = strings.TrimSpace(customerID)
	if customerID == "" {
		return nil, errors.New("order list: customer id is required")
	}
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("customerId", "==", customerID).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	return pfirestore.WrapError(op, err)
}

func sortedKeys(deltas map[string]int64) []string {
	ids := make([]string, 0, len(deltas))
	for id := range deltas {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
