package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	ordersCollection    = "orders"
	orderKeysCollection = "orderProviderOrders"
)

// OrderRepository stores orders. The provider order id is made unique by creating a key
// document in the same transaction as the order.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   pfirestore.Collection[orderDoc]
	keys     pfirestore.Collection[providerKeyDoc]
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewCollection[orderDoc](provider, ordersCollection),
		keys:     pfirestore.NewCollection[providerKeyDoc](provider, orderKeysCollection),
	}, nil
}

func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	const op = "orders.insert"
	id := strings.TrimSpace(order.ID)
	key := strings.TrimSpace(order.ProviderOrderID)
	if id == "" || key == "" {
		return conflictError(op, "order id and provider order id are required")
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Ref(ctx, id)
		if err != nil {
			return err
		}
		keyRef, err := r.keys.Ref(ctx, key)
		if err != nil {
			return err
		}
		if _, err := tx.Get(keyRef); err == nil {
			return conflictError(op, "provider order id already used")
		} else if !pfirestore.IsNotFound(err) {
			return err
		}
		if err := tx.Create(ref, encodeOrder(order)); err != nil {
			return err
		}
		return tx.Create(keyRef, providerKeyDoc{OwnerID: id, CreatedAt: storedTime(order.CreatedAt)})
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedUpdatedAt time.Time) error {
	const op = "orders.update"
	id := strings.TrimSpace(order.ID)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.Ref(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		current, err := pfirestore.Decode[orderDoc](snap)
		if err != nil {
			return err
		}
		if !current.UpdatedAt.Equal(storedTime(expectedUpdatedAt)) {
			return conflictError(op, "order was modified concurrently")
		}
		if current.ProviderOrderID != order.ProviderOrderID {
			return conflictError(op, "provider order id is immutable")
		}
		return tx.Set(ref, encodeOrder(order))
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.toDomain(id), nil
}

func (r *OrderRepository) FindByProviderOrderID(ctx context.Context, providerOrderID string) (domain.Order, error) {
	key, err := r.keys.Get(ctx, strings.TrimSpace(providerOrderID))
	if err != nil {
		return domain.Order{}, err
	}
	return r.FindByID(ctx, key.OwnerID)
}

func (r *OrderRepository) FindByCheckoutID(ctx context.Context, checkoutID string) (domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("checkoutId", "==", strings.TrimSpace(checkoutID)).Limit(1)
	})
	if err != nil {
		return domain.Order{}, err
	}
	if len(docs) == 0 {
		return domain.Order{}, &notFoundError{op: "orders.find_by_checkout"}
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// ListAwaitingCompensation needs the composite index orders(fulfillmentStatus, stockRestored, updatedAt).
func (r *OrderRepository) ListAwaitingCompensation(ctx context.Context, limit int) ([]domain.Order, error) {
	docs, err := r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("fulfillmentStatus", "==", string(domain.FulfillmentStatusCancelled)).
			Where("stockRestored", "==", false).
			OrderBy("updatedAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain(doc.ID))
	}
	return out, nil
}
