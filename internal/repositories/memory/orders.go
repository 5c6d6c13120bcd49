package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// OrderStore keeps orders in memory with a unique provider order id index.
type OrderStore struct {
	mu         sync.Mutex
	orders     map[string]domain.Order
	byProvider map[string]string
	byCheckout map[string]string
}

var _ repositories.OrderRepository = (*OrderStore)(nil)

// NewOrderStore constructs an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:     make(map[string]domain.Order),
		byProvider: make(map[string]string),
		byCheckout: make(map[string]string),
	}
}

func (s *OrderStore) Insert(_ context.Context, order domain.Order) error {
	const op = "orders.insert"
	id := strings.TrimSpace(order.ID)
	key := strings.TrimSpace(order.ProviderOrderID)
	if id == "" || key == "" {
		return conflict(op, "order id and provider order id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[id]; exists {
		return conflict(op, "order already exists")
	}
	if _, exists := s.byProvider[key]; exists {
		return conflict(op, "provider order id already used")
	}
	s.orders[id] = order.Clone()
	s.byProvider[key] = id
	if checkoutID := strings.TrimSpace(order.CheckoutID); checkoutID != "" {
		s.byCheckout[checkoutID] = id
	}
	return nil
}

func (s *OrderStore) Update(_ context.Context, order domain.Order, expectedUpdatedAt time.Time) error {
	const op = "orders.update"
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[strings.TrimSpace(order.ID)]
	if !ok {
		return notFound(op, "order not found")
	}
	if !current.UpdatedAt.Equal(expectedUpdatedAt) {
		return conflict(op, "order was modified concurrently")
	}
	if current.ProviderOrderID != order.ProviderOrderID {
		return conflict(op, "provider order id is immutable")
	}
	s.orders[order.ID] = order.Clone()
	return nil
}

func (s *OrderStore) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return domain.Order{}, notFound("orders.find", "order not found")
	}
	return order.Clone(), nil
}

func (s *OrderStore) FindByProviderOrderID(_ context.Context, providerOrderID string) (domain.Order, error) {
	return s.findByIndex("orders.find_by_provider_order", s.byProvider, providerOrderID)
}

func (s *OrderStore) FindByCheckoutID(_ context.Context, checkoutID string) (domain.Order, error) {
	return s.findByIndex("orders.find_by_checkout", s.byCheckout, checkoutID)
}

func (s *OrderStore) findByIndex(op string, index map[string]string, key string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := index[strings.TrimSpace(key)]
	if !ok {
		return domain.Order{}, notFound(op, "order not found")
	}
	return s.orders[id].Clone(), nil
}

func (s *OrderStore) ListAwaitingCompensation(_ context.Context, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, order := range s.orders {
		if order.FulfillmentStatus != domain.FulfillmentStatusCancelled || order.StockRestored {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Count returns the number of stored orders.
func (s *OrderStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.orders)
}
