package messaging

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/services"
)

const defaultSubscriberBuffer = 32

// CartClearedHandler consumes cart-clear signals delivered in process.
type CartClearedHandler func(ctx context.Context, event domain.CartClearedEvent) error

// OrderEventHandler consumes order events delivered in process.
type OrderEventHandler func(ctx context.Context, event services.OrderEvent) error

// Hub fans stock events out to local subscribers. It also serves as the in-process publisher for
// order and cart events when no broker is configured.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	nextID  uint64
	buffer  int
	dropped atomic.Int64

	onCart  CartClearedHandler
	onOrder OrderEventHandler
}

type subscription struct {
	ch       chan domain.StockEvent
	products map[string]struct{}
}

// HubOption customises a Hub.
type HubOption func(*Hub)

// WithSubscriberBuffer sets the per-subscriber channel capacity.
func WithSubscriberBuffer(size int) HubOption {
	return func(h *Hub) {
		if size > 0 {
			h.buffer = size
		}
	}
}

// WithCartClearedHandler runs fn for every cart-clear signal.
func WithCartClearedHandler(fn CartClearedHandler) HubOption {
	return func(h *Hub) { h.onCart = fn }
}

// WithOrderEventHandler runs fn for every order event.
func WithOrderEventHandler(fn OrderEventHandler) HubOption {
	return func(h *Hub) { h.onOrder = fn }
}

// NewHub constructs an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		subs:   make(map[uint64]*subscription),
		buffer: defaultSubscriberBuffer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Subscribe returns a channel of stock events for the given products, or for every product when
// none are named. The channel is closed when ctx is done. Slow subscribers miss events rather than
// blocking publishers.
func (h *Hub) Subscribe(ctx context.Context, productIDs ...string) <-chan domain.StockEvent {
	sub := &subscription{ch: make(chan domain.StockEvent, h.buffer)}
	for _, id := range productIDs {
		if id = strings.TrimSpace(id); id != "" {
			if sub.products == nil {
				sub.products = make(map[string]struct{})
			}
			sub.products[id] = struct{}{}
		}
	}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = sub
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, id)
		close(sub.ch)
		h.mu.Unlock()
	}()
	return sub.ch
}

// PublishStockEvent implements services.StockEventPublisher.
func (h *Hub) PublishStockEvent(_ context.Context, event domain.StockEvent) error {
	h.Deliver(event)
	return nil
}

// Deliver hands event to matching subscribers without blocking.
func (h *Hub) Deliver(event domain.StockEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if !sub.wants(event.ProductID) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped.Add(1)
		}
	}
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (h *Hub) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	if h.onOrder == nil {
		return nil
	}
	return h.onOrder(ctx, event)
}

// PublishCartCleared implements services.CartEventPublisher.
func (h *Hub) PublishCartCleared(ctx context.Context, event domain.CartClearedEvent) error {
	if h.onCart == nil {
		return nil
	}
	return h.onCart(ctx, event)
}

// Subscribers reports the number of open subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped because a subscriber was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (s *subscription) wants(productID string) bool {
	if len(s.products) == 0 {
		return true
	}
	_, ok := s.products[productID]
	return ok
}

var (
	_ services.StockEventPublisher  = (*Hub)(nil)
	_ services.StockEventSubscriber = (*Hub)(nil)
	_ services.OrderEventPublisher  = (*Hub)(nil)
	_ services.CartEventPublisher   = (*Hub)(nil)
)
