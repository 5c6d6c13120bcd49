package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	orderEventCreated       = "order.created"
	orderEventStatusChanged = "order.status.changed"
	orderEventCompensated   = "order.stock.restored"

	orderIDPrefix = "ord_"

	reasonOrderCancelled = "order_cancelled"
	systemActor          = "system"

	maxOrderUpdateAttempts = 3
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidTransition indicates the fulfillment transition is not allowed.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderPaymentStatusImmutable indicates a caller tried to set payment status directly.
	ErrOrderPaymentStatusImmutable = errors.New("order: payment status cannot be changed")
	// ErrOrderCompensationPending indicates the order was cancelled but stock restoration is incomplete.
	ErrOrderCompensationPending = errors.New("order: stock compensation pending")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Ledger      StockLedgerService
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	ledger StockLedgerService
	events OrderEventPublisher
	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("order service: stock ledger is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders: deps.Orders,
		ledger: deps.Ledger,
		events: deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *orderService) CreateFromCheckout(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error) {
	checkout := cmd.Checkout
	key := strings.TrimSpace(cmd.ProviderOrderID)
	if strings.TrimSpace(checkout.ID) == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: checkout id is required", ErrOrderInvalidInput)
	}
	if key == "" {
		return CreateOrderResult{}, fmt.Errorf("%w: provider order id is required", ErrOrderInvalidInput)
	}
	if len(checkout.Lines) == 0 {
		return CreateOrderResult{}, fmt.Errorf("%w: checkout has no lines", ErrOrderInvalidInput)
	}
	mode := checkout.PaymentMode
	if !mode.Valid() {
		return CreateOrderResult{}, fmt.Errorf("%w: unsupported payment mode %q", ErrOrderInvalidInput, mode)
	}

	if existing, err := s.orders.FindByProviderOrderID(ctx, key); err == nil {
		return CreateOrderResult{Order: existing, Duplicate: true}, nil
	} else if !isRepoNotFound(err) {
		return CreateOrderResult{}, s.mapRepositoryError(err)
	}

	now := s.now()
	payment := domain.PaymentStatusPaid
	var paidAt *time.Time
	if mode == domain.PaymentModeCOD {
		payment = domain.PaymentStatusPending
	} else {
		paidAt = &now
	}

	snapshot := checkout.Clone()
	order := Order{
		ID:                s.nextOrderID(),
		BuyerID:           snapshot.BuyerID,
		CheckoutID:        snapshot.ID,
		Lines:             snapshot.Lines,
		ShippingAddress:   snapshot.ShippingAddress,
		Currency:          snapshot.Currency,
		Subtotal:          snapshot.Subtotal,
		Shipping:          snapshot.Shipping,
		Tax:               snapshot.Tax,
		FinalAmount:       snapshot.Total,
		PaymentMode:       mode,
		PaymentStatus:     payment,
		FulfillmentStatus: domain.FulfillmentStatusPending,
		Provider:          snapshot.Provider,
		ProviderOrderID:   key,
		ProviderPaymentID: strings.TrimSpace(cmd.ProviderPaymentID),
		History: []domain.OrderStatusChange{{
			To:            domain.FulfillmentStatusPending,
			PaymentStatus: payment,
			ActorID:       systemActor,
			Reason:        "order created",
			At:            now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
		PaidAt:    paidAt,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		if isRepoConflict(err) {
			existing, findErr := s.orders.FindByProviderOrderID(ctx, key)
			if findErr == nil {
				return CreateOrderResult{Order: existing, Duplicate: true}, nil
			}
		}
		return CreateOrderResult{}, s.mapRepositoryError(err)
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCreated,
		OrderID:       order.ID,
		BuyerID:       order.BuyerID,
		CurrentStatus: string(order.FulfillmentStatus),
		PaymentStatus: string(order.PaymentStatus),
		ActorID:       systemActor,
		OccurredAt:    now,
		Metadata: map[string]any{
			"checkoutId":      order.CheckoutID,
			"providerOrderId": order.ProviderOrderID,
			"finalAmount":     order.FinalAmount,
			"paymentMode":     string(order.PaymentMode),
		},
	})

	return CreateOrderResult{Order: order}, nil
}

func (s *orderService) MarkStockCommitted(ctx context.Context, orderID string) (Order, error) {
	return s.mutate(ctx, orderID, nil, func(order *Order, _ time.Time) (bool, error) {
		if order.StockCommitted {
			return false, nil
		}
		order.StockCommitted = true
		return true, nil
	})
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) FindByProviderOrderID(ctx context.Context, providerOrderID string) (Order, error) {
	providerOrderID = strings.TrimSpace(providerOrderID)
	if providerOrderID == "" {
		return Order{}, fmt.Errorf("%w: provider order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByProviderOrderID(ctx, providerOrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) FindByCheckoutID(ctx context.Context, checkoutID string) (Order, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return Order{}, fmt.Errorf("%w: checkout id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByCheckoutID(ctx, checkoutID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) TransitionFulfillment(ctx context.Context, cmd TransitionFulfillmentCommand) (Order, error) {
	target := cmd.Target
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown fulfillment status %q", ErrOrderInvalidInput, target)
	}
	actor := strings.TrimSpace(cmd.ActorID)
	reason := strings.TrimSpace(cmd.Reason)

	var previous FulfillmentStatus
	order, err := s.mutate(ctx, cmd.OrderID, cmd.ExpectedUpdatedAt, func(order *Order, now time.Time) (bool, error) {
		previous = order.FulfillmentStatus
		if previous == target || !domain.CanTransitionFulfillment(previous, target) {
			return false, fmt.Errorf("%w: %q to %q", ErrOrderInvalidTransition, previous, target)
		}
		order.FulfillmentStatus = target
		switch target {
		case domain.FulfillmentStatusDelivered:
			order.DeliveredAt = &now
			if order.PaymentMode == domain.PaymentModeCOD && order.PaymentStatus == domain.PaymentStatusPending {
				order.PaymentStatus = domain.PaymentStatusPaid
				order.PaidAt = &now
			}
		case domain.FulfillmentStatusCancelled:
			order.CancelledAt = &now
			order.CancelReason = reason
			if order.PaymentMode == domain.PaymentModeCOD && order.PaymentStatus == domain.PaymentStatusPending {
				order.PaymentStatus = domain.PaymentStatusFailed
			}
		}
		order.History = append(order.History, domain.OrderStatusChange{
			From:          previous,
			To:            target,
			PaymentStatus: order.PaymentStatus,
			ActorID:       actor,
			Reason:        reason,
			At:            now,
		})
		return true, nil
	})
	if err != nil {
		return Order{}, err
	}

	metadata := map[string]any{}
	if reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        order.ID,
		BuyerID:        order.BuyerID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(order.FulfillmentStatus),
		PaymentStatus:  string(order.PaymentStatus),
		ActorID:        actor,
		OccurredAt:     order.UpdatedAt,
		Metadata:       metadata,
	})

	if target == domain.FulfillmentStatusCancelled {
		restored, err := s.compensate(ctx, order)
		if err != nil {
			return order, fmt.Errorf("%w: %v", ErrOrderCompensationPending, err)
		}
		order = restored
	}
	return order, nil
}

func (s *orderService) RetryCompensation(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 50
	}
	orders, err := s.orders.ListAwaitingCompensation(ctx, limit)
	if err != nil {
		return 0, s.mapRepositoryError(err)
	}
	restored := 0
	var errs []error
	for _, order := range orders {
		if _, err := s.compensate(ctx, order); err != nil {
			errs = append(errs, fmt.Errorf("order %s: %w", order.ID, err))
			continue
		}
		restored++
	}
	return restored, errors.Join(errs...)
}

// compensate returns stock held or consumed by a cancelled order. Reservations still held are
// released; committed quantities are credited back once per product through the restock key.
func (s *orderService) compensate(ctx context.Context, order Order) (Order, error) {
	if order.StockRestored {
		return order, nil
	}

	restock := make(map[string]int)
	for _, line := range order.Lines {
		token := strings.TrimSpace(line.ReservationToken)
		if token == "" {
			if order.StockCommitted {
				restock[line.ProductID] += line.Quantity
			}
			continue
		}
		reservation, err := s.ledger.Reservation(ctx, token)
		if err != nil {
			if errors.Is(err, ErrReservationNotFound) {
				continue
			}
			return order, err
		}
		switch reservation.Status {
		case domain.ReservationStatusReserved:
			released, err := s.ledger.Release(ctx, token, reasonOrderCancelled)
			if err != nil {
				return order, err
			}
			if released.Status == domain.ReservationStatusCommitted {
				restock[line.ProductID] += line.Quantity
			}
		case domain.ReservationStatusCommitted:
			restock[line.ProductID] += line.Quantity
		}
	}

	productIDs := make([]string, 0, len(restock))
	for productID := range restock {
		productIDs = append(productIDs, productID)
	}
	sort.Strings(productIDs)
	for _, productID := range productIDs {
		if _, err := s.ledger.Restock(ctx, RestockCommand{
			ProductID: productID,
			Quantity:  restock[productID],
			Key:       restockKey(order.ID, productID),
			Reason:    reasonOrderCancelled,
		}); err != nil {
			return order, err
		}
	}

	updated, err := s.mutate(ctx, order.ID, nil, func(o *Order, _ time.Time) (bool, error) {
		if o.StockRestored {
			return false, nil
		}
		o.StockRestored = true
		return true, nil
	})
	if err != nil {
		return order, err
	}

	s.publishEvent(ctx, OrderEvent{
		Type:          orderEventCompensated,
		OrderID:       updated.ID,
		BuyerID:       updated.BuyerID,
		CurrentStatus: string(updated.FulfillmentStatus),
		PaymentStatus: string(updated.PaymentStatus),
		ActorID:       systemActor,
		OccurredAt:    updated.UpdatedAt,
		Metadata:      map[string]any{"restockedProducts": productIDs},
	})
	return updated, nil
}

// mutate applies fn to the stored order and writes it back with an optimistic check. When expected
// is set the caller's view must match the stored version; otherwise conflicts are retried.
func (s *orderService) mutate(ctx context.Context, orderID string, expected *time.Time, fn func(order *Order, now time.Time) (bool, error)) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	attempts := maxOrderUpdateAttempts
	if expected != nil {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, s.mapRepositoryError(err)
		}
		if expected != nil && !order.UpdatedAt.Equal(expected.UTC()) {
			return Order{}, fmt.Errorf("%w: order was modified at %s", ErrOrderConflict, order.UpdatedAt.Format(time.RFC3339Nano))
		}
		stored := order.UpdatedAt
		now := s.now()
		if !now.After(stored) {
			now = stored.Add(time.Microsecond)
		}
		changed, err := fn(&order, now)
		if err != nil {
			return Order{}, err
		}
		if !changed {
			return order, nil
		}
		order.UpdatedAt = now
		if err := s.orders.Update(ctx, order, stored); err != nil {
			lastErr = s.mapRepositoryError(err)
			if isRepoConflict(err) {
				continue
			}
			return Order{}, lastErr
		}
		return order, nil
	}
	return Order{}, lastErr
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("order: repository unavailable: %w", err)
		}
	}

	return err
}

func (s *orderService) now() time.Time {
	return s.clock()
}

func (s *orderService) nextOrderID() string {
	return ensurePrefixedID(orderIDPrefix, s.newID())
}

func (s *orderService) publishEvent(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"error":  err.Error(),
			"status": event.CurrentStatus,
		})
	}
}

func restockKey(orderID, productID string) string {
	return "cancel:" + orderID + ":" + productID
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}
