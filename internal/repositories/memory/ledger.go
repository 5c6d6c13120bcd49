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

// Ledger is an in-process stock ledger. Each product owns its own mutex so reserves on
// different products never contend; the registry lock only guards map lookups.
type Ledger struct {
	mu    sync.RWMutex
	slots map[string]*stockSlot
	index map[string]string
}

type stockSlot struct {
	mu           sync.Mutex
	level        domain.StockLevel
	reservations map[string]*domain.Reservation
	restocked    map[string]struct{}
}

var _ repositories.StockLedgerRepository = (*Ledger)(nil)

// NewLedger constructs an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		slots: make(map[string]*stockSlot),
		index: make(map[string]string),
	}
}

func (l *Ledger) slot(productID string) *stockSlot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.slots[productID]
}

func (l *Ledger) slotForToken(token string) *stockSlot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	productID, ok := l.index[token]
	if !ok {
		return nil
	}
	return l.slots[productID]
}

// Reserve moves quantity from available to reserved for a single product.
func (l *Ledger) Reserve(_ context.Context, req repositories.LedgerReserveRequest) (repositories.LedgerResult, error) {
	const op = "ledger.reserve"
	productID := strings.TrimSpace(req.ProductID)
	token := strings.TrimSpace(req.Token)
	if token == "" || productID == "" {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "token and product id are required", nil)
	}
	if req.Quantity <= 0 {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "quantity must be positive", nil)
	}

	slot := l.slot(productID)
	if slot == nil {
		return repositories.LedgerResult{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorStockNotFound, ProductID: productID, Message: "stock not found"}
	}

	l.mu.Lock()
	if _, exists := l.index[token]; exists {
		l.mu.Unlock()
		return repositories.LedgerResult{}, conflict(op, "reservation token already used")
	}
	l.index[token] = productID
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.level.Available < req.Quantity {
		l.mu.Lock()
		delete(l.index, token)
		l.mu.Unlock()
		return repositories.LedgerResult{}, &repositories.LedgerError{
			Op:        op,
			Code:      repositories.LedgerErrorInsufficientStock,
			ProductID: productID,
			Message:   "insufficient stock",
		}
	}

	slot.level.Available -= req.Quantity
	slot.level.Reserved += req.Quantity
	slot.level.UpdatedAt = req.Now

	reservation := &domain.Reservation{
		Token:      token,
		ProductID:  productID,
		CheckoutID: strings.TrimSpace(req.CheckoutID),
		Quantity:   req.Quantity,
		Status:     domain.ReservationStatusReserved,
		ExpiresAt:  req.ExpiresAt,
		CreatedAt:  req.Now,
	}
	slot.reservations[token] = reservation

	return repositories.LedgerResult{Reservation: *reservation, Level: slot.level, Changed: true}, nil
}

// Commit consumes the reserved quantity for token.
func (l *Ledger) Commit(_ context.Context, token string, at time.Time) (repositories.LedgerResult, error) {
	const op = "ledger.commit"
	slot, reservation, err := l.lockReservation(op, token)
	if err != nil {
		return repositories.LedgerResult{}, err
	}
	defer slot.mu.Unlock()

	switch reservation.Status {
	case domain.ReservationStatusCommitted:
		return repositories.LedgerResult{Reservation: *reservation, Level: slot.level}, nil
	case domain.ReservationStatusReleased:
		return repositories.LedgerResult{Reservation: *reservation, Level: slot.level}, &repositories.LedgerError{
			Op:        op,
			Code:      repositories.LedgerErrorReservationReleased,
			ProductID: reservation.ProductID,
			Token:     reservation.Token,
			Message:   "reservation already released",
		}
	}

	slot.level.Reserved -= reservation.Quantity
	slot.level.UpdatedAt = at
	committedAt := at
	reservation.Status = domain.ReservationStatusCommitted
	reservation.CommittedAt = &committedAt

	return repositories.LedgerResult{Reservation: *reservation, Level: slot.level, Changed: true}, nil
}

// Release returns the reserved quantity for token to available stock.
func (l *Ledger) Release(_ context.Context, token string, reason string, at time.Time) (repositories.LedgerResult, error) {
	const op = "ledger.release"
	slot, reservation, err := l.lockReservation(op, token)
	if err != nil {
		return repositories.LedgerResult{}, err
	}
	defer slot.mu.Unlock()

	if reservation.Status != domain.ReservationStatusReserved {
		return repositories.LedgerResult{Reservation: *reservation, Level: slot.level}, nil
	}

	slot.level.Reserved -= reservation.Quantity
	slot.level.Available += reservation.Quantity
	slot.level.UpdatedAt = at
	releasedAt := at
	reservation.Status = domain.ReservationStatusReleased
	reservation.Reason = strings.TrimSpace(reason)
	reservation.ReleasedAt = &releasedAt

	return repositories.LedgerResult{Reservation: *reservation, Level: slot.level, Changed: true}, nil
}

// Restock credits available stock once per key.
func (l *Ledger) Restock(_ context.Context, req repositories.LedgerRestockRequest) (repositories.LedgerResult, error) {
	const op = "ledger.restock"
	if req.Quantity <= 0 {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "quantity must be positive", nil)
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "restock key is required", nil)
	}
	slot := l.slot(strings.TrimSpace(req.ProductID))
	if slot == nil {
		return repositories.LedgerResult{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorStockNotFound, ProductID: req.ProductID, Message: "stock not found"}
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()
	if _, done := slot.restocked[key]; done {
		return repositories.LedgerResult{Level: slot.level}, nil
	}
	slot.restocked[key] = struct{}{}
	slot.level.Available += req.Quantity
	slot.level.UpdatedAt = req.Now
	return repositories.LedgerResult{Level: slot.level, Changed: true}, nil
}

// SetAvailable seeds or overwrites the available quantity of a product.
func (l *Ledger) SetAvailable(_ context.Context, productID string, available int, at time.Time) (domain.StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" || available < 0 {
		return domain.StockLevel{}, repositories.NewLedgerError("ledger.set", repositories.LedgerErrorInvalidQuantity, "product id and non-negative quantity are required", nil)
	}

	l.mu.Lock()
	slot, ok := l.slots[productID]
	if !ok {
		slot = &stockSlot{
			level:        domain.StockLevel{ProductID: productID},
			reservations: make(map[string]*domain.Reservation),
			restocked:    make(map[string]struct{}),
		}
		l.slots[productID] = slot
	}
	l.mu.Unlock()

	slot.mu.Lock()
	defer slot.mu.Unlock()
	slot.level.Available = available
	slot.level.UpdatedAt = at
	return slot.level, nil
}

// GetLevel returns the current ledger entry for productID.
func (l *Ledger) GetLevel(_ context.Context, productID string) (domain.StockLevel, error) {
	slot := l.slot(strings.TrimSpace(productID))
	if slot == nil {
		return domain.StockLevel{}, &repositories.LedgerError{Op: "ledger.level", Code: repositories.LedgerErrorStockNotFound, ProductID: productID, Message: "stock not found"}
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.level, nil
}

// GetReservation returns a copy of the reservation for token.
func (l *Ledger) GetReservation(_ context.Context, token string) (domain.Reservation, error) {
	slot, reservation, err := l.lockReservation("ledger.reservation", token)
	if err != nil {
		return domain.Reservation{}, err
	}
	defer slot.mu.Unlock()
	return *reservation, nil
}

// ListExpired returns holds still reserved whose expiry is at or before the cutoff, oldest first.
func (l *Ledger) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	l.mu.RLock()
	slots := make([]*stockSlot, 0, len(l.slots))
	for _, slot := range l.slots {
		slots = append(slots, slot)
	}
	l.mu.RUnlock()

	var expired []domain.Reservation
	for _, slot := range slots {
		slot.mu.Lock()
		for _, reservation := range slot.reservations {
			if reservation.Status == domain.ReservationStatusReserved && !reservation.ExpiresAt.After(before) {
				expired = append(expired, *reservation)
			}
		}
		slot.mu.Unlock()
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}

// lockReservation returns the slot locked; callers must unlock it.
func (l *Ledger) lockReservation(op, token string) (*stockSlot, *domain.Reservation, error) {
	token = strings.TrimSpace(token)
	slot := l.slotForToken(token)
	if slot == nil {
		return nil, nil, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorReservationNotFound, Token: token, Message: "reservation not found"}
	}
	slot.mu.Lock()
	reservation, ok := slot.reservations[token]
	if !ok {
		slot.mu.Unlock()
		return nil, nil, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorReservationNotFound, Token: token, Message: "reservation not found"}
	}
	return slot, reservation, nil
}
