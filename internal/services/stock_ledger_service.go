package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	eventStockReserve = "stock.reserve"
	eventStockCommit  = "stock.commit"
	eventStockRelease = "stock.release"
	eventStockRestock = "stock.restock"
	eventStockSet     = "stock.set"
)

var (
	// ErrStockInvalidInput signals the caller provided invalid arguments.
	ErrStockInvalidInput = errors.New("stock: invalid input")
	// ErrStockInsufficient indicates the requested quantity exceeds availability.
	ErrStockInsufficient = errors.New("stock: insufficient stock")
	// ErrStockNotFound indicates the product has no ledger entry.
	ErrStockNotFound = errors.New("stock: product not found")
	// ErrReservationNotFound indicates the reservation token is unknown.
	ErrReservationNotFound = errors.New("stock: reservation not found")
	// ErrReservationReleased indicates a commit was attempted after the hold was released.
	ErrReservationReleased = errors.New("stock: reservation already released")
	// ErrStockUnavailable indicates the ledger backend could not be reached.
	ErrStockUnavailable = errors.New("stock: ledger unavailable")
)

// StockLedgerServiceDeps bundles the collaborators required to construct a stock ledger service.
type StockLedgerServiceDeps struct {
	Ledger      repositories.StockLedgerRepository
	Events      StockEventPublisher
	Subscriber  StockEventSubscriber
	Meter       metric.Meter
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type stockLedgerService struct {
	repo       repositories.StockLedgerRepository
	events     StockEventPublisher
	subscriber StockEventSubscriber
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)

	reservations metric.Int64Counter
	rejections   metric.Int64Counter
}

// NewStockLedgerService wires dependencies into a concrete StockLedgerService implementation.
func NewStockLedgerService(deps StockLedgerServiceDeps) (StockLedgerService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("stock ledger service: ledger repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	meter := deps.Meter
	if meter == nil {
		meter = otel.Meter("github.com/hanko-field/checkout/internal/services")
	}
	reservations, err := meter.Int64Counter("stock.reservations",
		metric.WithDescription("Reservation attempts by outcome"))
	if err != nil {
		return nil, fmt.Errorf("stock ledger service: reservation counter: %w", err)
	}
	rejections, err := meter.Int64Counter("stock.reservation_rejections",
		metric.WithDescription("Reservations rejected for insufficient stock"))
	if err != nil {
		return nil, fmt.Errorf("stock ledger service: rejection counter: %w", err)
	}

	return &stockLedgerService{
		repo:       deps.Ledger,
		events:     deps.Events,
		subscriber: deps.Subscriber,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:        idGen,
		logger:       logger,
		reservations: reservations,
		rejections:   rejections,
	}, nil
}

func (s *stockLedgerService) Reserve(ctx context.Context, cmd ReserveStockCommand) (Reservation, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Reservation{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return Reservation{}, fmt.Errorf("%w: quantity for %s must be positive", ErrStockInvalidInput, productID)
	}

	now := s.now()
	if !cmd.ExpiresAt.IsZero() && !cmd.ExpiresAt.After(now) {
		return Reservation{}, fmt.Errorf("%w: expiry must be in the future", ErrStockInvalidInput)
	}

	result, err := s.repo.Reserve(ctx, repositories.LedgerReserveRequest{
		Token:      ensureReservationToken(s.newID()),
		ProductID:  productID,
		CheckoutID: strings.TrimSpace(cmd.CheckoutID),
		Quantity:   cmd.Quantity,
		ExpiresAt:  cmd.ExpiresAt.UTC(),
		Now:        now,
	})
	attrs := metric.WithAttributes(attribute.String("product_id", productID))
	if err != nil {
		mapped := s.mapRepositoryError(err)
		if errors.Is(mapped, ErrStockInsufficient) {
			s.rejections.Add(ctx, 1, attrs)
		}
		return Reservation{}, mapped
	}
	s.reservations.Add(ctx, 1, attrs)

	s.logEventFailure(ctx, s.emit(ctx, eventStockReserve, result, -result.Reservation.Quantity))
	return result.Reservation, nil
}

func (s *stockLedgerService) Commit(ctx context.Context, token string) (Reservation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Reservation{}, fmt.Errorf("%w: reservation token is required", ErrStockInvalidInput)
	}

	result, err := s.repo.Commit(ctx, token, s.now())
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	if result.Changed {
		s.logEventFailure(ctx, s.emit(ctx, eventStockCommit, result, 0))
	}
	return result.Reservation, nil
}

func (s *stockLedgerService) Release(ctx context.Context, token string, reason string) (Reservation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Reservation{}, fmt.Errorf("%w: reservation token is required", ErrStockInvalidInput)
	}

	result, err := s.repo.Release(ctx, token, strings.TrimSpace(reason), s.now())
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	if result.Changed {
		s.logEventFailure(ctx, s.emit(ctx, eventStockRelease, result, result.Reservation.Quantity))
	}
	return result.Reservation, nil
}

func (s *stockLedgerService) Restock(ctx context.Context, cmd RestockCommand) (StockLevel, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	key := strings.TrimSpace(cmd.Key)
	if productID == "" || key == "" {
		return StockLevel{}, fmt.Errorf("%w: product id and key are required", ErrStockInvalidInput)
	}
	if cmd.Quantity <= 0 {
		return StockLevel{}, fmt.Errorf("%w: restock quantity must be positive", ErrStockInvalidInput)
	}

	result, err := s.repo.Restock(ctx, repositories.LedgerRestockRequest{
		Key:       key,
		ProductID: productID,
		Quantity:  cmd.Quantity,
		Reason:    strings.TrimSpace(cmd.Reason),
		Now:       s.now(),
	})
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	if result.Changed {
		result.Reservation.Reason = strings.TrimSpace(cmd.Reason)
		s.logEventFailure(ctx, s.emit(ctx, eventStockRestock, result, cmd.Quantity))
	}
	return result.Level, nil
}

func (s *stockLedgerService) SetLevel(ctx context.Context, productID string, available int) (StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	if available < 0 {
		return StockLevel{}, fmt.Errorf("%w: available must be >= 0", ErrStockInvalidInput)
	}

	level, err := s.repo.SetAvailable(ctx, productID, available, s.now())
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, "stock.setLevel", map[string]any{
		"productId": productID,
		"available": level.Available,
		"reserved":  level.Reserved,
	})
	s.logEventFailure(ctx, s.emit(ctx, eventStockSet, repositories.LedgerResult{Level: level}, 0))
	return level, nil
}

func (s *stockLedgerService) Level(ctx context.Context, productID string) (StockLevel, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return StockLevel{}, fmt.Errorf("%w: product id is required", ErrStockInvalidInput)
	}
	level, err := s.repo.GetLevel(ctx, productID)
	if err != nil {
		return StockLevel{}, s.mapRepositoryError(err)
	}
	return level, nil
}

func (s *stockLedgerService) Reservation(ctx context.Context, token string) (Reservation, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Reservation{}, fmt.Errorf("%w: reservation token is required", ErrStockInvalidInput)
	}
	reservation, err := s.repo.GetReservation(ctx, token)
	if err != nil {
		return Reservation{}, s.mapRepositoryError(err)
	}
	return reservation, nil
}

func (s *stockLedgerService) ListExpired(ctx context.Context, before time.Time, limit int) ([]Reservation, error) {
	if limit <= 0 {
		limit = 100
	}
	reservations, err := s.repo.ListExpired(ctx, before.UTC(), limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return reservations, nil
}

func (s *stockLedgerService) Subscribe(ctx context.Context, productIDs ...string) (<-chan StockEvent, error) {
	if s.subscriber == nil {
		return nil, fmt.Errorf("%w: stock event stream is not configured", ErrStockUnavailable)
	}
	return s.subscriber.Subscribe(ctx, productIDs...), nil
}

func (s *stockLedgerService) now() time.Time {
	return s.clock()
}

func (s *stockLedgerService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		switch ledgerErr.Code {
		case repositories.LedgerErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrStockInsufficient, ledgerErr.Message)
		case repositories.LedgerErrorStockNotFound:
			return fmt.Errorf("%w: %s", ErrStockNotFound, ledgerErr.Message)
		case repositories.LedgerErrorReservationNotFound:
			return fmt.Errorf("%w: %s", ErrReservationNotFound, ledgerErr.Message)
		case repositories.LedgerErrorReservationReleased:
			return fmt.Errorf("%w: %s", ErrReservationReleased, ledgerErr.Message)
		case repositories.LedgerErrorInvalidQuantity:
			return fmt.Errorf("%w: %s", ErrStockInvalidInput, ledgerErr.Message)
		case repositories.LedgerErrorUnavailable:
			return fmt.Errorf("%w: %s", ErrStockUnavailable, ledgerErr.Message)
		}
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrStockNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrStockUnavailable, err)
		}
	}

	return err
}

func (s *stockLedgerService) emit(ctx context.Context, eventType string, result repositories.LedgerResult, delta int) error {
	if s.events == nil {
		return nil
	}
	level := result.Level
	if strings.TrimSpace(level.ProductID) == "" {
		return nil
	}
	occurredAt := level.UpdatedAt
	if occurredAt.IsZero() {
		occurredAt = s.now()
	}
	reason := strings.TrimSpace(result.Reservation.Reason)
	if reason == "" {
		reason = eventType
	}
	return s.events.PublishStockEvent(ctx, domain.StockEvent{
		ID:         uuid.NewString(),
		ProductID:  level.ProductID,
		Available:  level.Available,
		Reserved:   level.Reserved,
		Delta:      delta,
		Reason:     reason,
		Token:      result.Reservation.Token,
		OccurredAt: occurredAt,
	})
}

func (s *stockLedgerService) logEventFailure(ctx context.Context, err error) {
	if err == nil {
		return
	}
	s.logger(ctx, "stock_event_publish_failed", map[string]any{"error": err.Error()})
}

func ensureReservationToken(candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, "sr_") {
		return trimmed
	}
	return "sr_" + trimmed
}
