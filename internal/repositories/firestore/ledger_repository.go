package firestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	stockLevelsCollection       = "stockLevels"
	stockReservationsCollection = "stockReservations"
	stockRestocksCollection     = "stockRestocks"
)

// LedgerRepository keeps one stock document per product and one document per reservation.
// Every mutation is a transaction touching only that product's stock document, so Firestore's
// optimistic concurrency serialises holds per product.
type LedgerRepository struct {
	provider     *pfirestore.Provider
	levels       pfirestore.Collection[stockLevelDoc]
	reservations pfirestore.Collection[reservationDoc]
	restocks     pfirestore.Collection[restockDoc]
}

var _ repositories.StockLedgerRepository = (*LedgerRepository)(nil)

type stockLevelDoc struct {
	ProductID string    `firestore:"productId"`
	Available int       `firestore:"available"`
	Reserved  int       `firestore:"reserved"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d stockLevelDoc) toDomain() domain.StockLevel {
	return domain.StockLevel{ProductID: d.ProductID, Available: d.Available, Reserved: d.Reserved, UpdatedAt: d.UpdatedAt.UTC()}
}

type reservationDoc struct {
	Token       string     `firestore:"token"`
	ProductID   string     `firestore:"productId"`
	CheckoutID  string     `firestore:"checkoutId,omitempty"`
	Quantity    int        `firestore:"quantity"`
	Status      string     `firestore:"status"`
	Reason      string     `firestore:"reason,omitempty"`
	ExpiresAt   time.Time  `firestore:"expiresAt"`
	CreatedAt   time.Time  `firestore:"createdAt"`
	CommittedAt *time.Time `firestore:"committedAt,omitempty"`
	ReleasedAt  *time.Time `firestore:"releasedAt,omitempty"`
}

func (d reservationDoc) toDomain() domain.Reservation {
	return domain.Reservation{
		Token:       d.Token,
		ProductID:   d.ProductID,
		CheckoutID:  d.CheckoutID,
		Quantity:    d.Quantity,
		Status:      domain.ReservationStatus(d.Status),
		Reason:      d.Reason,
		ExpiresAt:   d.ExpiresAt.UTC(),
		CreatedAt:   d.CreatedAt.UTC(),
		CommittedAt: storedTimePtr(d.CommittedAt),
		ReleasedAt:  storedTimePtr(d.ReleasedAt),
	}
}

type restockDoc struct {
	Key       string    `firestore:"key"`
	ProductID string    `firestore:"productId"`
	Quantity  int       `firestore:"quantity"`
	Reason    string    `firestore:"reason,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// NewLedgerRepository constructs a Firestore-backed stock ledger.
func NewLedgerRepository(provider *pfirestore.Provider) (*LedgerRepository, error) {
	if provider == nil {
		return nil, errors.New("ledger repository requires firestore provider")
	}
	return &LedgerRepository{
		provider:     provider,
		levels:       pfirestore.NewCollection[stockLevelDoc](provider, stockLevelsCollection),
		reservations: pfirestore.NewCollection[reservationDoc](provider, stockReservationsCollection),
		restocks:     pfirestore.NewCollection[restockDoc](provider, stockRestocksCollection),
	}, nil
}

func (r *LedgerRepository) Reserve(ctx context.Context, req repositories.LedgerReserveRequest) (repositories.LedgerResult, error) {
	const op = "ledger.reserve"
	productID := strings.TrimSpace(req.ProductID)
	token := strings.TrimSpace(req.Token)
	if token == "" || productID == "" {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "token and product id are required", nil)
	}
	if req.Quantity <= 0 {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "quantity must be positive", nil)
	}
	now := storedTime(req.Now)

	var result repositories.LedgerResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.Ref(ctx, token)
		if err != nil {
			return err
		}
		if _, err := tx.Get(resRef); err == nil {
			return repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "reservation token already used", nil)
		} else if !pfirestore.IsNotFound(err) {
			return err
		}

		levelRef, level, err := r.readLevel(ctx, tx, op, productID)
		if err != nil {
			return err
		}
		if level.Available < req.Quantity {
			return &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorInsufficientStock, ProductID: productID, Message: "insufficient stock"}
		}
		level.Available -= req.Quantity
		level.Reserved += req.Quantity
		level.UpdatedAt = now

		reservation := reservationDoc{
			Token:      token,
			ProductID:  productID,
			CheckoutID: strings.TrimSpace(req.CheckoutID),
			Quantity:   req.Quantity,
			Status:     string(domain.ReservationStatusReserved),
			ExpiresAt:  storedTime(req.ExpiresAt),
			CreatedAt:  now,
		}
		if err := tx.Set(levelRef, level); err != nil {
			return err
		}
		if err := tx.Create(resRef, reservation); err != nil {
			return err
		}
		result = repositories.LedgerResult{Reservation: reservation.toDomain(), Level: level.toDomain(), Changed: true}
		return nil
	})
	if err != nil {
		return repositories.LedgerResult{}, wrapLedgerError(op, err)
	}
	return result, nil
}

func (r *LedgerRepository) Commit(ctx context.Context, token string, at time.Time) (repositories.LedgerResult, error) {
	const op = "ledger.commit"
	return r.settle(ctx, op, token, func(res *reservationDoc, level *stockLevelDoc) (bool, error) {
		switch domain.ReservationStatus(res.Status) {
		case domain.ReservationStatusCommitted:
			return false, nil
		case domain.ReservationStatusReleased:
			return false, &repositories.LedgerError{
				Op:        op,
				Code:      repositories.LedgerErrorReservationReleased,
				ProductID: res.ProductID,
				Token:     res.Token,
				Message:   "reservation already released",
			}
		}
		committedAt := storedTime(at)
		level.Reserved -= res.Quantity
		level.UpdatedAt = committedAt
		res.Status = string(domain.ReservationStatusCommitted)
		res.CommittedAt = &committedAt
		return true, nil
	})
}

func (r *LedgerRepository) Release(ctx context.Context, token string, reason string, at time.Time) (repositories.LedgerResult, error) {
	return r.settle(ctx, "ledger.release", token, func(res *reservationDoc, level *stockLevelDoc) (bool, error) {
		if domain.ReservationStatus(res.Status) != domain.ReservationStatusReserved {
			return false, nil
		}
		releasedAt := storedTime(at)
		level.Reserved -= res.Quantity
		level.Available += res.Quantity
		level.UpdatedAt = releasedAt
		res.Status = string(domain.ReservationStatusReleased)
		res.Reason = strings.TrimSpace(reason)
		res.ReleasedAt = &releasedAt
		return true, nil
	})
}

// settle loads a reservation and its product level in one transaction and writes both back when
// apply reports a change.
func (r *LedgerRepository) settle(ctx context.Context, op, token string, apply func(*reservationDoc, *stockLevelDoc) (bool, error)) (repositories.LedgerResult, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return repositories.LedgerResult{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorReservationNotFound, Message: "reservation token is required"}
	}

	var result repositories.LedgerResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		resRef, err := r.reservations.Ref(ctx, token)
		if err != nil {
			return err
		}
		snap, err := tx.Get(resRef)
		if err != nil {
			if pfirestore.IsNotFound(err) {
				return &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorReservationNotFound, Token: token, Message: "reservation not found"}
			}
			return err
		}
		reservation, err := pfirestore.Decode[reservationDoc](snap)
		if err != nil {
			return err
		}
		levelRef, level, err := r.readLevel(ctx, tx, op, reservation.ProductID)
		if err != nil {
			return err
		}

		changed, applyErr := apply(&reservation, &level)
		result = repositories.LedgerResult{Reservation: reservation.toDomain(), Level: level.toDomain(), Changed: changed}
		if applyErr != nil || !changed {
			return applyErr
		}
		if err := tx.Set(levelRef, level); err != nil {
			return err
		}
		return tx.Set(resRef, reservation)
	})
	if err != nil {
		var ledgerErr *repositories.LedgerError
		if errors.As(err, &ledgerErr) && ledgerErr.Code == repositories.LedgerErrorReservationReleased {
			return result, ledgerErr
		}
		return repositories.LedgerResult{}, wrapLedgerError(op, err)
	}
	return result, nil
}

// Restock credits available stock once per key. The marker document and the level are written in
// the same transaction.
func (r *LedgerRepository) Restock(ctx context.Context, req repositories.LedgerRestockRequest) (repositories.LedgerResult, error) {
	const op = "ledger.restock"
	if req.Quantity <= 0 {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "quantity must be positive", nil)
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return repositories.LedgerResult{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "restock key is required", nil)
	}
	productID := strings.TrimSpace(req.ProductID)
	now := storedTime(req.Now)

	var result repositories.LedgerResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		markerRef, err := r.restocks.Ref(ctx, restockDocID(key))
		if err != nil {
			return err
		}
		_, markerErr := tx.Get(markerRef)
		if markerErr != nil && !pfirestore.IsNotFound(markerErr) {
			return markerErr
		}
		levelRef, level, err := r.readLevel(ctx, tx, op, productID)
		if err != nil {
			return err
		}
		if markerErr == nil {
			result = repositories.LedgerResult{Level: level.toDomain()}
			return nil
		}

		level.Available += req.Quantity
		level.UpdatedAt = now
		if err := tx.Set(levelRef, level); err != nil {
			return err
		}
		if err := tx.Create(markerRef, restockDoc{Key: key, ProductID: productID, Quantity: req.Quantity, Reason: strings.TrimSpace(req.Reason), CreatedAt: now}); err != nil {
			return err
		}
		result = repositories.LedgerResult{Level: level.toDomain(), Changed: true}
		return nil
	})
	if err != nil {
		return repositories.LedgerResult{}, wrapLedgerError(op, err)
	}
	return result, nil
}

// SetAvailable seeds or overwrites the available quantity of a product.
func (r *LedgerRepository) SetAvailable(ctx context.Context, productID string, available int, at time.Time) (domain.StockLevel, error) {
	const op = "ledger.set"
	productID = strings.TrimSpace(productID)
	if productID == "" || available < 0 {
		return domain.StockLevel{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "product id and non-negative quantity are required", nil)
	}

	var level stockLevelDoc
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.levels.Ref(ctx, productID)
		if err != nil {
			return err
		}
		level = stockLevelDoc{ProductID: productID}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if level, err = pfirestore.Decode[stockLevelDoc](snap); err != nil {
				return err
			}
		case !pfirestore.IsNotFound(err):
			return err
		}
		level.Available = available
		level.UpdatedAt = storedTime(at)
		return tx.Set(ref, level)
	})
	if err != nil {
		return domain.StockLevel{}, wrapLedgerError(op, err)
	}
	return level.toDomain(), nil
}

func (r *LedgerRepository) GetLevel(ctx context.Context, productID string) (domain.StockLevel, error) {
	level, err := r.levels.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.StockLevel{}, &repositories.LedgerError{Op: "ledger.level", Code: repositories.LedgerErrorStockNotFound, ProductID: productID, Message: "stock not found"}
		}
		return domain.StockLevel{}, wrapLedgerError("ledger.level", err)
	}
	return level.toDomain(), nil
}

func (r *LedgerRepository) GetReservation(ctx context.Context, token string) (domain.Reservation, error) {
	doc, err := r.reservations.Get(ctx, strings.TrimSpace(token))
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return domain.Reservation{}, &repositories.LedgerError{Op: "ledger.reservation", Code: repositories.LedgerErrorReservationNotFound, Token: token, Message: "reservation not found"}
		}
		return domain.Reservation{}, wrapLedgerError("ledger.reservation", err)
	}
	return doc.toDomain(), nil
}

// ListExpired needs the composite index stockReservations(status ASC, expiresAt ASC).
func (r *LedgerRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	docs, err := r.reservations.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("status", "==", string(domain.ReservationStatusReserved)).
			Where("expiresAt", "<=", storedTime(before)).
			OrderBy("expiresAt", firestore.Asc)
		if limit > 0 {
			q = q.Limit(limit)
		}
		return q
	})
	if err != nil {
		return nil, wrapLedgerError("ledger.list_expired", err)
	}
	out := make([]domain.Reservation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Data.toDomain())
	}
	return out, nil
}

func (r *LedgerRepository) readLevel(ctx context.Context, tx *firestore.Transaction, op, productID string) (*firestore.DocumentRef, stockLevelDoc, error) {
	ref, err := r.levels.Ref(ctx, productID)
	if err != nil {
		return nil, stockLevelDoc{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if pfirestore.IsNotFound(err) {
			return nil, stockLevelDoc{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorStockNotFound, ProductID: productID, Message: "stock not found"}
		}
		return nil, stockLevelDoc{}, err
	}
	level, err := pfirestore.Decode[stockLevelDoc](snap)
	if err != nil {
		return nil, stockLevelDoc{}, err
	}
	return ref, level, nil
}

// Restock keys embed order and product ids; hashing keeps them valid document ids.
func restockDocID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func wrapLedgerError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		if ledgerErr.Op == "" {
			ledgerErr.Op = op
		}
		return ledgerErr
	}
	wrapped := pfirestore.WrapError(op, err)
	var repoErr *pfirestore.Error
	if errors.As(wrapped, &repoErr) && repoErr.IsUnavailable() {
		return repositories.NewLedgerError(op, repositories.LedgerErrorUnavailable, "ledger backend unavailable", wrapped)
	}
	return wrapped
}
