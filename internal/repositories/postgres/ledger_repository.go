package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// LedgerRepository serialises mutations per product with SELECT ... FOR UPDATE on the product's
// stock_levels row. Reservations on other products take other row locks and never wait.
type LedgerRepository struct {
	pool *pgxpool.Pool
}

var _ repositories.StockLedgerRepository = (*LedgerRepository)(nil)

// NewLedgerRepository constructs a ledger over an open pool.
func NewLedgerRepository(pool *pgxpool.Pool) (*LedgerRepository, error) {
	if pool == nil {
		return nil, errors.New("postgres ledger requires a connection pool")
	}
	return &LedgerRepository{pool: pool}, nil
}

const reservationColumns = `token, product_id, checkout_id, quantity, status, reason, expires_at, created_at, committed_at, released_at`

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

	var result repositories.LedgerResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		level, err := lockLevel(ctx, tx, op, productID)
		if err != nil {
			return err
		}
		if level.Available < req.Quantity {
			return &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorInsufficientStock, ProductID: productID, Message: "insufficient stock"}
		}
		if level, err = updateLevel(ctx, tx, productID, -req.Quantity, req.Quantity, req.Now); err != nil {
			return err
		}
		reservation := domain.Reservation{
			Token:      token,
			ProductID:  productID,
			CheckoutID: strings.TrimSpace(req.CheckoutID),
			Quantity:   req.Quantity,
			Status:     domain.ReservationStatusReserved,
			ExpiresAt:  req.ExpiresAt.UTC(),
			CreatedAt:  req.Now.UTC(),
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO stock_reservations (token, product_id, checkout_id, quantity, status, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			reservation.Token, reservation.ProductID, reservation.CheckoutID, reservation.Quantity,
			string(reservation.Status), reservation.ExpiresAt, reservation.CreatedAt); err != nil {
			return err
		}
		result = repositories.LedgerResult{Reservation: reservation, Level: level, Changed: true}
		return nil
	})
	if err != nil {
		return repositories.LedgerResult{}, wrapError(op, err)
	}
	return result, nil
}

func (r *LedgerRepository) Commit(ctx context.Context, token string, at time.Time) (repositories.LedgerResult, error) {
	const op = "ledger.commit"
	return r.settle(ctx, op, token, func(tx pgx.Tx, res domain.Reservation, level domain.StockLevel) (repositories.LedgerResult, error) {
		switch res.Status {
		case domain.ReservationStatusCommitted:
			return repositories.LedgerResult{Reservation: res, Level: level}, nil
		case domain.ReservationStatusReleased:
			return repositories.LedgerResult{Reservation: res, Level: level}, &repositories.LedgerError{
				Op:        op,
				Code:      repositories.LedgerErrorReservationReleased,
				ProductID: res.ProductID,
				Token:     res.Token,
				Message:   "reservation already released",
			}
		}
		level, err := updateLevel(ctx, tx, res.ProductID, 0, -res.Quantity, at)
		if err != nil {
			return repositories.LedgerResult{}, err
		}
		committedAt := at.UTC()
		if _, err := tx.Exec(ctx, `UPDATE stock_reservations SET status = $2, committed_at = $3 WHERE token = $1`,
			res.Token, string(domain.ReservationStatusCommitted), committedAt); err != nil {
			return repositories.LedgerResult{}, err
		}
		res.Status = domain.ReservationStatusCommitted
		res.CommittedAt = &committedAt
		return repositories.LedgerResult{Reservation: res, Level: level, Changed: true}, nil
	})
}

func (r *LedgerRepository) Release(ctx context.Context, token string, reason string, at time.Time) (repositories.LedgerResult, error) {
	return r.settle(ctx, "ledger.release", token, func(tx pgx.Tx, res domain.Reservation, level domain.StockLevel) (repositories.LedgerResult, error) {
		if res.Status != domain.ReservationStatusReserved {
			return repositories.LedgerResult{Reservation: res, Level: level}, nil
		}
		level, err := updateLevel(ctx, tx, res.ProductID, res.Quantity, -res.Quantity, at)
		if err != nil {
			return repositories.LedgerResult{}, err
		}
		releasedAt := at.UTC()
		reason = strings.TrimSpace(reason)
		if _, err := tx.Exec(ctx, `UPDATE stock_reservations SET status = $2, reason = $3, released_at = $4 WHERE token = $1`,
			res.Token, string(domain.ReservationStatusReleased), reason, releasedAt); err != nil {
			return repositories.LedgerResult{}, err
		}
		res.Status = domain.ReservationStatusReleased
		res.Reason = reason
		res.ReleasedAt = &releasedAt
		return repositories.LedgerResult{Reservation: res, Level: level, Changed: true}, nil
	})
}

// settle locks the product row first and the reservation row second, the same order Reserve
// uses, so concurrent settles and reserves cannot deadlock.
func (r *LedgerRepository) settle(ctx context.Context, op, token string, apply func(pgx.Tx, domain.Reservation, domain.StockLevel) (repositories.LedgerResult, error)) (repositories.LedgerResult, error) {
	token = strings.TrimSpace(token)
	var result repositories.LedgerResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var productID string
		if err := tx.QueryRow(ctx, `SELECT product_id FROM stock_reservations WHERE token = $1`, token).Scan(&productID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorReservationNotFound, Token: token, Message: "reservation not found"}
			}
			return err
		}
		level, err := lockLevel(ctx, tx, op, productID)
		if err != nil {
			return err
		}
		row := tx.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE token = $1 FOR UPDATE`, token)
		res, err := scanReservation(row)
		if err != nil {
			return err
		}
		result, err = apply(tx, res, level)
		return err
	})
	if err != nil {
		var ledgerErr *repositories.LedgerError
		if errors.As(err, &ledgerErr) && ledgerErr.Code == repositories.LedgerErrorReservationReleased {
			return result, ledgerErr
		}
		return repositories.LedgerResult{}, wrapError(op, err)
	}
	return result, nil
}

// Restock credits available stock once per key; the key row and the level update commit together.
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

	var result repositories.LedgerResult
	err := r.inTx(ctx, func(tx pgx.Tx) error {
		level, err := lockLevel(ctx, tx, op, productID)
		if err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `
			INSERT INTO stock_restocks (key, product_id, quantity, reason, created_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO NOTHING`,
			key, productID, req.Quantity, strings.TrimSpace(req.Reason), req.Now.UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			result = repositories.LedgerResult{Level: level}
			return nil
		}
		if level, err = updateLevel(ctx, tx, productID, req.Quantity, 0, req.Now); err != nil {
			return err
		}
		result = repositories.LedgerResult{Level: level, Changed: true}
		return nil
	})
	if err != nil {
		return repositories.LedgerResult{}, wrapError(op, err)
	}
	return result, nil
}

func (r *LedgerRepository) SetAvailable(ctx context.Context, productID string, available int, at time.Time) (domain.StockLevel, error) {
	const op = "ledger.set"
	productID = strings.TrimSpace(productID)
	if productID == "" || available < 0 {
		return domain.StockLevel{}, repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, "product id and non-negative quantity are required", nil)
	}
	row := r.pool.QueryRow(ctx, `
		INSERT INTO stock_levels (product_id, available, reserved, updated_at)
		VALUES ($1, $2, 0, $3)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available, updated_at = EXCLUDED.updated_at
		RETURNING product_id, available, reserved, updated_at`, productID, available, at.UTC())
	level, err := scanLevel(row)
	if err != nil {
		return domain.StockLevel{}, wrapError(op, err)
	}
	return level, nil
}

func (r *LedgerRepository) GetLevel(ctx context.Context, productID string) (domain.StockLevel, error) {
	const op = "ledger.level"
	row := r.pool.QueryRow(ctx, `SELECT product_id, available, reserved, updated_at FROM stock_levels WHERE product_id = $1`, strings.TrimSpace(productID))
	level, err := scanLevel(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StockLevel{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorStockNotFound, ProductID: productID, Message: "stock not found"}
		}
		return domain.StockLevel{}, wrapError(op, err)
	}
	return level, nil
}

func (r *LedgerRepository) GetReservation(ctx context.Context, token string) (domain.Reservation, error) {
	const op = "ledger.reservation"
	row := r.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM stock_reservations WHERE token = $1`, strings.TrimSpace(token))
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Reservation{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorReservationNotFound, Token: token, Message: "reservation not found"}
		}
		return domain.Reservation{}, wrapError(op, err)
	}
	return res, nil
}

func (r *LedgerRepository) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error) {
	const op = "ledger.list_expired"
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+reservationColumns+` FROM stock_reservations
		WHERE status = 'reserved' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, before.UTC(), limit)
	if err != nil {
		return nil, wrapError(op, err)
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, wrapError(op, err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapError(op, err)
	}
	return out, nil
}

func (r *LedgerRepository) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func lockLevel(ctx context.Context, tx pgx.Tx, op, productID string) (domain.StockLevel, error) {
	row := tx.QueryRow(ctx, `SELECT product_id, available, reserved, updated_at FROM stock_levels WHERE product_id = $1 FOR UPDATE`, productID)
	level, err := scanLevel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.StockLevel{}, &repositories.LedgerError{Op: op, Code: repositories.LedgerErrorStockNotFound, ProductID: productID, Message: "stock not found"}
	}
	return level, err
}

func updateLevel(ctx context.Context, tx pgx.Tx, productID string, availableDelta, reservedDelta int, at time.Time) (domain.StockLevel, error) {
	row := tx.QueryRow(ctx, `
		UPDATE stock_levels
		SET available = available + $2, reserved = reserved + $3, updated_at = $4
		WHERE product_id = $1
		RETURNING product_id, available, reserved, updated_at`, productID, availableDelta, reservedDelta, at.UTC())
	return scanLevel(row)
}

func scanLevel(row pgx.Row) (domain.StockLevel, error) {
	var level domain.StockLevel
	if err := row.Scan(&level.ProductID, &level.Available, &level.Reserved, &level.UpdatedAt); err != nil {
		return domain.StockLevel{}, err
	}
	level.UpdatedAt = level.UpdatedAt.UTC()
	return level, nil
}

func scanReservation(row pgx.Row) (domain.Reservation, error) {
	var (
		res    domain.Reservation
		status string
	)
	if err := row.Scan(&res.Token, &res.ProductID, &res.CheckoutID, &res.Quantity, &status, &res.Reason,
		&res.ExpiresAt, &res.CreatedAt, &res.CommittedAt, &res.ReleasedAt); err != nil {
		return domain.Reservation{}, err
	}
	res.Status = domain.ReservationStatus(status)
	res.ExpiresAt = res.ExpiresAt.UTC()
	res.CreatedAt = res.CreatedAt.UTC()
	return res, nil
}
