package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
	pgSerialization   = "40001"
	pgDeadlock        = "40P01"
)

// Error classifies driver failures so it satisfies repositories.RepositoryError.
type Error struct {
	op       string
	err      error
	conflict bool
}

func (e *Error) Error() string       { return fmt.Sprintf("%s: %v", e.op, e.err) }
func (e *Error) Unwrap() error       { return e.err }
func (e *Error) IsNotFound() bool    { return false }
func (e *Error) IsConflict() bool    { return e.conflict }
func (e *Error) IsUnavailable() bool { return !e.conflict }

func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var ledgerErr *repositories.LedgerError
	if errors.As(err, &ledgerErr) {
		if ledgerErr.Op == "" {
			ledgerErr.Op = op
		}
		return ledgerErr
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation, pgSerialization, pgDeadlock:
			return &Error{op: op, err: err, conflict: true}
		case pgCheckViolation:
			return repositories.NewLedgerError(op, repositories.LedgerErrorInvalidQuantity, pgErr.Message, err)
		}
	}
	return repositories.NewLedgerError(op, repositories.LedgerErrorUnavailable, "ledger backend unavailable", &Error{op: op, err: err})
}
