package repositories

import (
	"errors"
	"fmt"
)

// LedgerErrorCode enumerates repository error causes for stock ledger operations.
type LedgerErrorCode string

const (
	// LedgerErrorInsufficientStock indicates requested quantity exceeds availability.
	LedgerErrorInsufficientStock LedgerErrorCode = "ledger_insufficient_stock"
	// LedgerErrorStockNotFound indicates the product does not have a ledger entry.
	LedgerErrorStockNotFound LedgerErrorCode = "ledger_stock_not_found"
	// LedgerErrorReservationNotFound indicates the reservation token is unknown.
	LedgerErrorReservationNotFound LedgerErrorCode = "ledger_reservation_not_found"
	// LedgerErrorReservationReleased indicates a commit was attempted on a released hold.
	LedgerErrorReservationReleased LedgerErrorCode = "ledger_reservation_released"
	// LedgerErrorInvalidQuantity indicates a non-positive quantity or a negative level.
	LedgerErrorInvalidQuantity LedgerErrorCode = "ledger_invalid_quantity"
	// LedgerErrorUnavailable indicates the backing store could not be reached.
	LedgerErrorUnavailable LedgerErrorCode = "ledger_unavailable"
)

// LedgerError wraps ledger failures with machine readable codes.
type LedgerError struct {
	Op        string
	Code      LedgerErrorCode
	ProductID string
	Token     string
	Message   string
	Err       error
}

// Error implements the error interface.
func (e *LedgerError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

// Unwrap exposes the underlying error, if any.
func (e *LedgerError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsNotFound implements RepositoryError.
func (e *LedgerError) IsNotFound() bool {
	return e != nil && (e.Code == LedgerErrorStockNotFound || e.Code == LedgerErrorReservationNotFound)
}

// IsConflict implements RepositoryError.
func (e *LedgerError) IsConflict() bool {
	return e != nil && (e.Code == LedgerErrorInsufficientStock || e.Code == LedgerErrorReservationReleased)
}

// IsUnavailable implements RepositoryError.
func (e *LedgerError) IsUnavailable() bool {
	return e != nil && e.Code == LedgerErrorUnavailable
}

// NewLedgerError constructs a typed ledger error.
func NewLedgerError(op string, code LedgerErrorCode, message string, err error) *LedgerError {
	if message == "" {
		message = string(code)
	}
	return &LedgerError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// LedgerErrorCodeOf extracts the ledger code from err, if any.
func LedgerErrorCodeOf(err error) (LedgerErrorCode, bool) {
	var ledgerErr *LedgerError
	if errors.As(err, &ledgerErr) && ledgerErr != nil {
		return ledgerErr.Code, true
	}
	return "", false
}
