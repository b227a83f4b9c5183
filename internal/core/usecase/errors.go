package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/Nzyazin/fanledger/internal/core/repository"
)

var (
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInvalidTransfer         = errors.New("invalid transfer")
	ErrCurrencyMismatch        = errors.New("currency mismatch")
	ErrUnsupportedCurrency     = errors.New("unsupported currency")
	ErrConflict                = errors.New("too much contention on wallet, retry later")
	ErrDuplicateTransaction    = errors.New("duplicate transaction")
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrNotFound                = errors.New("not found")
)

// Stable codes reported to API clients and used as metric labels.
const (
	CodeInsufficientFunds       = "insufficient_funds"
	CodeInvalidTransfer         = "invalid_transfer"
	CodeCurrencyMismatch        = "currency_mismatch"
	CodeUnsupportedCurrency     = "unsupported_currency"
	CodeConflict                = "conflict"
	CodeDuplicateTransaction    = "duplicate_transaction"
	CodeInvalidStatusTransition = "invalid_status_transition"
	CodeNotFound                = "not_found"
	CodeTimeout                 = "timeout"
	CodeInternal                = "internal_error"
)

// ErrorCode maps err onto its stable code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, ErrInvalidTransfer):
		return CodeInvalidTransfer
	case errors.Is(err, ErrCurrencyMismatch):
		return CodeCurrencyMismatch
	case errors.Is(err, ErrUnsupportedCurrency):
		return CodeUnsupportedCurrency
	case errors.Is(err, ErrConflict):
		return CodeConflict
	case errors.Is(err, ErrDuplicateTransaction):
		return CodeDuplicateTransaction
	case errors.Is(err, ErrInvalidStatusTransition):
		return CodeInvalidStatusTransition
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return CodeTimeout
	}
	return CodeInternal
}

// fromStore lifts storage sentinels into the ledger taxonomy. Version
// conflicts are left alone because the engine retries them.
func fromStore(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrInsufficientFunds):
		return fmt.Errorf("%w: %w", ErrInsufficientFunds, err)
	case errors.Is(err, repository.ErrCurrencyMismatch):
		return fmt.Errorf("%w: %w", ErrCurrencyMismatch, err)
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrDuplicate):
		return fmt.Errorf("%w: %w", ErrDuplicateTransaction, err)
	case errors.Is(err, repository.ErrInvalidTransition):
		return fmt.Errorf("%w: %w", ErrInvalidStatusTransition, err)
	}
	return err
}
