package repository

import "errors"

var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("concurrent modification")
	ErrDuplicate         = errors.New("duplicate record")
	ErrCurrencyMismatch  = errors.New("wallet currency mismatch")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTransition = errors.New("invalid status transition")
)
