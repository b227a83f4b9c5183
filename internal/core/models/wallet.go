package models

import (
	"time"
)

// Wallet is the per-user balance record. Balance is kept in integer minor
// units of CurrencyCode and Version grows by one on every committed mutation.
type Wallet struct {
	OwnerID      string    `json:"owner_id" db:"owner_id"`
	Balance      int64     `json:"balance" db:"balance"`
	CurrencyCode string    `json:"currency" db:"currency"` // ISO 4217: "USD", "EUR"
	Version      int64     `json:"version" db:"version"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a copy that shares no state with w.
func (w *Wallet) Clone() *Wallet {
	if w == nil {
		return nil
	}
	c := *w
	return &c
}
