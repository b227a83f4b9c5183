package models

import (
	"time"

	"github.com/google/uuid"
)

// Kind is the business event a transaction records.
type Kind string

const (
	KindTip          Kind = "tip"
	KindSubscription Kind = "subscription"
	KindWithdrawal   Kind = "withdrawal"
	KindRefund       Kind = "refund"
	// KindDeposit is money entering the system from a payment provider.
	KindDeposit Kind = "deposit"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTip, KindSubscription, KindWithdrawal, KindRefund, KindDeposit:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Transaction is an immutable record of one committed value movement. Only
// Status (and UpdatedAt with it) may change, and only for withdrawals.
type Transaction struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Kind           Kind      `json:"kind" db:"kind"`
	SenderID       *string   `json:"sender_id,omitempty" db:"sender_id"`
	RecipientID    *string   `json:"recipient_id,omitempty" db:"recipient_id"`
	Amount         int64     `json:"amount" db:"amount"`
	Currency       string    `json:"currency" db:"currency"`
	Status         Status    `json:"status" db:"status"`
	IdempotencyKey *string   `json:"-" db:"idempotency_key"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.SenderID = cloneString(t.SenderID)
	c.RecipientID = cloneString(t.RecipientID)
	c.IdempotencyKey = cloneString(t.IdempotencyKey)
	return &c
}

// CanTransition reports whether status may move from the current value to next.
// Only pending withdrawals are ever resolved.
func (t *Transaction) CanTransition(next Status) bool {
	if t.Kind != KindWithdrawal || t.Status != StatusPending {
		return false
	}
	return next == StatusCompleted || next == StatusFailed
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
