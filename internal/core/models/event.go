package models

import (
	"time"
)

// TransferEvent is emitted after a transaction commits. Consumers such as
// notification delivery read it from the event stream.
type TransferEvent struct {
	EventID       string    `json:"event_id"`
	Type          string    `json:"type"`
	TransactionID string    `json:"transaction_id"`
	Kind          Kind      `json:"kind"`
	Status        Status    `json:"status"`
	SenderID      string    `json:"sender_id,omitempty"`
	RecipientID   string    `json:"recipient_id,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// GetId is the message key. Events of one transaction share it so they stay
// ordered within a partition.
func (e *TransferEvent) GetId() string {
	return e.TransactionID
}

// NewTransferEvent builds the event describing tx.
func NewTransferEvent(tx *Transaction) *TransferEvent {
	ev := &TransferEvent{
		EventID:       tx.ID.String() + ":" + string(tx.Status),
		Type:          "transaction." + string(tx.Kind),
		TransactionID: tx.ID.String(),
		Kind:          tx.Kind,
		Status:        tx.Status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		OccurredAt:    tx.UpdatedAt,
	}
	if tx.SenderID != nil {
		ev.SenderID = *tx.SenderID
	}
	if tx.RecipientID != nil {
		ev.RecipientID = *tx.RecipientID
	}
	return ev
}
