package repository

import (
	"context"

	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/google/uuid"
)

// Reader serves the read paths. Reads never take wallet locks.
type Reader interface {
	GetWallet(ctx context.Context, ownerID string) (*models.Wallet, error)
	GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error)
	// ListBySender and ListByRecipient return newest first.
	ListBySender(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	ListByRecipient(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
}

// WalletStore holds the versioned wallet mutations. It is only reachable
// inside a unit of work.
type WalletStore interface {
	GetOrCreateWallet(ctx context.Context, ownerID, currency string) (*models.Wallet, error)
	// TryDebit decrements the balance only when the stored version equals
	// expectedVersion and the balance covers amount.
	TryDebit(ctx context.Context, ownerID string, amount, expectedVersion int64) (*models.Wallet, error)
	// Credit creates the wallet in currency when it does not exist yet.
	Credit(ctx context.Context, ownerID string, amount int64, currency string) (*models.Wallet, error)
}

// TransactionLog is the append-only transaction history.
type TransactionLog interface {
	AppendTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error)
	// UpdateStatus moves a pending withdrawal to completed or failed.
	UpdateStatus(ctx context.Context, id uuid.UUID, next models.Status) (*models.Transaction, error)
}

// Tx is one atomic unit of work. Nothing done through it is visible to other
// callers until the function passed to RunInTx returns nil and the commit succeeds.
type Tx interface {
	Reader
	WalletStore
	TransactionLog
}

type Store interface {
	Reader
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close() error
}
