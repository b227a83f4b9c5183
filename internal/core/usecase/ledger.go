package usecase

import (
	"context"
	"strings"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/internal/core/repository"
	"github.com/google/uuid"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// LedgerUsecase is the set of business operations exposed to the HTTP layer.
type LedgerUsecase interface {
	SendTip(ctx context.Context, senderID, recipientID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error)
	Subscribe(ctx context.Context, subscriberID, creatorID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error)
	RequestWithdrawal(ctx context.Context, userID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error)
	Deposit(ctx context.Context, userID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error)
	ResolveWithdrawal(ctx context.Context, id uuid.UUID, status models.Status) (*models.Transaction, error)

	GetWallet(ctx context.Context, userID string) (*models.Wallet, error)
	ListSentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
	ListReceivedTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error)
}

type ledgerUsecase struct {
	engine *TransferEngine
	store  repository.Reader
	cache  WalletCache
	log    logger.Logger
}

func NewLedgerUsecase(engine *TransferEngine, store repository.Reader, cache WalletCache, log logger.Logger) LedgerUsecase {
	if cache == nil {
		cache = nopCache{}
	}
	return &ledgerUsecase{
		engine: engine,
		store:  store,
		cache:  cache,
		log:    log,
	}
}

func (u *ledgerUsecase) SendTip(ctx context.Context, senderID, recipientID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error) {
	return u.engine.Transfer(ctx, TransferRequest{
		SenderID:       senderID,
		RecipientID:    recipientID,
		Amount:         amount,
		Currency:       currency,
		Kind:           models.KindTip,
		IdempotencyKey: idempotencyKey,
	})
}

func (u *ledgerUsecase) Subscribe(ctx context.Context, subscriberID, creatorID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error) {
	return u.engine.Transfer(ctx, TransferRequest{
		SenderID:       subscriberID,
		RecipientID:    creatorID,
		Amount:         amount,
		Currency:       currency,
		Kind:           models.KindSubscription,
		IdempotencyKey: idempotencyKey,
	})
}

func (u *ledgerUsecase) RequestWithdrawal(ctx context.Context, userID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error) {
	return u.engine.Transfer(ctx, TransferRequest{
		SenderID:       userID,
		Amount:         amount,
		Currency:       currency,
		Kind:           models.KindWithdrawal,
		IdempotencyKey: idempotencyKey,
	})
}

func (u *ledgerUsecase) Deposit(ctx context.Context, userID string, amount int64, currency, idempotencyKey string) (*models.Transaction, error) {
	return u.engine.Transfer(ctx, TransferRequest{
		RecipientID:    userID,
		Amount:         amount,
		Currency:       currency,
		Kind:           models.KindDeposit,
		IdempotencyKey: idempotencyKey,
	})
}

func (u *ledgerUsecase) ResolveWithdrawal(ctx context.Context, id uuid.UUID, status models.Status) (*models.Transaction, error) {
	return u.engine.ResolveWithdrawal(ctx, id, status)
}

func (u *ledgerUsecase) GetWallet(ctx context.Context, userID string) (*models.Wallet, error) {
	userID = strings.TrimSpace(userID)
	if w, ok := u.cache.GetWallet(ctx, userID); ok {
		return w, nil
	}

	w, err := u.store.GetWallet(ctx, userID)
	if err != nil {
		return nil, fromStore(err)
	}
	u.cache.SetWallet(ctx, w)
	return w, nil
}

func (u *ledgerUsecase) ListSentTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	txs, err := u.store.ListBySender(ctx, strings.TrimSpace(userID), clampLimit(limit))
	if err != nil {
		u.log.Error("Error listing sent transactions",
			logger.StringField("user_id", userID),
			logger.ErrorField("error", err))
		return nil, fromStore(err)
	}
	return txs, nil
}

func (u *ledgerUsecase) ListReceivedTransactions(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	txs, err := u.store.ListByRecipient(ctx, strings.TrimSpace(userID), clampLimit(limit))
	if err != nil {
		u.log.Error("Error listing received transactions",
			logger.StringField("user_id", userID),
			logger.ErrorField("error", err))
		return nil, fromStore(err)
	}
	return txs, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}
