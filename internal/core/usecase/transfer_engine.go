package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/internal/core/repository"
	"github.com/google/uuid"
)

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 5 * time.Millisecond
)

// Publisher receives events for committed transactions. Implementations must
// not block the caller.
type Publisher interface {
	Publish(ctx context.Context, event *models.TransferEvent)
}

// Recorder observes transfer outcomes.
type Recorder interface {
	TransferFinished(kind models.Kind, outcome string, elapsed time.Duration)
	TransferRetried(kind models.Kind)
}

// WalletCache fronts wallet reads. Cache failures are the cache's problem and
// never surface here. SetWallet must keep an entry whose Version is at least the
// offered one, so a slow reader cannot overwrite a committed snapshot.
type WalletCache interface {
	GetWallet(ctx context.Context, ownerID string) (*models.Wallet, bool)
	SetWallet(ctx context.Context, wallet *models.Wallet)
	Invalidate(ctx context.Context, ownerIDs ...string)
}

// TransferRequest describes one value movement. SenderID is empty for money
// entering the system and RecipientID is empty for money leaving it.
type TransferRequest struct {
	SenderID       string
	RecipientID    string
	Amount         int64
	Currency       string
	Kind           models.Kind
	IdempotencyKey string
}

// TransferEngine applies value movements atomically. It is the only writer of
// wallet balances.
type TransferEngine struct {
	store       repository.Store
	locks       *walletLocks
	log         logger.Logger
	publisher   Publisher
	recorder    Recorder
	cache       WalletCache
	maxAttempts int
	backoff     time.Duration
}

type EngineOption func(*TransferEngine)

// WithPublisher, WithRecorder and WithWalletCache ignore nil and keep the
// no-op default.
func WithPublisher(p Publisher) EngineOption {
	return func(e *TransferEngine) {
		if p != nil {
			e.publisher = p
		}
	}
}

func WithRecorder(r Recorder) EngineOption {
	return func(e *TransferEngine) {
		if r != nil {
			e.recorder = r
		}
	}
}

func WithWalletCache(c WalletCache) EngineOption {
	return func(e *TransferEngine) {
		if c != nil {
			e.cache = c
		}
	}
}

// WithMaxAttempts bounds how often a transfer is retried after losing an
// optimistic concurrency race.
func WithMaxAttempts(n int) EngineOption {
	return func(e *TransferEngine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

func WithBackoff(d time.Duration) EngineOption {
	return func(e *TransferEngine) { e.backoff = d }
}

func NewTransferEngine(store repository.Store, log logger.Logger, opts ...EngineOption) *TransferEngine {
	e := &TransferEngine{
		store:       store,
		locks:       newWalletLocks(),
		log:         log,
		publisher:   nopPublisher{},
		recorder:    nopRecorder{},
		cache:       nopCache{},
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer moves req.Amount between wallets and records it. It either fully
// applies or leaves no trace. Replaying an idempotency key that already
// committed returns the original transaction.
func (e *TransferEngine) Transfer(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	start := time.Now()
	tx, outcome, err := e.transfer(ctx, req)
	e.recorder.TransferFinished(req.Kind, outcome, time.Since(start))
	return tx, err
}

func (e *TransferEngine) transfer(ctx context.Context, req TransferRequest) (*models.Transaction, string, error) {
	req, err := normalize(req)
	if err != nil {
		e.log.Debug("Transfer rejected",
			logger.StringField("kind", string(req.Kind)),
			logger.StringField("sender_id", req.SenderID),
			logger.StringField("recipient_id", req.RecipientID),
			logger.Int64Field("amount", req.Amount),
			logger.ErrorField("error", err))
		return nil, ErrorCode(err), err
	}

	if req.IdempotencyKey != "" {
		prior, err := e.replay(ctx, req)
		if err != nil {
			return nil, ErrorCode(err), err
		}
		if prior != nil {
			return prior, "replayed", nil
		}
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		tx, touched, err := e.attempt(ctx, req)
		if err == nil {
			e.log.Info("Transfer committed",
				logger.StringField("transaction_id", tx.ID.String()),
				logger.StringField("kind", string(tx.Kind)),
				logger.StringField("status", string(tx.Status)),
				logger.Int64Field("amount", tx.Amount),
				logger.StringField("currency", tx.Currency),
				logger.IntField("attempt", attempt))
			e.afterCommit(ctx, []*models.Transaction{tx}, touched)
			return tx, "committed", nil
		}

		if errors.Is(err, repository.ErrDuplicate) && req.IdempotencyKey != "" {
			// a concurrent request with the same key won the race
			prior, rerr := e.replay(ctx, req)
			if rerr != nil {
				return nil, ErrorCode(rerr), rerr
			}
			if prior != nil {
				return prior, "replayed", nil
			}
		}

		if !errors.Is(err, repository.ErrVersionConflict) {
			err = fromStore(err)
			e.log.Debug("Transfer failed",
				logger.StringField("kind", string(req.Kind)),
				logger.StringField("sender_id", req.SenderID),
				logger.StringField("recipient_id", req.RecipientID),
				logger.Int64Field("amount", req.Amount),
				logger.ErrorField("error", err))
			return nil, ErrorCode(err), err
		}

		lastErr = err
		e.recorder.TransferRetried(req.Kind)
		e.log.Debug("Transfer lost a concurrency race, retrying",
			logger.StringField("kind", string(req.Kind)),
			logger.IntField("attempt", attempt),
			logger.ErrorField("error", err))

		if attempt < e.maxAttempts {
			if err := sleep(ctx, e.backoff*time.Duration(attempt)); err != nil {
				return nil, ErrorCode(err), err
			}
		}
	}

	err = fmt.Errorf("%w: gave up after %d attempts: %w", ErrConflict, e.maxAttempts, lastErr)
	e.log.Debug("Transfer exhausted retries",
		logger.StringField("kind", string(req.Kind)),
		logger.StringField("sender_id", req.SenderID),
		logger.ErrorField("error", err))
	return nil, CodeConflict, err
}

// attempt runs one locked unit of work. Balance checks, the versioned debit,
// the credit and the log append commit together or not at all.
func (e *TransferEngine) attempt(ctx context.Context, req TransferRequest) (*models.Transaction, []*models.Wallet, error) {
	unlock, err := e.locks.Lock(ctx, req.SenderID, req.RecipientID)
	if err != nil {
		return nil, nil, err
	}
	defer unlock()

	key := scopedKey(req)
	var (
		committed *models.Transaction
		touched   []*models.Wallet
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		touched = touched[:0]
		if key != "" {
			if _, err := tx.GetTransactionByIdempotencyKey(ctx, key); err == nil {
				return repository.ErrDuplicate
			}
		}
		if req.SenderID != "" {
			sender, err := debit(ctx, tx, req)
			if err != nil {
				return err
			}
			touched = append(touched, sender)
		}
		if req.RecipientID != "" {
			recipient, err := tx.Credit(ctx, req.RecipientID, req.Amount, req.Currency)
			if err != nil {
				return err
			}
			touched = append(touched, recipient)
		}

		status := models.StatusCompleted
		if req.Kind == models.KindWithdrawal {
			status = models.StatusPending
		}

		rec, err := tx.AppendTransaction(ctx, &models.Transaction{
			ID:             uuid.New(),
			Kind:           req.Kind,
			SenderID:       models.StringPtr(req.SenderID),
			RecipientID:    models.StringPtr(req.RecipientID),
			Amount:         req.Amount,
			Currency:       req.Currency,
			Status:         status,
			IdempotencyKey: models.StringPtr(key),
		})
		if err != nil {
			return err
		}
		committed = rec
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return committed, touched, nil
}

func debit(ctx context.Context, tx repository.Tx, req TransferRequest) (*models.Wallet, error) {
	sender, err := tx.GetWallet(ctx, req.SenderID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s has no wallet", ErrInsufficientFunds, req.SenderID)
	}
	if err != nil {
		return nil, err
	}
	if sender.CurrencyCode != req.Currency {
		return nil, fmt.Errorf("%w: wallet holds %s, transfer is in %s", ErrCurrencyMismatch, sender.CurrencyCode, req.Currency)
	}
	if sender.Balance < req.Amount {
		return nil, ErrInsufficientFunds
	}
	return tx.TryDebit(ctx, req.SenderID, req.Amount, sender.Version)
}

// ResolveWithdrawal finalizes a pending withdrawal. A failed withdrawal is
// refunded to the requester in the same unit of work as the status change.
func (e *TransferEngine) ResolveWithdrawal(ctx context.Context, id uuid.UUID, next models.Status) (*models.Transaction, error) {
	if next != models.StatusCompleted && next != models.StatusFailed {
		return nil, fmt.Errorf("%w: withdrawals resolve to completed or failed, not %q", ErrInvalidStatusTransition, next)
	}

	pending, err := e.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fromStore(err)
	}
	if !pending.CanTransition(next) || pending.SenderID == nil {
		return nil, fmt.Errorf("%w: %s transaction is %s", ErrInvalidStatusTransition, pending.Kind, pending.Status)
	}
	owner := *pending.SenderID

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		resolved, refund, refunded, err := e.resolveOnce(ctx, pending, next)
		if err == nil {
			e.log.Info("Withdrawal resolved",
				logger.StringField("transaction_id", id.String()),
				logger.StringField("status", string(next)),
				logger.StringField("owner_id", owner))
			committed := []*models.Transaction{resolved}
			var touched []*models.Wallet
			if refund != nil {
				committed = append(committed, refund)
				touched = append(touched, refunded)
			}
			e.afterCommit(ctx, committed, touched)
			return resolved, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, fromStore(err)
		}
		lastErr = err
		e.recorder.TransferRetried(models.KindWithdrawal)
		if attempt < e.maxAttempts {
			if err := sleep(ctx, e.backoff*time.Duration(attempt)); err != nil {
				return nil, err
			}
		}
	}
	return nil, fmt.Errorf("%w: gave up after %d attempts: %w", ErrConflict, e.maxAttempts, lastErr)
}

func (e *TransferEngine) resolveOnce(ctx context.Context, pending *models.Transaction, next models.Status) (*models.Transaction, *models.Transaction, *models.Wallet, error) {
	owner := *pending.SenderID
	unlock, err := e.locks.Lock(ctx, owner)
	if err != nil {
		return nil, nil, nil, err
	}
	defer unlock()

	var (
		resolved, refund *models.Transaction
		wallet           *models.Wallet
	)
	err = e.store.RunInTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		var err error
		resolved, err = tx.UpdateStatus(ctx, pending.ID, next)
		if err != nil {
			return err
		}
		if next != models.StatusFailed {
			return nil
		}
		if wallet, err = tx.Credit(ctx, owner, pending.Amount, pending.Currency); err != nil {
			return err
		}
		refund, err = tx.AppendTransaction(ctx, &models.Transaction{
			ID:             uuid.New(),
			Kind:           models.KindRefund,
			RecipientID:    models.StringPtr(owner),
			Amount:         pending.Amount,
			Currency:       pending.Currency,
			Status:         models.StatusCompleted,
			IdempotencyKey: models.StringPtr("refund:" + pending.ID.String()),
		})
		return err
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return resolved, refund, wallet, nil
}

// replay returns the transaction previously committed under req's key, or
// nil when there is none.
func (e *TransferEngine) replay(ctx context.Context, req TransferRequest) (*models.Transaction, error) {
	prior, err := e.store.GetTransactionByIdempotencyKey(ctx, scopedKey(req))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if prior.Amount != req.Amount || prior.Currency != req.Currency ||
		deref(prior.SenderID) != req.SenderID || deref(prior.RecipientID) != req.RecipientID {
		return nil, fmt.Errorf("%w: idempotency key %q was used for a different request", ErrDuplicateTransaction, req.IdempotencyKey)
	}
	e.log.Info("Replayed transfer",
		logger.StringField("transaction_id", prior.ID.String()),
		logger.StringField("idempotency_key", req.IdempotencyKey))
	return prior, nil
}

// afterCommit writes the committed wallet snapshots through to the cache and
// publishes the committed transactions.
func (e *TransferEngine) afterCommit(ctx context.Context, txs []*models.Transaction, wallets []*models.Wallet) {
	cacheCtx := context.WithoutCancel(ctx)
	for _, w := range wallets {
		if w != nil {
			e.cache.SetWallet(cacheCtx, w)
		}
	}
	for _, tx := range txs {
		e.publisher.Publish(ctx, models.NewTransferEvent(tx))
	}
}

func normalize(req TransferRequest) (TransferRequest, error) {
	req.SenderID = strings.TrimSpace(req.SenderID)
	req.RecipientID = strings.TrimSpace(req.RecipientID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.Amount <= 0 {
		return req, fmt.Errorf("%w: amount must be positive", ErrInvalidTransfer)
	}
	currency, ok := models.LookupCurrency(req.Currency)
	if !ok {
		return req, fmt.Errorf("%w: %q", ErrUnsupportedCurrency, req.Currency)
	}
	req.Currency = currency.Code

	switch req.Kind {
	case models.KindTip, models.KindSubscription:
		if req.SenderID == "" || req.RecipientID == "" {
			return req, fmt.Errorf("%w: %s needs a sender and a recipient", ErrInvalidTransfer, req.Kind)
		}
		if req.SenderID == req.RecipientID {
			return req, fmt.Errorf("%w: sender and recipient are the same", ErrInvalidTransfer)
		}
	case models.KindWithdrawal:
		if req.SenderID == "" || req.RecipientID != "" {
			return req, fmt.Errorf("%w: withdrawal needs only a sender", ErrInvalidTransfer)
		}
	case models.KindDeposit:
		if req.RecipientID == "" || req.SenderID != "" {
			return req, fmt.Errorf("%w: deposit needs only a recipient", ErrInvalidTransfer)
		}
	default:
		return req, fmt.Errorf("%w: kind %q cannot be requested", ErrInvalidTransfer, req.Kind)
	}
	return req, nil
}

// scopedKey namespaces the caller's key by kind and initiating wallet so two
// users cannot collide on the same key.
func scopedKey(req TransferRequest) string {
	if req.IdempotencyKey == "" {
		return ""
	}
	owner := req.SenderID
	if owner == "" {
		owner = req.RecipientID
	}
	return string(req.Kind) + ":" + owner + ":" + req.IdempotencyKey
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, *models.TransferEvent) {}

type nopRecorder struct{}

func (nopRecorder) TransferFinished(models.Kind, string, time.Duration) {}
func (nopRecorder) TransferRetried(models.Kind)                         {}

type nopCache struct{}

func (nopCache) GetWallet(context.Context, string) (*models.Wallet, bool) { return nil, false }
func (nopCache) SetWallet(context.Context, *models.Wallet)                {}
func (nopCache) Invalidate(context.Context, ...string)                   {}
