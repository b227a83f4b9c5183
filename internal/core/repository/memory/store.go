package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/internal/core/repository"
	"github.com/google/uuid"
)

// absent marks a wallet that did not exist when a unit of work first saw it.
const absent int64 = -1

// Store keeps wallets and transactions in process memory. Units of work stage
// their writes privately and validate the versions they read at commit time.
type Store struct {
	mu sync.RWMutex

	wallets map[string]*models.Wallet

	txs   map[uuid.UUID]*models.Transaction
	order []uuid.UUID
	byKey map[string]uuid.UUID

	now func() time.Time
}

func New() *Store {
	return &Store{
		wallets: make(map[string]*models.Wallet),
		txs:     make(map[uuid.UUID]*models.Transaction),
		byKey:   make(map[string]uuid.UUID),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Ping(_ context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) GetWallet(_ context.Context, ownerID string) (*models.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if w, ok := s.wallets[ownerID]; ok {
		return w.Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetTransaction(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.txs[id]; ok {
		return t.Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (s *Store) GetTransactionByIdempotencyKey(_ context.Context, key string) (*models.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id, ok := s.byKey[key]; ok {
		return s.txs[id].Clone(), nil
	}
	return nil, repository.ErrNotFound
}

func (s *Store) ListBySender(_ context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return s.list(limit, func(t *models.Transaction) bool {
		return t.SenderID != nil && *t.SenderID == userID
	}), nil
}

func (s *Store) ListByRecipient(_ context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return s.list(limit, func(t *models.Transaction) bool {
		return t.RecipientID != nil && *t.RecipientID == userID
	}), nil
}

func (s *Store) list(limit int, match func(*models.Transaction) bool) []*models.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Transaction, 0)
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.txs[s.order[i]]
		if !match(t) {
			continue
		}
		out = append(out, t.Clone())
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// RunInTx runs fn against a private unit of work and commits its staged
// writes only if fn succeeds and ctx is still live.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	t := &memTx{
		s:            s,
		wallets:      make(map[string]*models.Wallet),
		readVersions: make(map[string]int64),
		updated:      make(map[uuid.UUID]*models.Transaction),
	}
	if err := fn(ctx, t); err != nil {
		return err
	}
	return s.commit(ctx, t)
}

func (s *Store) commit(ctx context.Context, t *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	for id, seen := range t.readVersions {
		current := absent
		if w, ok := s.wallets[id]; ok {
			current = w.Version
		}
		if current != seen {
			return repository.ErrVersionConflict
		}
	}
	for _, tx := range t.appended {
		if _, ok := s.txs[tx.ID]; ok {
			return repository.ErrDuplicate
		}
		if tx.IdempotencyKey != nil {
			if _, ok := s.byKey[*tx.IdempotencyKey]; ok {
				return repository.ErrDuplicate
			}
		}
	}
	for id := range t.updated {
		committed, ok := s.txs[id]
		if !ok {
			continue // appended in the same unit of work
		}
		if committed.Status != models.StatusPending {
			return repository.ErrVersionConflict
		}
	}

	for id, w := range t.wallets {
		s.wallets[id] = w
	}
	for _, tx := range t.appended {
		s.txs[tx.ID] = tx
		s.order = append(s.order, tx.ID)
		if tx.IdempotencyKey != nil {
			s.byKey[*tx.IdempotencyKey] = tx.ID
		}
	}
	for id, tx := range t.updated {
		s.txs[id] = tx
	}
	return nil
}

type memTx struct {
	s *Store

	wallets      map[string]*models.Wallet
	readVersions map[string]int64
	appended     []*models.Transaction
	updated      map[uuid.UUID]*models.Transaction
}

// wallet returns the wallet as this unit of work sees it and remembers the
// committed version on first touch.
func (t *memTx) wallet(ownerID string) *models.Wallet {
	if w, ok := t.wallets[ownerID]; ok {
		return w
	}
	t.s.mu.RLock()
	committed, ok := t.s.wallets[ownerID]
	t.s.mu.RUnlock()

	if _, seen := t.readVersions[ownerID]; !seen {
		if ok {
			t.readVersions[ownerID] = committed.Version
		} else {
			t.readVersions[ownerID] = absent
		}
	}
	if !ok {
		return nil
	}
	return committed.Clone()
}

func (t *memTx) GetWallet(_ context.Context, ownerID string) (*models.Wallet, error) {
	w := t.wallet(ownerID)
	if w == nil {
		return nil, repository.ErrNotFound
	}
	return w.Clone(), nil
}

func (t *memTx) GetOrCreateWallet(_ context.Context, ownerID, currency string) (*models.Wallet, error) {
	w := t.wallet(ownerID)
	if w == nil {
		now := t.s.now()
		w = &models.Wallet{OwnerID: ownerID, CurrencyCode: currency, CreatedAt: now, UpdatedAt: now}
		t.wallets[ownerID] = w
	}
	if w.CurrencyCode != currency {
		return nil, repository.ErrCurrencyMismatch
	}
	return w.Clone(), nil
}

func (t *memTx) TryDebit(_ context.Context, ownerID string, amount, expectedVersion int64) (*models.Wallet, error) {
	w := t.wallet(ownerID)
	if w == nil {
		return nil, repository.ErrNotFound
	}
	if w.Version != expectedVersion {
		return nil, repository.ErrVersionConflict
	}
	if w.Balance < amount {
		return nil, repository.ErrInsufficientFunds
	}
	w = w.Clone()
	w.Balance -= amount
	w.Version++
	w.UpdatedAt = t.s.now()
	t.wallets[ownerID] = w
	return w.Clone(), nil
}

func (t *memTx) Credit(ctx context.Context, ownerID string, amount int64, currency string) (*models.Wallet, error) {
	if _, err := t.GetOrCreateWallet(ctx, ownerID, currency); err != nil {
		return nil, err
	}
	w := t.wallet(ownerID).Clone()
	w.Balance += amount
	w.Version++
	w.UpdatedAt = t.s.now()
	t.wallets[ownerID] = w
	return w.Clone(), nil
}

func (t *memTx) GetTransaction(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	if tx, ok := t.updated[id]; ok {
		return tx.Clone(), nil
	}
	for _, tx := range t.appended {
		if tx.ID == id {
			return tx.Clone(), nil
		}
	}
	return t.s.GetTransaction(ctx, id)
}

func (t *memTx) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*models.Transaction, error) {
	for _, tx := range t.appended {
		if tx.IdempotencyKey != nil && *tx.IdempotencyKey == key {
			return tx.Clone(), nil
		}
	}
	return t.s.GetTransactionByIdempotencyKey(ctx, key)
}

func (t *memTx) ListBySender(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return t.s.ListBySender(ctx, userID, limit)
}

func (t *memTx) ListByRecipient(ctx context.Context, userID string, limit int) ([]*models.Transaction, error) {
	return t.s.ListByRecipient(ctx, userID, limit)
}

func (t *memTx) AppendTransaction(ctx context.Context, tx *models.Transaction) (*models.Transaction, error) {
	rec := tx.Clone()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = t.s.now()
	}
	rec.UpdatedAt = rec.CreatedAt

	if _, err := t.GetTransaction(ctx, rec.ID); err == nil {
		return nil, repository.ErrDuplicate
	}
	if rec.IdempotencyKey != nil {
		if _, err := t.GetTransactionByIdempotencyKey(ctx, *rec.IdempotencyKey); err == nil {
			return nil, repository.ErrDuplicate
		}
	}

	t.appended = append(t.appended, rec)
	return rec.Clone(), nil
}

func (t *memTx) UpdateStatus(ctx context.Context, id uuid.UUID, next models.Status) (*models.Transaction, error) {
	cur, err := t.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !cur.CanTransition(next) {
		return nil, repository.ErrInvalidTransition
	}
	cur.Status = next
	cur.UpdatedAt = t.s.now()

	for i, tx := range t.appended {
		if tx.ID == id {
			t.appended[i] = cur
			return cur.Clone(), nil
		}
	}
	t.updated[id] = cur
	return cur.Clone(), nil
}
