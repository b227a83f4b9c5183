package usecase

import (
	"context"
	"sync"
	"testing"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/internal/core/repository/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCache struct {
	mu      sync.Mutex
	wallets map[string]*models.Wallet
	hits    int
}

func newMapCache() *mapCache {
	return &mapCache{wallets: make(map[string]*models.Wallet)}
}

func (c *mapCache) GetWallet(_ context.Context, ownerID string) (*models.Wallet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wallets[ownerID]
	if ok {
		c.hits++
		return w.Clone(), true
	}
	return nil, false
}

func (c *mapCache) SetWallet(_ context.Context, w *models.Wallet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.wallets[w.OwnerID]; ok && cur.Version >= w.Version {
		return
	}
	c.wallets[w.OwnerID] = w.Clone()
}

func (c *mapCache) Invalidate(_ context.Context, ownerIDs ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ownerIDs {
		delete(c.wallets, id)
	}
}

func newLedger(t *testing.T, cache WalletCache) (LedgerUsecase, *memory.Store) {
	t.Helper()
	store := memory.New()
	engine := NewTransferEngine(store, logger.NewNop(), WithBackoff(0), WithWalletCache(cache))
	return NewLedgerUsecase(engine, store, cache, logger.NewNop()), store
}

func TestLedgerOperationsFixKind(t *testing.T) {
	ledger, _ := newLedger(t, nil)
	ctx := context.Background()

	dep, err := ledger.Deposit(ctx, "fan", 1000, "usd", "")
	require.NoError(t, err)
	assert.Equal(t, models.KindDeposit, dep.Kind)
	assert.Nil(t, dep.SenderID)
	assert.Equal(t, "USD", dep.Currency)

	tipTx, err := ledger.SendTip(ctx, "fan", "creator", 200, "USD", "")
	require.NoError(t, err)
	assert.Equal(t, models.KindTip, tipTx.Kind)

	sub, err := ledger.Subscribe(ctx, "fan", "creator", 300, "USD", "")
	require.NoError(t, err)
	assert.Equal(t, models.KindSubscription, sub.Kind)
	assert.Equal(t, "creator", *sub.RecipientID)

	w, err := ledger.RequestWithdrawal(ctx, "creator", 100, "USD", "")
	require.NoError(t, err)
	assert.Equal(t, models.KindWithdrawal, w.Kind)
	assert.Equal(t, models.StatusPending, w.Status)

	resolved, err := ledger.ResolveWithdrawal(ctx, w.ID, models.StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, resolved.Status)

	fan, err := ledger.GetWallet(ctx, "fan")
	require.NoError(t, err)
	assert.Equal(t, int64(500), fan.Balance)

	creator, err := ledger.GetWallet(ctx, "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(400), creator.Balance)
}

func TestLedgerPropagatesEngineErrors(t *testing.T) {
	ledger, _ := newLedger(t, nil)

	_, err := ledger.SendTip(context.Background(), "fan", "creator", 1, "USD", "")
	assert.ErrorIs(t, err, ErrInsufficientFunds)

	_, err = ledger.Subscribe(context.Background(), "fan", "fan", 1, "USD", "")
	assert.ErrorIs(t, err, ErrInvalidTransfer)

	_, err = ledger.GetWallet(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetWalletReadsThroughCache(t *testing.T) {
	cache := newMapCache()
	ledger, _ := newLedger(t, cache)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "fan", 100, "USD", "")
	require.NoError(t, err)
	cache.Invalidate(ctx, "fan")

	_, err = ledger.GetWallet(ctx, "fan")
	require.NoError(t, err)
	assert.Equal(t, 0, cache.hits)
	w, err := ledger.GetWallet(ctx, "fan")
	require.NoError(t, err)
	assert.Equal(t, int64(100), w.Balance)
	assert.Equal(t, 1, cache.hits, "a miss fills the cache")

	_, err = ledger.SendTip(ctx, "fan", "creator", 40, "USD", "")
	require.NoError(t, err)

	w, err = ledger.GetWallet(ctx, "fan")
	require.NoError(t, err)
	assert.Equal(t, int64(60), w.Balance, "commit refreshes the cached sender")

	creator, ok := cache.GetWallet(ctx, "creator")
	require.True(t, ok, "commit caches the recipient")
	assert.Equal(t, int64(40), creator.Balance)
}

func TestStaleReadCannotOverwriteCommittedSnapshot(t *testing.T) {
	cache := newMapCache()
	ledger, store := newLedger(t, cache)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "fan", 100, "USD", "")
	require.NoError(t, err)

	// a reader that loaded the wallet before the tip commits
	stale, err := store.GetWallet(ctx, "fan")
	require.NoError(t, err)

	_, err = ledger.SendTip(ctx, "fan", "creator", 40, "USD", "")
	require.NoError(t, err)

	cache.SetWallet(ctx, stale)

	w, err := ledger.GetWallet(ctx, "fan")
	require.NoError(t, err)
	assert.Equal(t, int64(60), w.Balance)
	assert.Greater(t, w.Version, stale.Version)
}

func TestFailedWithdrawalRefreshesCachedBalance(t *testing.T) {
	cache := newMapCache()
	ledger, _ := newLedger(t, cache)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "creator", 500, "USD", "")
	require.NoError(t, err)
	w, err := ledger.RequestWithdrawal(ctx, "creator", 200, "USD", "")
	require.NoError(t, err)

	got, err := ledger.GetWallet(ctx, "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(300), got.Balance)

	_, err = ledger.ResolveWithdrawal(ctx, w.ID, models.StatusFailed)
	require.NoError(t, err)

	got, err = ledger.GetWallet(ctx, "creator")
	require.NoError(t, err)
	assert.Equal(t, int64(500), got.Balance)
}

func TestListTransactionsNewestFirstWithLimit(t *testing.T) {
	ledger, _ := newLedger(t, nil)
	ctx := context.Background()

	_, err := ledger.Deposit(ctx, "fan", 100_000, "USD", "")
	require.NoError(t, err)
	for i := 1; i <= MaxListLimit+5; i++ {
		_, err := ledger.SendTip(ctx, "fan", "creator", int64(i), "USD", "")
		require.NoError(t, err)
	}

	sent, err := ledger.ListSentTransactions(ctx, "fan", 0)
	require.NoError(t, err)
	require.Len(t, sent, DefaultListLimit)
	assert.Equal(t, int64(MaxListLimit+5), sent[0].Amount)

	sent, err = ledger.ListSentTransactions(ctx, "fan", 10_000)
	require.NoError(t, err)
	assert.Len(t, sent, MaxListLimit)

	received, err := ledger.ListReceivedTransactions(ctx, "creator", 3)
	require.NoError(t, err)
	require.Len(t, received, 3)
	assert.True(t, received[0].Amount > received[2].Amount)
}
