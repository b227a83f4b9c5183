package cache_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/cache"
	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnreachableRedisIsAMiss(t *testing.T) {
	rdb := cache.NewRedisClient(config.RedisConfig{Addr: "127.0.0.1:1"})
	c := cache.NewWalletCache(rdb, time.Minute, logger.NewNop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	assert.NotPanics(t, func() {
		c.SetWallet(ctx, &models.Wallet{OwnerID: "alice", Balance: 10, CurrencyCode: "USD"})
		c.Invalidate(ctx, "alice", "")
	})
	_, ok := c.GetWallet(ctx, "alice")
	assert.False(t, ok)
}

// Runs against a live server when REDIS_ADDR is set.
func TestWalletRoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := cache.NewWalletCache(cache.NewRedisClient(config.RedisConfig{Addr: addr}), time.Minute, logger.NewNop())
	defer c.Close()
	ctx := context.Background()

	w := &models.Wallet{OwnerID: "cache-test", Balance: 1250, CurrencyCode: "USD", Version: 3}
	c.SetWallet(ctx, w)

	got, ok := c.GetWallet(ctx, "cache-test")
	require.True(t, ok)
	assert.Equal(t, w.Balance, got.Balance)
	assert.Equal(t, w.Version, got.Version)

	c.Invalidate(ctx, "cache-test")
	_, ok = c.GetWallet(ctx, "cache-test")
	assert.False(t, ok)
}

func TestOlderSnapshotDoesNotReplaceNewer(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c := cache.NewWalletCache(cache.NewRedisClient(config.RedisConfig{Addr: addr}), time.Minute, logger.NewNop())
	defer c.Close()
	ctx := context.Background()
	c.Invalidate(ctx, "cache-race")

	c.SetWallet(ctx, &models.Wallet{OwnerID: "cache-race", Balance: 60, CurrencyCode: "USD", Version: 2})
	c.SetWallet(ctx, &models.Wallet{OwnerID: "cache-race", Balance: 100, CurrencyCode: "USD", Version: 1})

	got, ok := c.GetWallet(ctx, "cache-race")
	require.True(t, ok)
	assert.Equal(t, int64(60), got.Balance)
	assert.Equal(t, int64(2), got.Version)

	c.SetWallet(ctx, &models.Wallet{OwnerID: "cache-race", Balance: 75, CurrencyCode: "USD", Version: 3})
	got, ok = c.GetWallet(ctx, "cache-race")
	require.True(t, ok)
	assert.Equal(t, int64(75), got.Balance)
}
