package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Nzyazin/fanledger/internal/core/logger"
	"github.com/Nzyazin/fanledger/internal/core/models"
	"github.com/Nzyazin/fanledger/pkg/config"
	"github.com/redis/go-redis/v9"
)

const walletKeyPrefix = "wallet:user:"

// setIfNewer stores ARGV[1] unless the cached snapshot already carries a
// version at or above ARGV[2].
var setIfNewer = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur then
  local ok, w = pcall(cjson.decode, cur)
  if ok and type(w) == 'table' and tonumber(w['version']) and tonumber(w['version']) >= tonumber(ARGV[2]) then
    return 0
  end
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

// WalletCache keeps wallet snapshots in Redis. Redis failures are logged and
// treated as misses so the ledger keeps serving from the store.
type WalletCache struct {
	rdb redis.UniversalClient
	ttl time.Duration
	log logger.Logger
}

func NewWalletCache(rdb redis.UniversalClient, ttl time.Duration, log logger.Logger) *WalletCache {
	return &WalletCache{rdb: rdb, ttl: ttl, log: log}
}

// NewRedisClient builds a client from cfg. It does not dial.
func NewRedisClient(cfg config.RedisConfig) redis.UniversalClient {
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        []string{cfg.Addr},
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})
}

func walletKey(ownerID string) string {
	return walletKeyPrefix + ownerID
}

func (c *WalletCache) GetWallet(ctx context.Context, ownerID string) (*models.Wallet, bool) {
	val, err := c.rdb.Get(ctx, walletKey(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.log.Warn("Wallet cache read failed", logger.StringField("owner_id", ownerID), logger.ErrorField("error", err))
		return nil, false
	}

	var w models.Wallet
	if err := json.Unmarshal(val, &w); err != nil {
		c.log.Warn("Dropping unreadable wallet cache entry", logger.StringField("owner_id", ownerID), logger.ErrorField("error", err))
		c.Invalidate(ctx, ownerID)
		return nil, false
	}
	return &w, true
}

// SetWallet caches w unless a snapshot with the same or a newer version is
// already cached.
func (c *WalletCache) SetWallet(ctx context.Context, w *models.Wallet) {
	b, err := json.Marshal(w)
	if err != nil {
		c.log.Error("Failed to marshal wallet", logger.StringField("owner_id", w.OwnerID), logger.ErrorField("error", err))
		return
	}
	stored, err := setIfNewer.Run(ctx, c.rdb, []string{walletKey(w.OwnerID)}, b, w.Version, c.ttl.Milliseconds()).Int()
	if err != nil {
		c.log.Warn("Wallet cache write failed", logger.StringField("owner_id", w.OwnerID), logger.ErrorField("error", err))
		return
	}
	if stored == 0 {
		c.log.Debug("Kept newer cached wallet",
			logger.StringField("owner_id", w.OwnerID),
			logger.Int64Field("offered_version", w.Version))
	}
}

func (c *WalletCache) Invalidate(ctx context.Context, ownerIDs ...string) {
	keys := make([]string, 0, len(ownerIDs))
	for _, id := range ownerIDs {
		if id != "" {
			keys = append(keys, walletKey(id))
		}
	}
	if len(keys) == 0 {
		return
	}
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		c.log.Warn("Wallet cache invalidation failed", logger.AnyField("keys", keys), logger.ErrorField("error", err))
	}
}

func (c *WalletCache) Close() error {
	return c.rdb.Close()
}
