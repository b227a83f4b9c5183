package usecase

import (
	"context"
	"sort"
	"sync"
)

// walletLocks serializes work on the same wallets inside one process.
// Wallets are always locked in ascending owner order, so two transfers that
// name the same pair in opposite directions cannot deadlock.
type walletLocks struct {
	mu    sync.Mutex
	locks map[string]*walletLock
}

type walletLock struct {
	ch   chan struct{}
	refs int
}

func newWalletLocks() *walletLocks {
	return &walletLocks{locks: make(map[string]*walletLock)}
}

// Lock blocks until every named wallet is held or ctx ends. Empty owner ids
// are ignored.
func (l *walletLocks) Lock(ctx context.Context, ownerIDs ...string) (func(), error) {
	keys := make([]string, 0, len(ownerIDs))
	seen := make(map[string]struct{}, len(ownerIDs))
	for _, id := range ownerIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		keys = append(keys, id)
	}
	sort.Strings(keys)

	for i, key := range keys {
		if err := l.acquire(ctx, key); err != nil {
			l.releaseAll(keys[:i])
			return nil, err
		}
	}
	return func() { l.releaseAll(keys) }, nil
}

func (l *walletLocks) acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	wl, ok := l.locks[key]
	if !ok {
		wl = &walletLock{ch: make(chan struct{}, 1)}
		l.locks[key] = wl
	}
	wl.refs++
	l.mu.Unlock()

	select {
	case wl.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		l.unref(key, wl)
		l.mu.Unlock()
		return ctx.Err()
	}
}

func (l *walletLocks) releaseAll(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(keys) - 1; i >= 0; i-- {
		wl := l.locks[keys[i]]
		<-wl.ch
		l.unref(keys[i], wl)
	}
}

func (l *walletLocks) unref(key string, wl *walletLock) {
	wl.refs--
	if wl.refs == 0 {
		delete(l.locks, key)
	}
}

// size reports how many wallets currently have holders or waiters.
func (l *walletLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
