package storage

import (
	"context"
	"sync"

	"github.com/web3guy0/perpindexer/types"
)

// AssetCache is the in-memory, monotonic asset cache: entries are never
// invalidated within a run, concurrent reads are safe, and misses resolve
// through the store. Assets are static once created so there is no
// staleness risk within a process lifetime.
type AssetCache struct {
	store *Store

	mu sync.RWMutex
	m  map[int64]types.Asset
}

func NewAssetCache(store *Store) *AssetCache {
	return &AssetCache{store: store, m: make(map[int64]types.Asset)}
}

func (c *AssetCache) Get(ctx context.Context, assetID int64) (types.Asset, error) {
	c.mu.RLock()
	a, ok := c.m[assetID]
	c.mu.RUnlock()
	if ok {
		return a, nil
	}

	a, err := c.store.GetAsset(ctx, assetID)
	if err != nil {
		return types.Asset{}, err
	}

	c.mu.Lock()
	c.m[assetID] = a
	c.mu.Unlock()
	return a, nil
}

// Warm preloads every asset up front, used at startup so the first event
// for a given asset never pays a cache-miss round trip.
func (c *AssetCache) Warm(ctx context.Context) error {
	assets, err := c.store.ListAssets(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	for _, a := range assets {
		c.m[a.AssetID] = a
	}
	c.mu.Unlock()
	return nil
}

// Seed preloads cache entries directly, for tests that want asset
// resolution to succeed without a store round trip.
func (c *AssetCache) Seed(assets ...types.Asset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range assets {
		c.m[a.AssetID] = a
	}
}
