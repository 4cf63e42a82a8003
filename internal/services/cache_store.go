package services

import (
	"context"
	"time"

	"chatguard/internal/models"

	"github.com/patrickmn/go-cache"
)

// CacheStore holds cached AI results by key. Writes replace the entry whole;
// concurrent writers to one key resolve as last-write-wins.
type CacheStore interface {
	// Get returns nil without error when no entry exists
	Get(ctx context.Context, key string) (*models.CacheEntry, error)
	// Set stores entry; ttl only bounds garbage collection, not freshness
	Set(ctx context.Context, key string, entry *models.CacheEntry, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// MemoryCacheStore keeps entries in an in-process go-cache
type MemoryCacheStore struct {
	cache *cache.Cache
}

// NewMemoryCacheStore creates a memory cache store that sweeps expired entries every cleanup interval
func NewMemoryCacheStore(cleanup time.Duration) *MemoryCacheStore {
	return &MemoryCacheStore{cache: cache.New(cache.NoExpiration, cleanup)}
}

// Get returns a copy of the entry stored under key
func (s *MemoryCacheStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	value, found := s.cache.Get(key)
	if !found {
		return nil, nil
	}
	entry := *value.(*models.CacheEntry)
	entry.Payload = append([]byte(nil), entry.Payload...)
	return &entry, nil
}

// Set stores a copy of entry
func (s *MemoryCacheStore) Set(ctx context.Context, key string, entry *models.CacheEntry, ttl time.Duration) error {
	stored := *entry
	stored.Payload = append([]byte(nil), entry.Payload...)
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	s.cache.Set(key, &stored, ttl)
	return nil
}

// Delete removes key
func (s *MemoryCacheStore) Delete(ctx context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

// Len returns the number of entries, including expired ones not yet swept
func (s *MemoryCacheStore) Len() int {
	return s.cache.ItemCount()
}
