package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatguard/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisCacheStore keeps cache entries as JSON strings so every instance shares them
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore creates a cache store on the given client
func NewRedisCacheStore(client *redis.Client) *RedisCacheStore {
	return &RedisCacheStore{client: client, prefix: "aicache"}
}

func (s *RedisCacheStore) key(key string) string {
	return s.prefix + ":" + key
}

// Get loads and decodes the entry under key
func (s *RedisCacheStore) Get(ctx context.Context, key string) (*models.CacheEntry, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}

	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &entry, nil
}

// Set overwrites the entry under key. A plain SET gives last-write-wins.
func (s *RedisCacheStore) Set(ctx context.Context, key string, entry *models.CacheEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	return nil
}

// Delete removes key
func (s *RedisCacheStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key(key)).Err()
}
