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

// RedisQuotaStore keeps each counter as a JSON value and updates it with an
// optimistic WATCH/MULTI/EXEC transaction. A concurrent write to the same key
// aborts EXEC, which is reported as ErrContention.
type RedisQuotaStore struct {
	client *redis.Client
	prefix string
}

// NewRedisQuotaStore creates a quota store on the given client
func NewRedisQuotaStore(client *redis.Client) *RedisQuotaStore {
	return &RedisQuotaStore{client: client, prefix: "usage"}
}

func (s *RedisQuotaStore) key(userID, month string) string {
	return fmt.Sprintf("%s:%s:%s", s.prefix, userID, month)
}

// Apply watches the counter key, mutates a decoded copy and commits it in MULTI
func (s *RedisQuotaStore) Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error) {
	key := s.key(userID, month)
	var result *models.UsageCounter

	txf := func(tx *redis.Tx) error {
		working, err := s.decode(tx.Get(ctx, key))
		if err != nil {
			return err
		}
		if working == nil {
			working = models.NewUsageCounter(userID, month, now)
		}

		if !fn(working) {
			result = working
			return nil
		}

		working.UpdatedAt = now
		data, err := json.Marshal(working)
		if err != nil {
			return fmt.Errorf("failed to encode usage counter: %w", err)
		}

		// Keep the counter one month past its own month end (retention buffer)
		expiry := models.NextMonthStart(now).AddDate(0, 1, 0).Sub(now)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, expiry)
			return nil
		})
		if err != nil {
			return err
		}
		result = working
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return nil, ErrContention
	}
	if err != nil {
		return nil, fmt.Errorf("redis quota transaction failed: %w", err)
	}
	return result, nil
}

// Get reads the counter without watching it
func (s *RedisQuotaStore) Get(ctx context.Context, userID, month string) (*models.UsageCounter, error) {
	return s.decode(s.client.Get(ctx, s.key(userID, month)))
}

func (s *RedisQuotaStore) decode(cmd *redis.StringCmd) (*models.UsageCounter, error) {
	data, err := cmd.Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read usage counter: %w", err)
	}

	var counter models.UsageCounter
	if err := json.Unmarshal(data, &counter); err != nil {
		return nil, fmt.Errorf("failed to decode usage counter: %w", err)
	}
	if counter.Features == nil {
		counter.Features = map[string]int{}
	}
	return &counter, nil
}
