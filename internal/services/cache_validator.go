package services

import (
	"context"
	"fmt"
	"strings"

	"chatguard/internal/clock"
	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/sirupsen/logrus"
)

// RecordCounter reports the live record count of a domain object, e.g. the
// number of messages in a conversation
type RecordCounter interface {
	RecordCountOf(ctx context.Context, domainID string) (int, error)
}

// Cache lookup outcomes, also used as metric labels
const (
	CacheHit            = "hit"
	CacheMissAbsent     = "miss_absent"
	CacheMissStaleAge   = "miss_stale_age"
	CacheMissStaleDelta = "miss_stale_delta"
)

// CacheKey builds the cache key for a feature over a domain object.
// Extra parts (such as a normalized query) narrow the key further.
func CacheKey(feature, domainID string, extra ...string) string {
	parts := append([]string{feature, domainID}, extra...)
	return strings.Join(parts, ":")
}

// CacheValidator decides whether a cached AI result is still fresh enough to
// serve. An entry is fresh only while it is younger than MaxAge AND fewer than
// MaxDelta records were added to its domain object since it was generated.
type CacheValidator struct {
	store   CacheStore
	counter RecordCounter
	clock   clock.Clock
	metrics *Metrics
	log     *logrus.Entry
}

// NewCacheValidator creates a validator over store, reading live counts from counter
func NewCacheValidator(store CacheStore, counter RecordCounter, clk clock.Clock, metrics *Metrics) *CacheValidator {
	return &CacheValidator{
		store:   store,
		counter: counter,
		clock:   clk,
		metrics: metrics,
		log:     logging.Component("cache"),
	}
}

// Lookup returns the cached payload and true on a hit. A miss has no side
// effects; the caller recomputes and calls Store.
func (v *CacheValidator) Lookup(ctx context.Context, key, domainID string, policy models.CachePolicy) ([]byte, bool, error) {
	outcome, entry, err := v.evaluate(ctx, key, domainID, policy)
	if err != nil {
		return nil, false, err
	}

	v.metrics.RecordCacheLookup(featureOfKey(key), outcome)
	if outcome != CacheHit {
		v.log.WithFields(logrus.Fields{"key": key, "outcome": outcome}).Debug("[CACHE] Miss")
		return nil, false, nil
	}
	return entry.Payload, true, nil
}

func (v *CacheValidator) evaluate(ctx context.Context, key, domainID string, policy models.CachePolicy) (string, *models.CacheEntry, error) {
	entry, err := v.store.Get(ctx, key)
	if err != nil {
		return "", nil, fmt.Errorf("cache lookup failed: %w", err)
	}
	if entry == nil {
		return CacheMissAbsent, nil, nil
	}

	current, err := v.counter.RecordCountOf(ctx, domainID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read record count for %s: %w", domainID, err)
	}

	age := v.clock.Now().Sub(entry.GeneratedAt)
	delta := current - entry.RecordCountAtGeneration

	switch {
	case age >= policy.MaxAge:
		return CacheMissStaleAge, entry, nil
	case delta >= policy.MaxDelta:
		return CacheMissStaleDelta, entry, nil
	}
	return CacheHit, entry, nil
}

// Store overwrites the entry for key unconditionally. The stored TTL of twice
// MaxAge only lets the backend reclaim entries nobody reads anymore.
func (v *CacheValidator) Store(ctx context.Context, key string, payload []byte, recordCountAtGeneration int, policy models.CachePolicy) error {
	entry := &models.CacheEntry{
		Payload:                 payload,
		RecordCountAtGeneration: recordCountAtGeneration,
		GeneratedAt:             v.clock.Now(),
	}
	if err := v.store.Set(ctx, key, entry, 2*policy.MaxAge); err != nil {
		return fmt.Errorf("cache store failed: %w", err)
	}
	return nil
}

// Invalidate drops the entry for key
func (v *CacheValidator) Invalidate(ctx context.Context, key string) error {
	return v.store.Delete(ctx, key)
}

func featureOfKey(key string) string {
	feature, _, _ := strings.Cut(key, ":")
	return feature
}
