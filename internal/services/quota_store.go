package services

import (
	"context"
	"sync"
	"time"

	"chatguard/internal/models"
)

// QuotaMutator inspects a usage counter inside an atomic read-modify-write and
// mutates it in place. Returning false leaves the stored counter untouched.
// A mutator may run more than once when the store retries a conflicting transaction.
type QuotaMutator func(counter *models.UsageCounter) bool

// QuotaStore is atomic counter storage keyed by (user, calendar month).
//
// Apply must be linearizable per key: concurrent Apply calls for the same user
// and month observe each other's committed writes. When no counter exists yet,
// one is created at now and only persisted if the mutator changes it.
// Implementations report lost races as ErrContention.
type QuotaStore interface {
	Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error)
	// Get returns nil without error when the user has no counter for month
	Get(ctx context.Context, userID, month string) (*models.UsageCounter, error)
}

// MemoryQuotaStore is an in-process QuotaStore for development and tests.
// Suitable for a single instance only.
type MemoryQuotaStore struct {
	mu       sync.Mutex
	counters map[string]*models.UsageCounter
}

// NewMemoryQuotaStore creates an empty in-memory quota store
func NewMemoryQuotaStore() *MemoryQuotaStore {
	return &MemoryQuotaStore{counters: make(map[string]*models.UsageCounter)}
}

// Apply runs fn under the store lock against a private copy and commits it on change
func (s *MemoryQuotaStore) Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := quotaKey(userID, month)
	working := s.counters[key].Clone()
	if working == nil {
		working = models.NewUsageCounter(userID, month, now)
	}

	if fn(working) {
		working.UpdatedAt = now
		s.counters[key] = working.Clone()
	}
	return working, nil
}

// Get returns a copy of the stored counter
func (s *MemoryQuotaStore) Get(ctx context.Context, userID, month string) (*models.UsageCounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[quotaKey(userID, month)].Clone(), nil
}

// Put replaces a counter wholesale. Used to seed state in tests and migrations.
func (s *MemoryQuotaStore) Put(counter *models.UsageCounter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[quotaKey(counter.UserID, counter.Month)] = counter.Clone()
}

func quotaKey(userID, month string) string {
	return userID + ":" + month
}
