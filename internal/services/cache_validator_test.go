package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/models"
)

type staticCounter struct {
	counts map[string]int
	err    error
}

func (c *staticCounter) RecordCountOf(ctx context.Context, domainID string) (int, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.counts[domainID], nil
}

func TestCacheValidator_Boundaries(t *testing.T) {
	policy := models.CachePolicy{MaxAge: 24 * time.Hour, MaxDelta: 20}
	generated := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		age     time.Duration
		delta   int
		wantHit bool
	}{
		{"fresh entry", time.Minute, 0, true},
		{"age just under max", policy.MaxAge - time.Millisecond, policy.MaxDelta - 1, true},
		{"age equal to max", policy.MaxAge, 0, false},
		{"delta equal to max", time.Minute, policy.MaxDelta, false},
		{"delta over max", time.Minute, policy.MaxDelta + 7, false},
		{"records removed since generation", time.Minute, -3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := clock.NewFake(generated)
			counter := &staticCounter{counts: map[string]int{"conv-1": 100}}
			validator := NewCacheValidator(NewMemoryCacheStore(time.Minute), counter, clk, nil)
			ctx := context.Background()
			key := CacheKey(models.FeatureSummary, "conv-1")

			if err := validator.Store(ctx, key, []byte(`{"summary":"hello"}`), 100, policy); err != nil {
				t.Fatalf("Store failed: %v", err)
			}

			clk.Advance(tt.age)
			counter.counts["conv-1"] = 100 + tt.delta

			payload, hit, err := validator.Lookup(ctx, key, "conv-1", policy)
			if err != nil {
				t.Fatalf("Lookup failed: %v", err)
			}
			if hit != tt.wantHit {
				t.Errorf("Expected hit=%v, got %v", tt.wantHit, hit)
			}
			if hit && string(payload) != `{"summary":"hello"}` {
				t.Errorf("Expected cached payload, got %s", payload)
			}
			if !hit && payload != nil {
				t.Errorf("Expected nil payload on miss, got %s", payload)
			}
		})
	}
}

func TestCacheValidator_MissWhenAbsent(t *testing.T) {
	counter := &staticCounter{err: errors.New("must not be called")}
	validator := NewCacheValidator(NewMemoryCacheStore(time.Minute), counter, clock.NewFake(time.Now()), nil)

	_, hit, err := validator.Lookup(context.Background(), "summary:conv-9", "conv-9", models.CachePolicy{MaxAge: time.Hour, MaxDelta: 5})
	if err != nil {
		t.Fatalf("Expected plain miss, got error %v", err)
	}
	if hit {
		t.Error("Expected miss for absent entry")
	}
}

func TestCacheValidator_MissHasNoSideEffects(t *testing.T) {
	store := NewMemoryCacheStore(time.Minute)
	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	counter := &staticCounter{counts: map[string]int{"conv-1": 10}}
	validator := NewCacheValidator(store, counter, clk, nil)
	ctx := context.Background()
	policy := models.CachePolicy{MaxAge: time.Hour, MaxDelta: 5}

	validator.Store(ctx, "summary:conv-1", []byte(`"old"`), 10, policy)
	clk.Advance(2 * time.Hour)

	if _, hit, _ := validator.Lookup(ctx, "summary:conv-1", "conv-1", policy); hit {
		t.Fatal("Expected stale miss")
	}
	entry, _ := store.Get(ctx, "summary:conv-1")
	if entry == nil || string(entry.Payload) != `"old"` {
		t.Error("Expected stale entry to remain untouched after miss")
	}
}

func TestCacheValidator_StoreOverwrites(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC))
	counter := &staticCounter{counts: map[string]int{"conv-1": 30}}
	validator := NewCacheValidator(NewMemoryCacheStore(time.Minute), counter, clk, nil)
	ctx := context.Background()
	policy := models.CachePolicy{MaxAge: time.Hour, MaxDelta: 5}

	validator.Store(ctx, "summary:conv-1", []byte(`"first"`), 10, policy)
	validator.Store(ctx, "summary:conv-1", []byte(`"second"`), 30, policy)

	payload, hit, err := validator.Lookup(ctx, "summary:conv-1", "conv-1", policy)
	if err != nil || !hit {
		t.Fatalf("Expected hit after overwrite, got hit=%v err=%v", hit, err)
	}
	if string(payload) != `"second"` {
		t.Errorf("Expected last write to win, got %s", payload)
	}
}

func TestCacheValidator_CounterErrorPropagates(t *testing.T) {
	clk := clock.NewFake(time.Now())
	counter := &staticCounter{err: ErrNotFound}
	validator := NewCacheValidator(NewMemoryCacheStore(time.Minute), counter, clk, nil)
	ctx := context.Background()
	policy := models.CachePolicy{MaxAge: time.Hour, MaxDelta: 5}

	validator.Store(ctx, "summary:gone", []byte(`"x"`), 1, policy)
	_, _, err := validator.Lookup(ctx, "summary:gone", "gone", policy)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestCacheKey(t *testing.T) {
	if got := CacheKey("search", "conv-1", "deadbeef"); got != "search:conv-1:deadbeef" {
		t.Errorf("Expected search:conv-1:deadbeef, got %s", got)
	}
	if got := featureOfKey("action_items:conv-2"); got != "action_items" {
		t.Errorf("Expected action_items, got %s", got)
	}
}

func TestMemoryCacheStore_GetReturnsIndependentPayload(t *testing.T) {
	store := NewMemoryCacheStore(time.Minute)
	ctx := context.Background()
	store.Set(ctx, "summary:conv-1", &models.CacheEntry{Payload: []byte(`{"a":1}`)}, time.Hour)

	first, _ := store.Get(ctx, "summary:conv-1")
	first.Payload[2] = 'X'

	second, _ := store.Get(ctx, "summary:conv-1")
	if string(second.Payload) != `{"a":1}` {
		t.Errorf("Expected stored payload unchanged, got %s", second.Payload)
	}
}
