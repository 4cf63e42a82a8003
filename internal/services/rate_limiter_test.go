package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/database"
	"chatguard/internal/models"
)

var quotaEpoch = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestLimiter(store QuotaStore, clk clock.Clock) *RateLimiter {
	return NewRateLimiter(store, clk, DefaultRateLimiterConfig(), nil)
}

// failingQuotaStore fails every Apply with err
type failingQuotaStore struct {
	err error
}

func (s *failingQuotaStore) Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error) {
	return nil, s.err
}

func (s *failingQuotaStore) Get(ctx context.Context, userID, month string) (*models.UsageCounter, error) {
	return nil, s.err
}

// flakyQuotaStore reports contention for the first n calls, then delegates
type flakyQuotaStore struct {
	mu        sync.Mutex
	remaining int
	calls     int
	inner     QuotaStore
}

func (s *flakyQuotaStore) Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error) {
	s.mu.Lock()
	s.calls++
	if s.remaining > 0 {
		s.remaining--
		s.mu.Unlock()
		return nil, ErrContention
	}
	s.mu.Unlock()
	return s.inner.Apply(ctx, userID, month, now, fn)
}

func (s *flakyQuotaStore) Get(ctx context.Context, userID, month string) (*models.UsageCounter, error) {
	return s.inner.Get(ctx, userID, month)
}

func assertConcurrentAdmits(t *testing.T, store QuotaStore, k int) {
	t.Helper()
	limiter := newTestLimiter(store, clock.NewFake(quotaEpoch))
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := limiter.Admit(ctx, "user-1", models.FeatureSummary)
			if err != nil {
				errs <- err
				return
			}
			if !result.Allowed {
				errs <- errors.New("admissible call was denied")
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Unexpected admit failure: %v", err)
	}

	counter, err := store.Get(ctx, "user-1", models.MonthKey(quotaEpoch))
	if err != nil {
		t.Fatalf("Failed to read counter: %v", err)
	}
	if counter.TotalActions != k {
		t.Errorf("Expected totalActions %d, got %d", k, counter.TotalActions)
	}
	if counter.ActionsThisHour != k {
		t.Errorf("Expected actionsThisHour %d, got %d", k, counter.ActionsThisHour)
	}
	if counter.Features[models.FeatureSummary] != k {
		t.Errorf("Expected summary feature count %d, got %d", k, counter.Features[models.FeatureSummary])
	}
}

func TestRateLimiter_ConcurrentAdmitsAreAtomic_Memory(t *testing.T) {
	for _, k := range []int{1, 10, 50} {
		assertConcurrentAdmits(t, NewMemoryQuotaStore(), k)
	}
}

func TestRateLimiter_ConcurrentAdmitsAreAtomic_SQLite(t *testing.T) {
	db, err := database.New(filepath.Join(t.TempDir(), "quota.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()
	if err := db.Initialize(); err != nil {
		t.Fatalf("Failed to initialize database: %v", err)
	}

	assertConcurrentAdmits(t, NewSQLQuotaStore(db), 50)
}

func TestRateLimiter_HourlyRollover(t *testing.T) {
	store := NewMemoryQuotaStore()
	clk := clock.NewFake(quotaEpoch)
	limiter := newTestLimiter(store, clk)

	store.Put(&models.UsageCounter{
		UserID:          "user-1",
		Month:           models.MonthKey(quotaEpoch),
		TotalActions:    120,
		ActionsThisHour: 50,
		Features:        map[string]int{models.FeatureSummary: 120},
		HourWindowStart: quotaEpoch.Add(-2 * time.Hour),
	})

	result, err := limiter.Admit(context.Background(), "user-1", models.FeatureSearch)
	if err != nil {
		t.Fatalf("Expected admission after rollover, got %v", err)
	}
	if !result.Allowed {
		t.Fatal("Expected call to be admitted")
	}
	if result.Counter.ActionsThisHour != 1 {
		t.Errorf("Expected actionsThisHour reset to 1, got %d", result.Counter.ActionsThisHour)
	}
	if !result.Counter.HourWindowStart.Equal(quotaEpoch) {
		t.Errorf("Expected hour window to restart at %v, got %v", quotaEpoch, result.Counter.HourWindowStart)
	}
	if result.Counter.TotalActions != 121 {
		t.Errorf("Expected totalActions 121, got %d", result.Counter.TotalActions)
	}
}

func TestRateLimiter_HourlyScenario(t *testing.T) {
	store := NewMemoryQuotaStore()
	clk := clock.NewFake(quotaEpoch)
	limiter := newTestLimiter(store, clk)
	ctx := context.Background()

	for i := 1; i <= 50; i++ {
		result, err := limiter.Admit(ctx, "user-1", models.FeatureSummary)
		if err != nil || !result.Allowed {
			t.Fatalf("Action %d: expected admission, got allowed=%v err=%v", i, result.Allowed, err)
		}
		clk.Advance(time.Minute)
	}

	result, err := limiter.Admit(ctx, "user-1", models.FeatureSummary)
	if result.Allowed {
		t.Fatal("Expected 51st action to be denied")
	}
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) {
		t.Fatalf("Expected QuotaExceededError, got %v", err)
	}
	if quotaErr.Reason != QuotaReasonHourly {
		t.Errorf("Expected hourly reason, got %s", quotaErr.Reason)
	}
	if quotaErr.Limit != 50 || quotaErr.Used != 50 {
		t.Errorf("Expected 50/50, got %d/%d", quotaErr.Used, quotaErr.Limit)
	}
	if !quotaErr.ResetAt.Equal(quotaEpoch.Add(time.Hour)) {
		t.Errorf("Expected reset at %v, got %v", quotaEpoch.Add(time.Hour), quotaErr.ResetAt)
	}

	// denial must not mutate the counter
	counter, _ := store.Get(ctx, "user-1", models.MonthKey(quotaEpoch))
	if counter.TotalActions != 50 {
		t.Errorf("Expected denial to leave totalActions at 50, got %d", counter.TotalActions)
	}

	clk.Set(quotaEpoch.Add(time.Hour))
	result, err = limiter.Admit(ctx, "user-1", models.FeatureSummary)
	if err != nil || !result.Allowed {
		t.Fatalf("Expected action 52 to be admitted, got allowed=%v err=%v", result.Allowed, err)
	}
	if result.Counter.ActionsThisHour != 1 {
		t.Errorf("Expected actionsThisHour 1, got %d", result.Counter.ActionsThisHour)
	}
	if result.Counter.TotalActions != 51 {
		t.Errorf("Expected totalActions 51, got %d", result.Counter.TotalActions)
	}
}

func TestRateLimiter_MonthlyLimit(t *testing.T) {
	store := NewMemoryQuotaStore()
	clk := clock.NewFake(quotaEpoch)
	limiter := newTestLimiter(store, clk)

	store.Put(&models.UsageCounter{
		UserID:          "user-1",
		Month:           models.MonthKey(quotaEpoch),
		TotalActions:    1000,
		ActionsThisHour: 3,
		Features:        map[string]int{},
		HourWindowStart: quotaEpoch.Add(-10 * time.Minute),
	})

	result, err := limiter.Admit(context.Background(), "user-1", models.FeatureSummary)
	if result.Allowed {
		t.Fatal("Expected monthly denial")
	}
	var quotaErr *QuotaExceededError
	if !errors.As(err, &quotaErr) || quotaErr.Reason != QuotaReasonMonthly {
		t.Fatalf("Expected monthly QuotaExceededError, got %v", err)
	}
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if !quotaErr.ResetAt.Equal(want) {
		t.Errorf("Expected monthly reset at %v, got %v", want, quotaErr.ResetAt)
	}

	// a new month starts a fresh counter
	clk.Set(want.Add(time.Minute))
	result, err = limiter.Admit(context.Background(), "user-1", models.FeatureSummary)
	if err != nil || !result.Allowed {
		t.Fatalf("Expected admission in new month, got %v", err)
	}
	if result.Counter.Month != "2026-04" || result.Counter.TotalActions != 1 {
		t.Errorf("Expected fresh 2026-04 counter with 1 action, got %s with %d", result.Counter.Month, result.Counter.TotalActions)
	}
}

func TestRateLimiter_FailsClosedOnStoreError(t *testing.T) {
	limiter := newTestLimiter(&failingQuotaStore{err: errors.New("connection refused")}, clock.NewFake(quotaEpoch))

	result, err := limiter.Admit(context.Background(), "user-1", models.FeatureSummary)
	if err == nil {
		t.Fatal("Expected error from failing store")
	}
	if result.Allowed {
		t.Error("Expected store failure to deny the action")
	}
	var quotaErr *QuotaExceededError
	if errors.As(err, &quotaErr) {
		t.Error("Store failure must not be reported as a quota denial")
	}
}

func TestRateLimiter_RetriesOnContention(t *testing.T) {
	store := &flakyQuotaStore{remaining: 2, inner: NewMemoryQuotaStore()}
	limiter := newTestLimiter(store, clock.NewFake(quotaEpoch))

	result, err := limiter.Admit(context.Background(), "user-1", models.FeatureSummary)
	if err != nil || !result.Allowed {
		t.Fatalf("Expected admission after contention, got %v", err)
	}
	if store.calls != 3 {
		t.Errorf("Expected 3 store calls, got %d", store.calls)
	}
	if result.Counter.TotalActions != 1 {
		t.Errorf("Expected exactly one counted action, got %d", result.Counter.TotalActions)
	}
}

func TestRateLimiter_GivesUpAfterMaxAttempts(t *testing.T) {
	store := &flakyQuotaStore{remaining: 100, inner: NewMemoryQuotaStore()}
	limiter := newTestLimiter(store, clock.NewFake(quotaEpoch))

	result, err := limiter.Admit(context.Background(), "user-1", models.FeatureSummary)
	if !errors.Is(err, ErrContention) {
		t.Fatalf("Expected contention error, got %v", err)
	}
	if result.Allowed {
		t.Error("Expected denial when contention persists")
	}
	if store.calls != DefaultRateLimiterConfig().MaxAttempts {
		t.Errorf("Expected %d attempts, got %d", DefaultRateLimiterConfig().MaxAttempts, store.calls)
	}
}

func TestRateLimiter_UsageDoesNotMutate(t *testing.T) {
	store := NewMemoryQuotaStore()
	clk := clock.NewFake(quotaEpoch)
	limiter := newTestLimiter(store, clk)
	ctx := context.Background()

	usage, err := limiter.Usage(ctx, "nobody")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if usage.TotalActions != 0 {
		t.Errorf("Expected empty usage, got %d", usage.TotalActions)
	}
	if counter, _ := store.Get(ctx, "nobody", models.MonthKey(quotaEpoch)); counter != nil {
		t.Error("Usage must not create a counter")
	}

	limiter.Admit(ctx, "user-1", models.FeatureSummary)
	clk.Advance(90 * time.Minute)
	usage, _ = limiter.Usage(ctx, "user-1")
	if usage.ActionsThisHour != 0 || usage.TotalActions != 1 {
		t.Errorf("Expected 0 this hour and 1 total after window elapsed, got %d/%d", usage.ActionsThisHour, usage.TotalActions)
	}
}
