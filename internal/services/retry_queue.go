package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/models"
)

// RetryPolicy bounds the retry queue backoff
type RetryPolicy struct {
	MaxRetries int
	Schedule   []time.Duration // delay before attempt n+1 is Schedule[n]
}

// DefaultRetryPolicy retries five times over roughly two hours
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 5,
		Schedule:   []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, 30 * time.Minute, 60 * time.Minute},
	}
}

// Delay returns the backoff for an item that has failed retryCount times.
// Counts past the schedule reuse its last entry.
func (p RetryPolicy) Delay(retryCount int) time.Duration {
	if len(p.Schedule) == 0 {
		return time.Minute
	}
	if retryCount >= len(p.Schedule) {
		return p.Schedule[len(p.Schedule)-1]
	}
	return p.Schedule[retryCount]
}

// RetryQueue is the persistent queue of failed embedding jobs.
//
// Every item is attempted by at most one worker at a time: a worker must Claim
// an item (taking a lease) before attempting it, finish the attempt before the
// lease runs out, and report exactly one outcome with Ack or Fail. Outcomes
// are only accepted from the current lease owner; once another worker has
// claimed the item they return ErrLeaseLost and change nothing.
type RetryQueue interface {
	// Enqueue adds a first-time failure. Enqueueing an item id that is already
	// queued leaves the existing item untouched.
	Enqueue(ctx context.Context, payload models.EmbeddingPayload, cause error) (*models.RetryQueueItem, error)
	// DueItems lists items whose nextRetryAt <= now and hold no live lease
	DueItems(ctx context.Context, now time.Time, limit int) ([]models.RetryQueueItem, error)
	// Claim leases an item to owner. ErrLeaseHeld if another live lease exists.
	Claim(ctx context.Context, itemID, owner string, lease time.Duration) (*models.RetryQueueItem, error)
	// Ack removes a successfully processed item. Acking an absent item is a no-op.
	Ack(ctx context.Context, itemID, owner string) error
	// Fail records a failed attempt and reschedules the item, or dead-letters
	// it and returns a *DeadLetteredError once retries are exhausted
	Fail(ctx context.Context, itemID, owner string, cause error) (*models.RetryQueueItem, error)
	Depth(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// MemoryRetryQueue is an in-process RetryQueue for development and tests
type MemoryRetryQueue struct {
	mu          sync.Mutex
	items       map[string]*models.RetryQueueItem
	deadLetters []models.DeadLetter
	policy      RetryPolicy
	clock       clock.Clock
}

// NewMemoryRetryQueue creates an empty queue
func NewMemoryRetryQueue(policy RetryPolicy, clk clock.Clock) *MemoryRetryQueue {
	return &MemoryRetryQueue{
		items:  make(map[string]*models.RetryQueueItem),
		policy: policy,
		clock:  clk,
	}
}

// Enqueue adds payload keyed by its message id
func (q *MemoryRetryQueue) Enqueue(ctx context.Context, payload models.EmbeddingPayload, cause error) (*models.RetryQueueItem, error) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.items[payload.MessageID]; ok {
		item := *existing
		return &item, nil
	}

	item := &models.RetryQueueItem{
		ItemID:      payload.MessageID,
		Payload:     payload,
		LastError:   errorText(cause),
		RetryCount:  0,
		NextRetryAt: now.Add(q.policy.Delay(0)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	q.items[item.ItemID] = item
	out := *item
	return &out, nil
}

// DueItems returns due, unleased items ordered by nextRetryAt
func (q *MemoryRetryQueue) DueItems(ctx context.Context, now time.Time, limit int) ([]models.RetryQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []models.RetryQueueItem
	for _, item := range q.items {
		if !item.NextRetryAt.After(now) && !item.Leased(now) {
			due = append(due, *item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextRetryAt.Before(due[j].NextRetryAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Claim sets the lease when no live lease exists
func (q *MemoryRetryQueue) Claim(ctx context.Context, itemID, owner string, lease time.Duration) (*models.RetryQueueItem, error) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	if item.Leased(now) {
		return nil, ErrLeaseHeld
	}
	until := now.Add(lease)
	item.LeaseOwner = owner
	item.LeaseUntil = &until
	item.UpdatedAt = now

	out := *item
	return &out, nil
}

// Ack deletes the item if owner still holds it
func (q *MemoryRetryQueue) Ack(ctx context.Context, itemID, owner string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return nil
	}
	if owner == "" || item.LeaseOwner != owner {
		return ErrLeaseLost
	}
	delete(q.items, itemID)
	return nil
}

// Fail increments the retry count and reschedules or dead-letters the item
func (q *MemoryRetryQueue) Fail(ctx context.Context, itemID, owner string, cause error) (*models.RetryQueueItem, error) {
	now := q.clock.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	if owner == "" || item.LeaseOwner != owner {
		return nil, ErrLeaseLost
	}

	item.RetryCount++
	item.LastError = errorText(cause)
	item.LeaseOwner = ""
	item.LeaseUntil = nil
	item.UpdatedAt = now

	if item.RetryCount >= q.policy.MaxRetries {
		q.deadLetters = append(q.deadLetters, deadLetterFrom(item, now))
		delete(q.items, itemID)
		out := *item
		return &out, &DeadLetteredError{ItemID: itemID, RetryCount: item.RetryCount, LastError: item.LastError}
	}

	item.NextRetryAt = now.Add(q.policy.Delay(item.RetryCount))
	out := *item
	return &out, nil
}

// Depth returns the number of queued items
func (q *MemoryRetryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.items)), nil
}

// DeadLetters returns the most recent dead letters first
func (q *MemoryRetryQueue) DeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]models.DeadLetter, 0, len(q.deadLetters))
	for i := len(q.deadLetters) - 1; i >= 0; i-- {
		out = append(out, q.deadLetters[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func deadLetterFrom(item *models.RetryQueueItem, now time.Time) models.DeadLetter {
	return models.DeadLetter{
		ItemID:         item.ItemID,
		Payload:        item.Payload,
		LastError:      item.LastError,
		RetryCount:     item.RetryCount,
		CreatedAt:      item.CreatedAt,
		DeadLetteredAt: now,
	}
}
