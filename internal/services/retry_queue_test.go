package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/models"
)

var queueEpoch = time.Date(2026, 8, 3, 10, 0, 0, 0, time.UTC)

func testPayload(id string) models.EmbeddingPayload {
	return models.EmbeddingPayload{MessageID: id, ConversationID: "conv-1", Text: "hello " + id}
}

// failAttempt claims itemID and records one failed attempt
func failAttempt(ctx context.Context, queue *MemoryRetryQueue, itemID string, cause error) (*models.RetryQueueItem, error) {
	if _, err := queue.Claim(ctx, itemID, "worker", time.Minute); err != nil {
		return nil, err
	}
	return queue.Fail(ctx, itemID, "worker", cause)
}

func TestRetryQueue_EnqueueSchedulesFirstDelay(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	queue := NewMemoryRetryQueue(DefaultRetryPolicy(), clk)
	ctx := context.Background()

	item, err := queue.Enqueue(ctx, testPayload("m1"), errors.New("timeout"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.RetryCount != 0 {
		t.Errorf("Expected retryCount 0, got %d", item.RetryCount)
	}
	if !item.NextRetryAt.Equal(queueEpoch.Add(time.Minute)) {
		t.Errorf("Expected next retry at %v, got %v", queueEpoch.Add(time.Minute), item.NextRetryAt)
	}
	if item.LastError != "timeout" {
		t.Errorf("Expected last error 'timeout', got %q", item.LastError)
	}

	due, _ := queue.DueItems(ctx, queueEpoch, 0)
	if len(due) != 0 {
		t.Errorf("Expected no due items before the first delay, got %d", len(due))
	}
	due, _ = queue.DueItems(ctx, queueEpoch.Add(time.Minute), 0)
	if len(due) != 1 {
		t.Errorf("Expected the item due after the first delay, got %d", len(due))
	}
}

func TestRetryQueue_EnqueueIsIdempotent(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	queue := NewMemoryRetryQueue(DefaultRetryPolicy(), clk)
	ctx := context.Background()

	queue.Enqueue(ctx, testPayload("m1"), errors.New("first"))
	failAttempt(ctx, queue, "m1", errors.New("second"))

	clk.Advance(time.Hour)
	item, err := queue.Enqueue(ctx, testPayload("m1"), errors.New("again"))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if item.RetryCount != 1 || item.LastError != "second" {
		t.Errorf("Expected existing item untouched, got retryCount=%d lastError=%q", item.RetryCount, item.LastError)
	}
	if depth, _ := queue.Depth(ctx); depth != 1 {
		t.Errorf("Expected depth 1, got %d", depth)
	}
}

func TestRetryQueue_Exhaustion(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	policy := DefaultRetryPolicy()
	queue := NewMemoryRetryQueue(policy, clk)
	ctx := context.Background()

	queue.Enqueue(ctx, testPayload("m1"), errors.New("boom"))

	for i := 1; i <= 4; i++ {
		item, err := failAttempt(ctx, queue, "m1", errors.New("boom"))
		if err != nil {
			t.Fatalf("Fail %d: unexpected error %v", i, err)
		}
		if item.RetryCount != i {
			t.Errorf("Fail %d: expected retryCount %d, got %d", i, i, item.RetryCount)
		}
		if !item.NextRetryAt.Equal(clk.Now().Add(policy.Schedule[i])) {
			t.Errorf("Fail %d: expected backoff %v, got next retry at %v", i, policy.Schedule[i], item.NextRetryAt)
		}
	}

	// the fourth failure uses the fifth delay
	due, _ := queue.DueItems(ctx, clk.Now().Add(59*time.Minute), 0)
	if len(due) != 0 {
		t.Error("Expected item not due before the 60m backoff")
	}
	due, _ = queue.DueItems(ctx, clk.Now().Add(60*time.Minute), 0)
	if len(due) != 1 {
		t.Error("Expected item due after the 60m backoff")
	}

	_, err := failAttempt(ctx, queue, "m1", errors.New("final"))
	var dead *DeadLetteredError
	if !errors.As(err, &dead) {
		t.Fatalf("Expected DeadLetteredError on fifth failure, got %v", err)
	}
	if dead.RetryCount != 5 || dead.LastError != "final" {
		t.Errorf("Expected 5 retries with last error 'final', got %d %q", dead.RetryCount, dead.LastError)
	}

	due, _ = queue.DueItems(ctx, clk.Now().Add(24*time.Hour), 0)
	if len(due) != 0 {
		t.Errorf("Expected dead-lettered item absent from due items, got %d", len(due))
	}
	if depth, _ := queue.Depth(ctx); depth != 0 {
		t.Errorf("Expected empty queue, got depth %d", depth)
	}

	letters, _ := queue.DeadLetters(ctx, 10)
	if len(letters) != 1 || letters[0].ItemID != "m1" {
		t.Fatalf("Expected one dead letter for m1, got %+v", letters)
	}
	if letters[0].Payload.Text != "hello m1" {
		t.Errorf("Expected payload preserved, got %q", letters[0].Payload.Text)
	}

	if _, err := queue.Fail(ctx, "m1", "worker", errors.New("late")); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for removed item, got %v", err)
	}
}

func TestRetryQueue_ClaimIsExclusive(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	queue := NewMemoryRetryQueue(DefaultRetryPolicy(), clk)
	ctx := context.Background()
	queue.Enqueue(ctx, testPayload("m1"), nil)
	clk.Advance(time.Minute)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := queue.Claim(ctx, "m1", "worker", time.Minute); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, ErrLeaseHeld) {
				t.Errorf("Expected ErrLeaseHeld, got %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Expected exactly one claim to win, got %d", wins)
	}

	due, _ := queue.DueItems(ctx, clk.Now().Add(30*time.Second), 0)
	if len(due) != 0 {
		t.Error("Expected leased item hidden from due items")
	}
	due, _ = queue.DueItems(ctx, clk.Now().Add(time.Minute), 0)
	if len(due) != 1 {
		t.Error("Expected item due again once the lease ends")
	}

	// an expired lease can be reclaimed
	clk.Advance(2 * time.Minute)
	if _, err := queue.Claim(ctx, "m1", "other", time.Minute); err != nil {
		t.Errorf("Expected expired lease to be reclaimable, got %v", err)
	}
}

func TestRetryQueue_FailReleasesLease(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	queue := NewMemoryRetryQueue(DefaultRetryPolicy(), clk)
	ctx := context.Background()
	queue.Enqueue(ctx, testPayload("m1"), nil)

	queue.Claim(ctx, "m1", "worker", time.Hour)
	item, err := queue.Fail(ctx, "m1", "worker", errors.New("boom"))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if item.LeaseUntil != nil || item.LeaseOwner != "" {
		t.Error("Expected Fail to release the lease")
	}
	if _, err := queue.Claim(ctx, "missing", "worker", time.Minute); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestRetryQueue_AckRemoves(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	queue := NewMemoryRetryQueue(DefaultRetryPolicy(), clk)
	ctx := context.Background()
	queue.Enqueue(ctx, testPayload("m1"), nil)
	queue.Enqueue(ctx, testPayload("m2"), nil)

	queue.Claim(ctx, "m1", "worker", time.Minute)
	if err := queue.Ack(ctx, "m1", "worker"); err != nil {
		t.Fatalf("Ack failed: %v", err)
	}
	if err := queue.Ack(ctx, "m1", "worker"); err != nil {
		t.Errorf("Expected repeated Ack to be a no-op, got %v", err)
	}
	if err := queue.Ack(ctx, "m2", "worker"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost acking an unclaimed item, got %v", err)
	}
	if depth, _ := queue.Depth(ctx); depth != 1 {
		t.Errorf("Expected depth 1, got %d", depth)
	}
}

func TestRetryQueue_StaleOwnerCannotRecordOutcome(t *testing.T) {
	clk := clock.NewFake(queueEpoch)
	queue := NewMemoryRetryQueue(DefaultRetryPolicy(), clk)
	ctx := context.Background()
	queue.Enqueue(ctx, testPayload("m1"), nil)
	clk.Advance(time.Minute)

	if _, err := queue.Claim(ctx, "m1", "worker-a", 2*time.Minute); err != nil {
		t.Fatalf("Claim by worker-a failed: %v", err)
	}

	// worker-a overruns its lease and worker-b takes the item over
	clk.Advance(3 * time.Minute)
	if _, err := queue.Claim(ctx, "m1", "worker-b", 2*time.Minute); err != nil {
		t.Fatalf("Claim by worker-b failed: %v", err)
	}

	if _, err := queue.Fail(ctx, "m1", "worker-a", errors.New("late")); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for the stale Fail, got %v", err)
	}
	if err := queue.Ack(ctx, "m1", "worker-a"); !errors.Is(err, ErrLeaseLost) {
		t.Errorf("Expected ErrLeaseLost for the stale Ack, got %v", err)
	}

	// worker-b's lease is untouched, so nobody else can claim
	if _, err := queue.Claim(ctx, "m1", "worker-c", 2*time.Minute); !errors.Is(err, ErrLeaseHeld) {
		t.Errorf("Expected worker-b's lease to hold, got %v", err)
	}

	item, err := queue.Fail(ctx, "m1", "worker-b", errors.New("boom"))
	if err != nil {
		t.Fatalf("Fail by worker-b failed: %v", err)
	}
	if item.RetryCount != 1 {
		t.Errorf("Expected one recorded attempt, got retryCount %d", item.RetryCount)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.Delay(0) != time.Minute {
		t.Errorf("Expected 1m, got %v", policy.Delay(0))
	}
	if policy.Delay(4) != time.Hour {
		t.Errorf("Expected 60m, got %v", policy.Delay(4))
	}
	if policy.Delay(9) != time.Hour {
		t.Errorf("Expected schedule tail reuse, got %v", policy.Delay(9))
	}
}
