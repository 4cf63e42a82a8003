package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/logging"
	"chatguard/internal/models"
	"chatguard/internal/services"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// RetrySweepJob gives every due retry item exactly one more attempt. Items are
// claimed with a lease first, so sweeps on several instances never process
// the same item at once.
type RetrySweepJob struct {
	queue    services.RetryQueue
	pipeline *services.EmbeddingPipeline
	limiter  *rate.Limiter
	clock    clock.Clock
	owner    string
	lease    time.Duration
	workers  int
	batch    int
	metrics  *services.Metrics
	log      *logrus.Entry
}

// RetrySweepConfig tunes the sweep
type RetrySweepConfig struct {
	Lease   time.Duration
	Workers int // items attempted concurrently
	Batch   int // due items pulled per run
}

// NewRetrySweepJob creates the sweep with a unique lease owner id
func NewRetrySweepJob(queue services.RetryQueue, pipeline *services.EmbeddingPipeline, limiter *rate.Limiter, clk clock.Clock, config RetrySweepConfig, metrics *services.Metrics) *RetrySweepJob {
	if config.Lease <= 0 {
		config.Lease = 2 * time.Minute
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.Batch <= 0 {
		config.Batch = 100
	}
	return &RetrySweepJob{
		queue:    queue,
		pipeline: pipeline,
		limiter:  limiter,
		clock:    clk,
		owner:    "sweep-" + uuid.New().String(),
		lease:    config.Lease,
		workers:  config.Workers,
		batch:    config.Batch,
		metrics:  metrics,
		log:      logging.Component("retry-sweep"),
	}
}

// Run attempts all currently due items
func (j *RetrySweepJob) Run(ctx context.Context) error {
	due, err := j.queue.DueItems(ctx, j.clock.Now(), j.batch)
	if err != nil {
		return fmt.Errorf("failed to load due items: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(j.workers)
	for _, item := range due {
		g.Go(func() error {
			j.attempt(ctx, item)
			return nil
		})
	}
	g.Wait()

	j.log.WithField("count", len(due)).Info("[RETRY-QUEUE] Sweep finished")
	return nil
}

// attempt claims one item, runs it once and records exactly one outcome.
// The attempt is cut off before the lease ends, so no other worker can claim
// the item while it is still being processed.
func (j *RetrySweepJob) attempt(ctx context.Context, item models.RetryQueueItem) {
	log := j.log.WithFields(logrus.Fields{"item_id": item.ItemID, "retry_count": item.RetryCount})

	// pace before claiming so waiting never eats into the lease
	if err := j.limiter.Wait(ctx); err != nil {
		return
	}

	claimed, err := j.queue.Claim(ctx, item.ItemID, j.owner, j.lease)
	if err != nil {
		if errors.Is(err, services.ErrLeaseHeld) || errors.Is(err, services.ErrNotFound) {
			log.Debug("[RETRY-QUEUE] Item taken by another worker")
			return
		}
		log.WithError(err).Warn("[RETRY-QUEUE] Claim failed")
		return
	}

	budget := claimed.LeaseUntil.Sub(j.clock.Now()) - leaseMargin(j.lease)
	if budget <= 0 {
		return
	}
	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	procErr := j.pipeline.Process(attemptCtx, []models.EmbeddingPayload{item.Payload})
	if procErr == nil {
		err := j.queue.Ack(ctx, item.ItemID, j.owner)
		if errors.Is(err, services.ErrLeaseLost) {
			log.Warn("[RETRY-QUEUE] Lease lost before ack, outcome discarded")
			return
		}
		if err != nil {
			log.WithError(err).Error("[RETRY-QUEUE] Ack failed")
			return
		}
		j.metrics.RecordRetryOutcome("acked")
		log.Info("[RETRY-QUEUE] Item embedded")
		return
	}

	updated, err := j.queue.Fail(ctx, item.ItemID, j.owner, procErr)
	var dead *services.DeadLetteredError
	switch {
	case errors.As(err, &dead):
		j.metrics.RecordRetryOutcome("dead_lettered")
		log.WithError(procErr).WithField("attempts", dead.RetryCount).Error("[RETRY-QUEUE] Item dead-lettered, requires operator attention")
	case errors.Is(err, services.ErrLeaseLost):
		log.WithError(procErr).Warn("[RETRY-QUEUE] Lease lost before failure was recorded, outcome discarded")
	case err != nil:
		log.WithError(err).Error("[RETRY-QUEUE] Failed to record failure")
	default:
		j.metrics.RecordRetryOutcome("rescheduled")
		log.WithError(procErr).WithField("next_retry_at", updated.NextRetryAt).Warn("[RETRY-QUEUE] Attempt failed, rescheduled")
	}
}

// leaseMargin is the slack left between an attempt's deadline and its lease
// expiry for recording the outcome
func leaseMargin(lease time.Duration) time.Duration {
	margin := lease / 10
	if margin > 10*time.Second {
		margin = 10 * time.Second
	}
	return margin
}
