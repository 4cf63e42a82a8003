package jobs

import (
	"context"
	"fmt"

	"chatguard/internal/logging"
	"chatguard/internal/models"
	"chatguard/internal/services"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// EmbeddingBatchJob embeds messages that are not yet in the vector index.
// A failed batch is handed to the retry queue item by item; it never
// surfaces to the users whose messages are waiting.
type EmbeddingBatchJob struct {
	conversations services.ConversationStore
	pipeline      *services.EmbeddingPipeline
	queue         services.RetryQueue
	limiter       *rate.Limiter
	batchSize     int
	metrics       *services.Metrics
	log           *logrus.Entry
}

// NewEmbeddingBatchJob creates the batch job. limiter paces provider calls
// across this job and the retry sweep.
func NewEmbeddingBatchJob(conversations services.ConversationStore, pipeline *services.EmbeddingPipeline, queue services.RetryQueue, limiter *rate.Limiter, batchSize int, metrics *services.Metrics) *EmbeddingBatchJob {
	if batchSize <= 0 {
		batchSize = 64
	}
	return &EmbeddingBatchJob{
		conversations: conversations,
		pipeline:      pipeline,
		queue:         queue,
		limiter:       limiter,
		batchSize:     batchSize,
		metrics:       metrics,
		log:           logging.Component("embedding-batch"),
	}
}

// Run processes one batch
func (j *EmbeddingBatchJob) Run(ctx context.Context) error {
	messages, err := j.conversations.UnembeddedMessages(ctx, j.batchSize)
	if err != nil {
		return fmt.Errorf("failed to load unembedded messages: %w", err)
	}
	if len(messages) == 0 {
		return nil
	}

	payloads := make([]models.EmbeddingPayload, len(messages))
	for i, msg := range messages {
		payloads[i] = services.PayloadOf(msg)
	}

	if err := j.limiter.Wait(ctx); err != nil {
		return err
	}

	procErr := j.pipeline.Process(ctx, payloads)
	if procErr == nil {
		j.log.WithField("count", len(payloads)).Info("[EMBED-BATCH] Batch embedded")
		return nil
	}

	j.log.WithError(procErr).WithField("count", len(payloads)).Warn("[EMBED-BATCH] Batch failed, deferring to retry queue")
	return j.deferBatch(ctx, payloads, procErr)
}

// deferBatch enqueues every payload of a failed batch and marks the messages so
// later batches skip them
func (j *EmbeddingBatchJob) deferBatch(ctx context.Context, payloads []models.EmbeddingPayload, cause error) error {
	deferred := make([]string, 0, len(payloads))
	for _, payload := range payloads {
		if _, err := j.queue.Enqueue(ctx, payload, cause); err != nil {
			j.log.WithError(err).WithField("message_id", payload.MessageID).Error("[EMBED-BATCH] Failed to enqueue retry")
			continue
		}
		j.metrics.RecordRetryOutcome("enqueued")
		deferred = append(deferred, payload.MessageID)
	}

	if err := j.conversations.MarkDeferred(ctx, deferred); err != nil {
		return fmt.Errorf("failed to mark messages deferred: %w", err)
	}
	if len(deferred) < len(payloads) {
		return fmt.Errorf("enqueued %d of %d failed items", len(deferred), len(payloads))
	}
	return nil
}
