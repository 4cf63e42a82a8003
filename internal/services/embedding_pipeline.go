package services

import (
	"context"
	"fmt"

	"chatguard/internal/clock"
	"chatguard/internal/models"
)

// EmbeddingPipeline embeds messages and writes them to the vector index as
// one logical step. A message only counts as embedded once its vector is in
// the index and the message is marked; any failure fails the whole batch.
type EmbeddingPipeline struct {
	conversations ConversationStore
	embedder      Embedder
	index         VectorIndex
	clock         clock.Clock
	metrics       *Metrics
}

// NewEmbeddingPipeline creates the pipeline shared by the batch and retry jobs
func NewEmbeddingPipeline(conversations ConversationStore, embedder Embedder, index VectorIndex, clk clock.Clock, metrics *Metrics) *EmbeddingPipeline {
	return &EmbeddingPipeline{
		conversations: conversations,
		embedder:      embedder,
		index:         index,
		clock:         clk,
		metrics:       metrics,
	}
}

// Process embeds and indexes payloads. Upserts are keyed by message id, so
// repeating a partially applied batch is safe.
func (p *EmbeddingPipeline) Process(ctx context.Context, payloads []models.EmbeddingPayload) error {
	if len(payloads) == 0 {
		return nil
	}

	texts := make([]string, len(payloads))
	for i, payload := range payloads {
		texts[i] = payload.Text
	}

	embeddings, err := p.embedder.BatchEmbed(ctx, texts)
	if err != nil {
		return err
	}
	if len(embeddings) != len(payloads) {
		return &ProviderError{Provider: "embedder", Cause: fmt.Errorf("expected %d embeddings, got %d", len(payloads), len(embeddings))}
	}

	vectors := make([]models.Vector, len(payloads))
	ids := make([]string, len(payloads))
	for i, payload := range payloads {
		vectors[i] = models.Vector{
			ID:      payload.MessageID,
			Values:  embeddings[i],
			Content: payload.Text,
			Metadata: map[string]string{
				"conversation_id": payload.ConversationID,
				"message_id":      payload.MessageID,
			},
		}
		ids[i] = payload.MessageID
	}

	if err := p.index.Upsert(ctx, vectors); err != nil {
		return err
	}
	if err := p.conversations.MarkEmbedded(ctx, ids, p.clock.Now()); err != nil {
		return err
	}

	p.metrics.RecordEmbedded(len(payloads))
	return nil
}

// PayloadOf converts a message into the unit of work the pipeline and retry queue carry
func PayloadOf(msg models.Message) models.EmbeddingPayload {
	return models.EmbeddingPayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
	}
}
