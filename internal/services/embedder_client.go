package services

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"
)

// Embedder turns texts into vectors. The result is index-aligned with texts.
type Embedder interface {
	BatchEmbed(ctx context.Context, texts []string) ([][]float32, error)
}

// OpenAIEmbedder calls /embeddings on an OpenAI-compatible API
type OpenAIEmbedder struct {
	config  ProviderClientConfig
	client  *http.Client
	metrics *Metrics
}

// NewOpenAIEmbedder creates an embedding client with a bounded request timeout
func NewOpenAIEmbedder(config ProviderClientConfig, metrics *Metrics) *OpenAIEmbedder {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		metrics: metrics,
	}
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

// BatchEmbed embeds all texts in a single request
func (e *OpenAIEmbedder) BatchEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	requestBody := map[string]interface{}{
		"model": e.config.Model,
		"input": texts,
	}

	var response embeddingResponse
	if err := postProviderJSON(ctx, e.client, e.metrics, "embedder", e.config.BaseURL+"/embeddings", e.config.APIKey, requestBody, &response); err != nil {
		return nil, err
	}

	if len(response.Data) != len(texts) {
		return nil, &ProviderError{
			Provider: "embedder",
			Cause:    fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Data)),
		}
	}

	sort.Slice(response.Data, func(i, j int) bool { return response.Data[i].Index < response.Data[j].Index })
	vectors := make([][]float32, len(response.Data))
	for i, d := range response.Data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}
