package services

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/philippgille/chromem-go"
)

// VectorIndex stores message vectors for semantic search
type VectorIndex interface {
	Upsert(ctx context.Context, vectors []models.Vector) error
	// Query returns up to topK nearest vectors whose metadata matches every filter entry
	Query(ctx context.Context, vector []float32, filter map[string]string, topK int) ([]models.Match, error)
}

const messageCollection = "messages"

// ChromemIndex is an embedded VectorIndex backed by chromem-go. With a persist
// path every document is also written to disk and reloaded on start.
type ChromemIndex struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewChromemIndex opens the index, in memory when persistPath is empty
func NewChromemIndex(persistPath string) (*ChromemIndex, error) {
	log := logging.Component("vector-index")

	var db *chromem.DB
	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database: %w", err)
		}
		log.WithField("path", persistPath).Info("Opened persistent vector index")
	} else {
		db = chromem.NewDB()
		log.Info("Created in-memory vector index (no persistence)")
	}

	// vectors always arrive pre-computed from the Embedder
	precomputed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("vector index received text without an embedding")
	}

	collection, err := db.GetOrCreateCollection(messageCollection, nil, precomputed)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", messageCollection, err)
	}

	return &ChromemIndex{db: db, collection: collection}, nil
}

// Upsert adds or replaces documents by id
func (i *ChromemIndex) Upsert(ctx context.Context, vectors []models.Vector) error {
	if len(vectors) == 0 {
		return nil
	}

	docs := make([]chromem.Document, len(vectors))
	for n, v := range vectors {
		docs[n] = chromem.Document{
			ID:        v.ID,
			Content:   v.Content,
			Metadata:  v.Metadata,
			Embedding: v.Values,
		}
	}

	if err := i.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return &ProviderError{Provider: "vector_index", Cause: fmt.Errorf("failed to upsert documents: %w", err)}
	}
	return nil
}

// Query finds the nearest vectors, limited to documents matching filter
func (i *ChromemIndex) Query(ctx context.Context, vector []float32, filter map[string]string, topK int) ([]models.Match, error) {
	// chromem rejects nResults above the collection size
	if count := i.collection.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := i.collection.QueryEmbedding(ctx, vector, topK, filter, nil)
	if err != nil {
		return nil, &ProviderError{Provider: "vector_index", Cause: fmt.Errorf("search failed: %w", err)}
	}

	matches := make([]models.Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, models.Match{
			ID:       r.ID,
			Score:    r.Similarity,
			Content:  r.Content,
			Metadata: r.Metadata,
		})
	}
	return matches, nil
}

// Count returns the number of indexed documents
func (i *ChromemIndex) Count() int {
	return i.collection.Count()
}
