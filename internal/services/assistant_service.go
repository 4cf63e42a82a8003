package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/sirupsen/logrus"
)

// CachePolicySource resolves the freshness policy of a feature
type CachePolicySource interface {
	Get(feature string) models.CachePolicy
}

// Summary is the structured output of the summary feature
type Summary struct {
	Summary   string   `json:"summary" jsonschema:"description=Two to four sentence summary of the conversation"`
	KeyPoints []string `json:"key_points" jsonschema:"description=Most important points or decisions"`
}

// ActionItem is one follow-up extracted from a conversation
type ActionItem struct {
	Description string `json:"description" jsonschema:"description=What needs to be done"`
	Assignee    string `json:"assignee" jsonschema:"description=Who should do it or empty if unclear"`
	Due         string `json:"due" jsonschema:"description=Deadline as stated in the conversation or empty"`
}

// ActionItems is the structured output of the action items feature
type ActionItems struct {
	Items []ActionItem `json:"items"`
}

// SearchResults is the output of semantic search over one conversation
type SearchResults struct {
	Query   string         `json:"query"`
	Matches []models.Match `json:"matches"`
}

// AssistantResult wraps a feature output with how it was produced
type AssistantResult[T any] struct {
	ConversationID string `json:"conversation_id"`
	Feature        string `json:"feature"`
	Cached         bool   `json:"cached"`
	Output         T      `json:"output"`
}

// AssistantConfig bounds the prompts built for the LLM
type AssistantConfig struct {
	TranscriptMessages int // messages included in prompts
	MaxTokens          int
	SearchTopK         int
}

// DefaultAssistantConfig returns the production defaults
func DefaultAssistantConfig() AssistantConfig {
	return AssistantConfig{TranscriptMessages: 200, MaxTokens: 800, SearchTopK: 10}
}

// AssistantService runs the AI features. Every call checks membership, then
// the quota, then the result cache, and only calls a provider on a miss.
type AssistantService struct {
	conversations ConversationStore
	limiter       *RateLimiter
	cache         *CacheValidator
	policies      CachePolicySource
	llm           LLMClient
	embedder      Embedder
	index         VectorIndex
	config        AssistantConfig
	log           *logrus.Entry
}

// NewAssistantService wires the AI features
func NewAssistantService(
	conversations ConversationStore,
	limiter *RateLimiter,
	cache *CacheValidator,
	policies CachePolicySource,
	llm LLMClient,
	embedder Embedder,
	index VectorIndex,
	config AssistantConfig,
) *AssistantService {
	return &AssistantService{
		conversations: conversations,
		limiter:       limiter,
		cache:         cache,
		policies:      policies,
		llm:           llm,
		embedder:      embedder,
		index:         index,
		config:        config,
		log:           logging.Component("assistant"),
	}
}

// Authorize returns ErrNotFound for an unknown conversation and
// ErrAccessDenied when userID does not participate in it
func (s *AssistantService) Authorize(ctx context.Context, userID, conversationID string) error {
	participants, err := s.conversations.ParticipantsOf(ctx, conversationID)
	if err != nil {
		return err
	}
	for _, p := range participants {
		if p == userID {
			return nil
		}
	}
	return ErrAccessDenied
}

// Summarize returns a summary of the conversation
func (s *AssistantService) Summarize(ctx context.Context, userID, conversationID string) (*AssistantResult[Summary], error) {
	return runCached(ctx, s, userID, conversationID, models.FeatureSummary, CacheKey(models.FeatureSummary, conversationID),
		func(ctx context.Context) (Summary, error) {
			var out Summary
			prompt, err := s.transcriptPrompt(ctx, conversationID,
				"Summarize the following conversation. Keep the summary factual and neutral.")
			if err != nil {
				return out, err
			}
			err = s.llm.CompleteStructured(ctx, prompt, s.config.MaxTokens, &out)
			return out, err
		})
}

// ActionItems extracts follow-up tasks from the conversation
func (s *AssistantService) ActionItems(ctx context.Context, userID, conversationID string) (*AssistantResult[ActionItems], error) {
	return runCached(ctx, s, userID, conversationID, models.FeatureActionItems, CacheKey(models.FeatureActionItems, conversationID),
		func(ctx context.Context) (ActionItems, error) {
			var out ActionItems
			prompt, err := s.transcriptPrompt(ctx, conversationID,
				"List the action items agreed or requested in the following conversation. Return an empty list if there are none.")
			if err != nil {
				return out, err
			}
			err = s.llm.CompleteStructured(ctx, prompt, s.config.MaxTokens, &out)
			if out.Items == nil {
				out.Items = []ActionItem{}
			}
			return out, err
		})
}

// Search finds the messages of the conversation closest in meaning to query
func (s *AssistantService) Search(ctx context.Context, userID, conversationID, query string) (*AssistantResult[SearchResults], error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidRequest)
	}

	sum := sha256.Sum256([]byte(strings.ToLower(query)))
	key := CacheKey(models.FeatureSearch, conversationID, hex.EncodeToString(sum[:8]))

	return runCached(ctx, s, userID, conversationID, models.FeatureSearch, key,
		func(ctx context.Context) (SearchResults, error) {
			out := SearchResults{Query: query, Matches: []models.Match{}}
			vectors, err := s.embedder.BatchEmbed(ctx, []string{query})
			if err != nil {
				return out, err
			}
			if len(vectors) != 1 {
				return out, &ProviderError{Provider: "embedder", Cause: fmt.Errorf("expected 1 embedding, got %d", len(vectors))}
			}
			matches, err := s.index.Query(ctx, vectors[0], map[string]string{"conversation_id": conversationID}, s.config.SearchTopK)
			if err != nil {
				return out, err
			}
			if matches != nil {
				out.Matches = matches
			}
			return out, nil
		})
}

// runCached is the shared request path of every AI feature
func runCached[T any](ctx context.Context, s *AssistantService, userID, conversationID, feature, key string, generate func(context.Context) (T, error)) (*AssistantResult[T], error) {
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "conversation_id": conversationID, "feature": feature})

	if err := s.Authorize(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	if _, err := s.limiter.Admit(ctx, userID, feature); err != nil {
		return nil, err
	}

	result := &AssistantResult[T]{ConversationID: conversationID, Feature: feature}
	policy := s.policies.Get(feature)

	payload, hit, err := s.cache.Lookup(ctx, key, conversationID, policy)
	if err != nil {
		// a broken cache must not block the feature
		log.WithError(err).Warn("[ASSISTANT] Cache lookup failed, generating fresh result")
	}
	if hit {
		if err := json.Unmarshal(payload, &result.Output); err == nil {
			result.Cached = true
			return result, nil
		}
		log.Warn("[ASSISTANT] Cached payload undecodable, regenerating")
	}

	// read before generating so messages arriving meanwhile count as drift
	recordCount, err := s.conversations.RecordCountOf(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	output, err := generate(ctx)
	if err != nil {
		log.WithError(err).Error("[ASSISTANT] Provider call failed")
		return nil, err
	}
	result.Output = output

	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s result: %w", feature, err)
	}
	if err := s.cache.Store(ctx, key, data, recordCount, policy); err != nil {
		log.WithError(err).Warn("[ASSISTANT] Failed to cache result")
	}
	return result, nil
}

func (s *AssistantService) transcriptPrompt(ctx context.Context, conversationID, instruction string) (string, error) {
	messages, err := s.conversations.RecentMessages(ctx, conversationID, s.config.TranscriptMessages)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(instruction)
	b.WriteString("\n\nCONVERSATION:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.Format("2006-01-02 15:04"), m.SenderID, m.Text)
	}
	return b.String(), nil
}
