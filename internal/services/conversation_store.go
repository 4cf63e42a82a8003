package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatguard/internal/models"
)

// ConversationStore is the narrow view of chat data the governance layer needs
type ConversationStore interface {
	RecordCounter

	// Get returns ErrNotFound for an unknown conversation
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	ParticipantsOf(ctx context.Context, conversationID string) ([]string, error)
	// RecentMessages returns up to limit of the latest messages, oldest first
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	HasMessageFrom(ctx context.Context, conversationID, senderID string) (bool, error)

	// UnembeddedMessages returns up to limit messages neither embedded nor
	// deferred to the retry queue, oldest first
	UnembeddedMessages(ctx context.Context, limit int) ([]models.Message, error)
	MarkEmbedded(ctx context.Context, messageIDs []string, at time.Time) error
	MarkDeferred(ctx context.Context, messageIDs []string) error

	CreateConversation(ctx context.Context, conversation *models.Conversation) error
	// AddMessage stores msg and bumps the conversation's record count
	AddMessage(ctx context.Context, msg *models.Message) error
}

// MemoryConversationStore is an in-process ConversationStore for development and tests
type MemoryConversationStore struct {
	mu            sync.RWMutex
	conversations map[string]*models.Conversation
	messages      map[string]*models.Message
	order         []string // message ids in insertion order
}

// NewMemoryConversationStore creates an empty store
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string]*models.Message),
	}
}

// Get returns a copy of the conversation
func (s *MemoryConversationStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, ErrNotFound
	}
	out := *conv
	out.Participants = append([]string(nil), conv.Participants...)
	return &out, nil
}

// ParticipantsOf returns the conversation's participant ids
func (s *MemoryConversationStore) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return conv.Participants, nil
}

// RecordCountOf returns the conversation's message count
func (s *MemoryConversationStore) RecordCountOf(ctx context.Context, domainID string) (int, error) {
	conv, err := s.Get(ctx, domainID)
	if err != nil {
		return 0, err
	}
	return conv.MessageCount, nil
}

// RecentMessages returns the latest messages of the conversation
func (s *MemoryConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return nil, ErrNotFound
	}

	var out []models.Message
	for _, id := range s.order {
		if msg := s.messages[id]; msg.ConversationID == conversationID {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// HasMessageFrom reports whether senderID wrote in the conversation
func (s *MemoryConversationStore) HasMessageFrom(ctx context.Context, conversationID, senderID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, msg := range s.messages {
		if msg.ConversationID == conversationID && msg.SenderID == senderID {
			return true, nil
		}
	}
	return false, nil
}

// UnembeddedMessages returns the oldest messages still awaiting embedding
func (s *MemoryConversationStore) UnembeddedMessages(ctx context.Context, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []models.Message
	for _, id := range s.order {
		if msg := s.messages[id]; !msg.Embedded && !msg.EmbedDeferred {
			out = append(out, *msg)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkEmbedded flags the messages as indexed. Unknown ids are ignored.
func (s *MemoryConversationStore) MarkEmbedded(ctx context.Context, messageIDs []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range messageIDs {
		if msg, ok := s.messages[id]; ok {
			embeddedAt := at
			msg.Embedded = true
			msg.EmbeddedAt = &embeddedAt
		}
	}
	return nil
}

// MarkDeferred flags the messages as handed to the retry queue
func (s *MemoryConversationStore) MarkDeferred(ctx context.Context, messageIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range messageIDs {
		if msg, ok := s.messages[id]; ok {
			msg.EmbedDeferred = true
		}
	}
	return nil
}

// Message returns a copy of one message
func (s *MemoryConversationStore) Message(id string) (models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return models.Message{}, false
	}
	return *msg, true
}

// CreateConversation stores a new conversation
func (s *MemoryConversationStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *conversation
	stored.Participants = append([]string(nil), conversation.Participants...)
	s.conversations[conversation.ID] = &stored
	return nil
}

// AddMessage stores msg and increments the conversation's message count
func (s *MemoryConversationStore) AddMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[msg.ConversationID]
	if !ok {
		return ErrNotFound
	}
	if _, exists := s.messages[msg.ID]; exists {
		return nil
	}

	stored := *msg
	s.messages[msg.ID] = &stored
	s.order = append(s.order, msg.ID)
	conv.MessageCount++
	conv.UpdatedAt = msg.CreatedAt
	return nil
}
