package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatguard/internal/database"
	"chatguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoConversationStore reads conversations and messages from MongoDB
type MongoConversationStore struct {
	db            *database.MongoDB
	conversations *mongo.Collection
	messages      *mongo.Collection
}

// NewMongoConversationStore creates a store over the given database
func NewMongoConversationStore(db *database.MongoDB) *MongoConversationStore {
	return &MongoConversationStore{
		db:            db,
		conversations: db.Collection(database.CollectionConversations),
		messages:      db.Collection(database.CollectionMessages),
	}
}

// Get loads a conversation by id
func (s *MongoConversationStore) Get(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation: %w", err)
	}
	return &conv, nil
}

// ParticipantsOf returns only the participants field
func (s *MongoConversationStore) ParticipantsOf(ctx context.Context, conversationID string) ([]string, error) {
	var conv models.Conversation
	opts := options.FindOne().SetProjection(bson.M{"participants": 1})
	err := s.conversations.FindOne(ctx, bson.M{"_id": conversationID}, opts).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load participants: %w", err)
	}
	return conv.Participants, nil
}

// RecordCountOf returns the conversation's stored message count
func (s *MongoConversationStore) RecordCountOf(ctx context.Context, domainID string) (int, error) {
	var conv models.Conversation
	opts := options.FindOne().SetProjection(bson.M{"messageCount": 1})
	err := s.conversations.FindOne(ctx, bson.M{"_id": domainID}, opts).Decode(&conv)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load record count: %w", err)
	}
	return conv.MessageCount, nil
}

// RecentMessages returns the latest messages, oldest first
func (s *MongoConversationStore) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if _, err := s.ParticipantsOf(ctx, conversationID); err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	messages, err := s.find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// HasMessageFrom reports whether senderID wrote in the conversation
func (s *MongoConversationStore) HasMessageFrom(ctx context.Context, conversationID, senderID string) (bool, error) {
	n, err := s.messages.CountDocuments(ctx,
		bson.M{"conversationId": conversationID, "senderId": senderID},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("failed to query messages: %w", err)
	}
	return n > 0, nil
}

// UnembeddedMessages returns the oldest messages awaiting embedding
func (s *MongoConversationStore) UnembeddedMessages(ctx context.Context, limit int) ([]models.Message, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	return s.find(ctx, bson.M{"embedded": false, "embedDeferred": bson.M{"$ne": true}}, opts)
}

func (s *MongoConversationStore) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]models.Message, error) {
	cursor, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer cursor.Close(ctx)

	var messages []models.Message
	if err := cursor.All(ctx, &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

// MarkEmbedded flags the messages as indexed
func (s *MongoConversationStore) MarkEmbedded(ctx context.Context, messageIDs []string, at time.Time) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": messageIDs}},
		bson.M{"$set": bson.M{"embedded": true, "embeddedAt": at}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark messages embedded: %w", err)
	}
	return nil
}

// MarkDeferred flags the messages as handed to the retry queue
func (s *MongoConversationStore) MarkDeferred(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.messages.UpdateMany(ctx,
		bson.M{"_id": bson.M{"$in": messageIDs}},
		bson.M{"$set": bson.M{"embedDeferred": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark messages deferred: %w", err)
	}
	return nil
}

// CreateConversation inserts a conversation
func (s *MongoConversationStore) CreateConversation(ctx context.Context, conversation *models.Conversation) error {
	if _, err := s.conversations.InsertOne(ctx, conversation); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// AddMessage inserts msg and increments messageCount in one transaction.
// Re-adding a message id that already exists is a no-op.
func (s *MongoConversationStore) AddMessage(ctx context.Context, msg *models.Message) error {
	err := s.db.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		// a failed write aborts the transaction, so check for the duplicate first
		existing, err := s.messages.CountDocuments(sessCtx, bson.M{"_id": msg.ID})
		if err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		if _, err := s.messages.InsertOne(sessCtx, msg); err != nil {
			return err
		}
		res, err := s.conversations.UpdateOne(sessCtx,
			bson.M{"_id": msg.ConversationID},
			bson.M{
				"$inc": bson.M{"messageCount": 1},
				"$set": bson.M{"updatedAt": msg.CreatedAt},
			},
		)
		if err != nil {
			return err
		}
		if res.MatchedCount == 0 {
			return ErrNotFound
		}
		return nil
	})
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	return nil
}
