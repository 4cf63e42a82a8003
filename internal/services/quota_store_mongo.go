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

// MongoQuotaStore keeps usage counters in MongoDB and serializes updates with
// a multi-document session transaction. Concurrent transactions on the same
// counter surface as write conflicts, which the driver retries.
type MongoQuotaStore struct {
	mongoDB    *database.MongoDB
	collection *mongo.Collection
}

// usageCounterDoc adds the composite _id to the counter document
type usageCounterDoc struct {
	ID                  string `bson:"_id"`
	models.UsageCounter `bson:",inline"`
}

// NewMongoQuotaStore creates a quota store over the usage_counters collection
func NewMongoQuotaStore(mongoDB *database.MongoDB) *MongoQuotaStore {
	return &MongoQuotaStore{
		mongoDB:    mongoDB,
		collection: mongoDB.Collection(database.CollectionUsageCounters),
	}
}

// Apply loads, mutates and writes back the counter inside one transaction
func (s *MongoQuotaStore) Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error) {
	id := quotaKey(userID, month)
	var result *models.UsageCounter

	err := s.mongoDB.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		var doc usageCounterDoc
		err := s.collection.FindOne(sessCtx, bson.M{"_id": id}).Decode(&doc)
		working := &doc.UsageCounter
		switch {
		case errors.Is(err, mongo.ErrNoDocuments):
			working = models.NewUsageCounter(userID, month, now)
		case err != nil:
			return fmt.Errorf("failed to load usage counter: %w", err)
		}
		if working.Features == nil {
			working.Features = map[string]int{}
		}

		if !fn(working) {
			result = working.Clone()
			return nil
		}

		working.UpdatedAt = now
		_, err = s.collection.ReplaceOne(sessCtx,
			bson.M{"_id": id},
			usageCounterDoc{ID: id, UsageCounter: *working},
			options.Replace().SetUpsert(true),
		)
		if err != nil {
			return fmt.Errorf("failed to write usage counter: %w", err)
		}
		result = working.Clone()
		return nil
	})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) || isMongoWriteConflict(err) {
			return nil, fmt.Errorf("%w: %v", ErrContention, err)
		}
		return nil, err
	}
	return result, nil
}

// Get reads the counter outside of any transaction
func (s *MongoQuotaStore) Get(ctx context.Context, userID, month string) (*models.UsageCounter, error) {
	var doc usageCounterDoc
	err := s.collection.FindOne(ctx, bson.M{"_id": quotaKey(userID, month)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage counter: %w", err)
	}
	return doc.UsageCounter.Clone(), nil
}

// isMongoWriteConflict detects a transaction that gave up after repeated write conflicts
func isMongoWriteConflict(err error) bool {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr.HasErrorLabel("TransientTransactionError") || cmdErr.Code == 112
	}
	return false
}
