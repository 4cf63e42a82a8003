package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/database"
	"chatguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoRetryQueue keeps queue items in retry_queue and exhausted ones in
// dead_letters. Claims are a single conditional findOneAndUpdate, so two
// workers can never both win the lease.
type MongoRetryQueue struct {
	db          *database.MongoDB
	items       *mongo.Collection
	deadLetters *mongo.Collection
	policy      RetryPolicy
	clock       clock.Clock
}

// NewMongoRetryQueue creates a queue over the given database
func NewMongoRetryQueue(db *database.MongoDB, policy RetryPolicy, clk clock.Clock) *MongoRetryQueue {
	return &MongoRetryQueue{
		db:          db,
		items:       db.Collection(database.CollectionRetryQueue),
		deadLetters: db.Collection(database.CollectionDeadLetters),
		policy:      policy,
		clock:       clk,
	}
}

// noLiveLease matches items whose lease is absent or expired at now
func noLiveLease(now time.Time) bson.M {
	return bson.M{"$or": bson.A{
		bson.M{"leaseUntil": bson.M{"$exists": false}},
		bson.M{"leaseUntil": nil},
		bson.M{"leaseUntil": bson.M{"$lte": now}},
	}}
}

// Enqueue upserts the item with $setOnInsert so an existing item is left as is
func (q *MongoRetryQueue) Enqueue(ctx context.Context, payload models.EmbeddingPayload, cause error) (*models.RetryQueueItem, error) {
	now := q.clock.Now()
	item := models.RetryQueueItem{
		ItemID:      payload.MessageID,
		Payload:     payload,
		LastError:   errorText(cause),
		RetryCount:  0,
		NextRetryAt: now.Add(q.policy.Delay(0)),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	var stored models.RetryQueueItem
	err := q.items.FindOneAndUpdate(ctx,
		bson.M{"_id": item.ItemID},
		bson.M{"$setOnInsert": bson.M{
			"payload":     item.Payload,
			"lastError":   item.LastError,
			"retryCount":  item.RetryCount,
			"nextRetryAt": item.NextRetryAt,
			"createdAt":   item.CreatedAt,
			"updatedAt":   item.UpdatedAt,
		}},
		opts,
	).Decode(&stored)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue retry item: %w", err)
	}
	return &stored, nil
}

// DueItems returns due, unleased items ordered by nextRetryAt
func (q *MongoRetryQueue) DueItems(ctx context.Context, now time.Time, limit int) ([]models.RetryQueueItem, error) {
	filter := bson.M{"$and": bson.A{
		bson.M{"nextRetryAt": bson.M{"$lte": now}},
		noLiveLease(now),
	}}
	opts := options.Find().SetSort(bson.D{{Key: "nextRetryAt", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := q.items.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query due items: %w", err)
	}
	defer cursor.Close(ctx)

	var items []models.RetryQueueItem
	if err := cursor.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("failed to decode due items: %w", err)
	}
	return items, nil
}

// Claim takes the lease only if no live lease exists
func (q *MongoRetryQueue) Claim(ctx context.Context, itemID, owner string, lease time.Duration) (*models.RetryQueueItem, error) {
	now := q.clock.Now()
	filter := bson.M{"$and": bson.A{
		bson.M{"_id": itemID},
		noLiveLease(now),
	}}
	update := bson.M{"$set": bson.M{
		"leaseOwner": owner,
		"leaseUntil": now.Add(lease),
		"updatedAt":  now,
	}}

	var item models.RetryQueueItem
	err := q.items.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&item)
	if errors.Is(err, mongo.ErrNoDocuments) {
		count, countErr := q.items.CountDocuments(ctx, bson.M{"_id": itemID})
		if countErr != nil {
			return nil, fmt.Errorf("failed to check retry item: %w", countErr)
		}
		if count == 0 {
			return nil, ErrNotFound
		}
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim retry item: %w", err)
	}
	return &item, nil
}

// Ack deletes the item if owner still holds it
func (q *MongoRetryQueue) Ack(ctx context.Context, itemID, owner string) error {
	if owner == "" {
		return ErrLeaseLost
	}
	res, err := q.items.DeleteOne(ctx, bson.M{"_id": itemID, "leaseOwner": owner})
	if err != nil {
		return fmt.Errorf("failed to ack retry item: %w", err)
	}
	if res.DeletedCount > 0 {
		return nil
	}

	count, err := q.items.CountDocuments(ctx, bson.M{"_id": itemID})
	if err != nil {
		return fmt.Errorf("failed to check retry item: %w", err)
	}
	if count > 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail reschedules or dead-letters the item in one transaction so the item
// is never both queued and dead-lettered
func (q *MongoRetryQueue) Fail(ctx context.Context, itemID, owner string, cause error) (*models.RetryQueueItem, error) {
	now := q.clock.Now()
	var result models.RetryQueueItem
	var deadLettered bool

	err := q.db.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		deadLettered = false

		var item models.RetryQueueItem
		if err := q.items.FindOne(sessCtx, bson.M{"_id": itemID}).Decode(&item); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return ErrNotFound
			}
			return err
		}
		if owner == "" || item.LeaseOwner != owner {
			return ErrLeaseLost
		}

		item.RetryCount++
		item.LastError = errorText(cause)
		item.LeaseOwner = ""
		item.LeaseUntil = nil
		item.UpdatedAt = now

		if item.RetryCount >= q.policy.MaxRetries {
			letter := deadLetterFrom(&item, now)
			if _, err := q.deadLetters.ReplaceOne(sessCtx, bson.M{"_id": itemID}, letter, options.Replace().SetUpsert(true)); err != nil {
				return err
			}
			if _, err := q.items.DeleteOne(sessCtx, bson.M{"_id": itemID, "leaseOwner": owner}); err != nil {
				return err
			}
			deadLettered = true
			result = item
			return nil
		}

		item.NextRetryAt = now.Add(q.policy.Delay(item.RetryCount))
		if _, err := q.items.ReplaceOne(sessCtx, bson.M{"_id": itemID, "leaseOwner": owner}, item); err != nil {
			return err
		}
		result = item
		return nil
	})
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrLeaseLost) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record retry failure: %w", err)
	}

	if deadLettered {
		return &result, &DeadLetteredError{ItemID: itemID, RetryCount: result.RetryCount, LastError: result.LastError}
	}
	return &result, nil
}

// Depth counts queued items
func (q *MongoRetryQueue) Depth(ctx context.Context) (int64, error) {
	count, err := q.items.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("failed to count retry queue: %w", err)
	}
	return count, nil
}

// DeadLetters returns the most recent dead letters first
func (q *MongoRetryQueue) DeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	opts := options.Find().SetSort(bson.D{{Key: "deadLetteredAt", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := q.deadLetters.Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var letters []models.DeadLetter
	if err := cursor.All(ctx, &letters); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}
	return letters, nil
}
