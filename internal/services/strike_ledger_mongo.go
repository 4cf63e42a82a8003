package services

import (
	"context"
	"errors"
	"fmt"

	"chatguard/internal/database"
	"chatguard/internal/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStrikeLedger stores reports in strike_reports and ban records on the
// users collection. The unique (userId, reportedBy, subjectId) index enforces
// dedup across instances.
type MongoStrikeLedger struct {
	mongoDB *database.MongoDB
	reports *mongo.Collection
	users   *mongo.Collection
}

// NewMongoStrikeLedger creates a ledger over the given database
func NewMongoStrikeLedger(db *database.MongoDB) *MongoStrikeLedger {
	return &MongoStrikeLedger{
		mongoDB: db,
		reports: db.Collection(database.CollectionStrikeReports),
		users:   db.Collection(database.CollectionUsers),
	}
}

// Append inserts report and reads the ledger back in one transaction. The
// transaction first bumps strikeSeq on the user document, so concurrent
// appends for the same user conflict and the driver replays the later one.
func (l *MongoStrikeLedger) Append(ctx context.Context, report *models.StrikeReport) (bool, []models.StrikeReport, error) {
	var (
		recorded bool
		reports  []models.StrikeReport
	)

	err := l.mongoDB.WithTransaction(ctx, func(sessCtx mongo.SessionContext) error {
		recorded, reports = false, nil

		_, err := l.users.UpdateOne(sessCtx,
			bson.M{"userId": report.UserID},
			bson.M{"$inc": bson.M{"strikeSeq": 1}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return err
		}

		// a failed insert aborts the transaction, so check for the duplicate first
		existing, err := l.reports.CountDocuments(sessCtx, bson.M{
			"userId":     report.UserID,
			"reportedBy": report.ReportedBy,
			"subjectId":  report.SubjectID,
		})
		if err != nil {
			return err
		}
		if existing == 0 {
			if _, err := l.reports.InsertOne(sessCtx, report); err != nil {
				return err
			}
			recorded = true
		}

		reports, err = l.list(sessCtx, report.UserID)
		return err
	})
	if err != nil {
		return false, nil, fmt.Errorf("failed to append strike report: %w", err)
	}
	return recorded, reports, nil
}

// List returns every report against userID, oldest first
func (l *MongoStrikeLedger) List(ctx context.Context, userID string) ([]models.StrikeReport, error) {
	return l.list(ctx, userID)
}

func (l *MongoStrikeLedger) list(ctx context.Context, userID string) ([]models.StrikeReport, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}})
	cursor, err := l.reports.Find(ctx, bson.M{"userId": userID}, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to list strike reports: %w", err)
	}
	defer cursor.Close(ctx)

	var reports []models.StrikeReport
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode strike reports: %w", err)
	}
	return reports, nil
}

// SaveBanRecord writes the ban fields onto the user document, creating it if
// needed. The filter only matches a document holding an older evaluation
// (see BanRecord.Supersedes); against a fresher one the upsert collides with
// the unique userId index and the write is dropped.
func (l *MongoStrikeLedger) SaveBanRecord(ctx context.Context, record *models.BanRecord) error {
	set := bson.M{
		"activeStrikes":     record.ActiveStrikes,
		"permanentlyBanned": record.PermanentlyBanned,
		"ledgerSize":        record.LedgerSize,
		"banUpdatedAt":      record.BanUpdatedAt,
	}
	update := bson.M{"$set": set}
	if record.TempBannedUntil != nil {
		set["tempBannedUntil"] = *record.TempBannedUntil
	} else {
		update["$unset"] = bson.M{"tempBannedUntil": ""}
	}

	filter := bson.M{
		"userId": record.UserID,
		"$or": bson.A{
			bson.M{"ledgerSize": bson.M{"$exists": false}},
			bson.M{"ledgerSize": bson.M{"$lt": record.LedgerSize}},
			bson.M{"ledgerSize": record.LedgerSize, "banUpdatedAt": bson.M{"$lte": record.BanUpdatedAt}},
		},
	}

	_, err := l.users.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	if mongo.IsDuplicateKeyError(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to save ban record: %w", err)
	}
	return nil
}

// GetBanRecord reads the ban fields of the user document
func (l *MongoStrikeLedger) GetBanRecord(ctx context.Context, userID string) (*models.BanRecord, error) {
	var record models.BanRecord
	err := l.users.FindOne(ctx, bson.M{"userId": userID}).Decode(&record)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load ban record: %w", err)
	}
	return &record, nil
}
