package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chatguard/internal/database"
	"chatguard/internal/models"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLQuotaStore keeps usage counters in a relational table. On MySQL the row
// is locked with SELECT ... FOR UPDATE; on SQLite the transaction takes the
// database write lock when it begins.
type SQLQuotaStore struct {
	db *database.DB
}

// NewSQLQuotaStore creates a quota store over the usage_counters table
func NewSQLQuotaStore(db *database.DB) *SQLQuotaStore {
	return &SQLQuotaStore{db: db}
}

// Apply runs fn inside a single SQL transaction holding the counter row lock
func (s *SQLQuotaStore) Apply(ctx context.Context, userID, month string, now time.Time, fn QuotaMutator) (*models.UsageCounter, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, s.classify(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	query := `SELECT total_actions, actions_this_hour, features, hour_window_start_ms, updated_at_ms
		FROM usage_counters WHERE user_id = ? AND month = ?`
	if s.db.Dialect == database.DialectMySQL {
		query += " FOR UPDATE"
	}

	working, err := scanCounter(tx.QueryRowContext(ctx, query, userID, month), userID, month)
	if err != nil {
		return nil, s.classify(err)
	}
	exists := working != nil
	if !exists {
		working = models.NewUsageCounter(userID, month, now)
	}

	if !fn(working) {
		return working, nil
	}
	working.UpdatedAt = now

	features, err := json.Marshal(working.Features)
	if err != nil {
		return nil, fmt.Errorf("failed to encode feature counters: %w", err)
	}

	if exists {
		_, err = tx.ExecContext(ctx, `UPDATE usage_counters
			SET total_actions = ?, actions_this_hour = ?, features = ?, hour_window_start_ms = ?, updated_at_ms = ?
			WHERE user_id = ? AND month = ?`,
			working.TotalActions, working.ActionsThisHour, string(features),
			working.HourWindowStart.UnixMilli(), working.UpdatedAt.UnixMilli(), userID, month)
	} else {
		_, err = tx.ExecContext(ctx, `INSERT INTO usage_counters
			(user_id, month, total_actions, actions_this_hour, features, hour_window_start_ms, updated_at_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			userID, month, working.TotalActions, working.ActionsThisHour, string(features),
			working.HourWindowStart.UnixMilli(), working.UpdatedAt.UnixMilli())
	}
	if err != nil {
		return nil, s.classify(fmt.Errorf("failed to write usage counter: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, s.classify(fmt.Errorf("failed to commit usage counter: %w", err))
	}
	return working, nil
}

// Get reads the counter without locking
func (s *SQLQuotaStore) Get(ctx context.Context, userID, month string) (*models.UsageCounter, error) {
	row := s.db.QueryRowContext(ctx, `SELECT total_actions, actions_this_hour, features, hour_window_start_ms, updated_at_ms
		FROM usage_counters WHERE user_id = ? AND month = ?`, userID, month)
	return scanCounter(row, userID, month)
}

func scanCounter(row *sql.Row, userID, month string) (*models.UsageCounter, error) {
	var (
		counter        = models.UsageCounter{UserID: userID, Month: month}
		features       string
		windowStartMs  int64
		updatedAtMilli int64
	)
	err := row.Scan(&counter.TotalActions, &counter.ActionsThisHour, &features, &windowStartMs, &updatedAtMilli)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load usage counter: %w", err)
	}

	counter.Features = map[string]int{}
	if features != "" {
		if err := json.Unmarshal([]byte(features), &counter.Features); err != nil {
			return nil, fmt.Errorf("failed to decode feature counters: %w", err)
		}
	}
	counter.HourWindowStart = time.UnixMilli(windowStartMs).UTC()
	counter.UpdatedAt = time.UnixMilli(updatedAtMilli).UTC()
	return &counter, nil
}

// classify maps lock and duplicate-key failures to ErrContention
func (s *SQLQuotaStore) classify(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1062, 1205, 1213: // duplicate entry, lock wait timeout, deadlock
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
		if liteErr.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY {
			return fmt.Errorf("%w: %v", ErrContention, err)
		}
	}
	return err
}
