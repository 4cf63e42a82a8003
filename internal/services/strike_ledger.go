package services

import (
	"context"
	"sort"
	"sync"

	"chatguard/internal/models"
)

// StrikeLedger is the append-only store of abuse reports.
//
// A reporter can strike a user only once per subject: appending a report with
// the same (user, reporter, subject) as an existing one is a no-op that
// returns false, so client retries never double count.
//
// Append also returns the user's ledger as of the append, oldest first.
// Appends for one user are serialized, so that snapshot holds every report
// committed before this one and none committed after it.
type StrikeLedger interface {
	Append(ctx context.Context, report *models.StrikeReport) (bool, []models.StrikeReport, error)
	// List returns every report against userID, oldest first, decayed ones included
	List(ctx context.Context, userID string) ([]models.StrikeReport, error)
}

// BanRecordStore persists the enforcement view of a user's ban state
type BanRecordStore interface {
	// SaveBanRecord keeps the stored record when it is at least as fresh as record
	SaveBanRecord(ctx context.Context, record *models.BanRecord) error
	// GetBanRecord returns nil without error for a user never evaluated
	GetBanRecord(ctx context.Context, userID string) (*models.BanRecord, error)
}

// MemoryStrikeLedger is an in-process StrikeLedger and BanRecordStore
type MemoryStrikeLedger struct {
	mu      sync.RWMutex
	reports map[string][]models.StrikeReport
	dedup   map[string]struct{}
	bans    map[string]models.BanRecord
}

// NewMemoryStrikeLedger creates an empty ledger
func NewMemoryStrikeLedger() *MemoryStrikeLedger {
	return &MemoryStrikeLedger{
		reports: make(map[string][]models.StrikeReport),
		dedup:   make(map[string]struct{}),
		bans:    make(map[string]models.BanRecord),
	}
}

func strikeDedupKey(r *models.StrikeReport) string {
	return r.UserID + "\x00" + r.ReportedBy + "\x00" + r.SubjectID
}

// Append stores report unless the reporter already struck this user for the
// subject, and returns the ledger snapshot taken under the same lock
func (l *MemoryStrikeLedger) Append(ctx context.Context, report *models.StrikeReport) (bool, []models.StrikeReport, error) {
	if err := ctx.Err(); err != nil {
		return false, nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := strikeDedupKey(report)
	if _, dup := l.dedup[key]; dup {
		return false, l.snapshot(report.UserID), nil
	}
	l.dedup[key] = struct{}{}
	l.reports[report.UserID] = append(l.reports[report.UserID], *report)
	return true, l.snapshot(report.UserID), nil
}

// List returns a copy of the user's reports sorted by timestamp
func (l *MemoryStrikeLedger) List(ctx context.Context, userID string) ([]models.StrikeReport, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.snapshot(userID), nil
}

// snapshot copies the user's reports in ledger order. Callers hold mu.
func (l *MemoryStrikeLedger) snapshot(userID string) []models.StrikeReport {
	out := append([]models.StrikeReport(nil), l.reports[userID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// SaveBanRecord upserts the user's ban record unless the stored one was
// evaluated from a newer ledger
func (l *MemoryStrikeLedger) SaveBanRecord(ctx context.Context, record *models.BanRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if current, ok := l.bans[record.UserID]; ok && !record.Supersedes(&current) {
		return nil
	}
	l.bans[record.UserID] = *record
	return nil
}

// GetBanRecord returns the user's ban record
func (l *MemoryStrikeLedger) GetBanRecord(ctx context.Context, userID string) (*models.BanRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	record, ok := l.bans[userID]
	if !ok {
		return nil, nil
	}
	return &record, nil
}
