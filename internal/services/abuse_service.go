package services

import (
	"context"
	"fmt"
	"strings"

	"chatguard/internal/clock"
	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ReportResult is the outcome of one abuse report
type ReportResult struct {
	Recorded      bool                      `json:"recorded"` // false when the report duplicated an earlier one
	State         models.BanState           `json:"state"`
	Notifications []models.NotificationKind `json:"notifications,omitempty"`
}

// ReportSubjects resolves the conversation an abuse report is about
type ReportSubjects interface {
	// Get returns ErrNotFound for an unknown conversation
	Get(ctx context.Context, conversationID string) (*models.Conversation, error)
	HasMessageFrom(ctx context.Context, conversationID, senderID string) (bool, error)
}

// AbuseService is the single evaluation path for every kind of abuse report
// (DM spam, group and workspace invite spam, harassment)
type AbuseService struct {
	ledger   StrikeLedger
	subjects ReportSubjects
	bans     BanRecordStore
	policy   BanPolicy
	notifier Notifier
	clock    clock.Clock
	metrics  *Metrics
	log      *logrus.Entry
}

// NewAbuseService wires the ledger, ban record store and notifier around policy
func NewAbuseService(ledger StrikeLedger, bans BanRecordStore, subjects ReportSubjects, policy BanPolicy, notifier Notifier, clk clock.Clock, metrics *Metrics) *AbuseService {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &AbuseService{
		ledger:   ledger,
		subjects: subjects,
		bans:     bans,
		policy:   policy,
		notifier: notifier,
		clock:    clk,
		metrics:  metrics,
		log:      logging.Component("abuse"),
	}
}

// Report records a strike against userID and applies the ban policy.
//
// subjectID names the conversation the report is about. The reporter and the
// reported user must both take part in it, and the reported user must have
// started it or written in it; a reporter therefore strikes a user at most
// once per shared conversation.
//
// Each recorded report is classified against the ledger as it stood just
// before it, so concurrent reports each fire their own transition once.
// Repeating a report is safe: the duplicate is not counted and no
// notification fires.
func (s *AbuseService) Report(ctx context.Context, userID, reportedBy string, reason models.StrikeReason, subjectID string) (*ReportResult, error) {
	userID = strings.TrimSpace(userID)
	reportedBy = strings.TrimSpace(reportedBy)
	subjectID = strings.TrimSpace(subjectID)
	if userID == "" || reportedBy == "" {
		return nil, fmt.Errorf("%w: reported user and reporter are required", ErrInvalidReport)
	}
	if userID == reportedBy {
		return nil, fmt.Errorf("%w: users cannot report themselves", ErrInvalidReport)
	}
	if subjectID == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidReport)
	}
	if !reason.Valid() {
		return nil, fmt.Errorf("%w: unknown reason %q", ErrInvalidReport, reason)
	}
	if err := s.checkSubject(ctx, userID, reportedBy, subjectID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	log := s.log.WithFields(logrus.Fields{"user_id": userID, "reported_by": reportedBy, "reason": reason})

	report := &models.StrikeReport{
		ID:         uuid.New().String(),
		UserID:     userID,
		ReportedBy: reportedBy,
		Timestamp:  now,
		Reason:     reason,
		SubjectID:  subjectID,
	}
	recorded, ledger, err := s.ledger.Append(ctx, report)
	if err != nil {
		return nil, err
	}
	next := s.policy.Evaluate(ledger, now)
	if !recorded {
		log.Info("[ABUSE] Duplicate report ignored")
		return &ReportResult{Recorded: false, State: next}, nil
	}
	s.metrics.RecordStrike(string(reason))

	prev := s.policy.Evaluate(withoutReport(ledger, report.ID), now)

	record := banRecordFrom(userID, next)
	record.LedgerSize = len(ledger)
	if err := s.bans.SaveBanRecord(ctx, record); err != nil {
		return nil, err
	}

	kinds := s.policy.Classify(prev, next)
	for _, kind := range kinds {
		s.metrics.RecordBanNotification(string(kind))
		if err := s.notifier.Notify(ctx, userID, kind, next); err != nil {
			// the strike and ban fields are already committed
			log.WithError(err).WithField("kind", kind).Warn("[ABUSE] Failed to deliver notification")
		}
	}

	log.WithFields(logrus.Fields{
		"active_strikes": next.ActiveStrikes,
		"temp_banned":    next.IsTempBanned,
		"perm_banned":    next.IsPermanentlyBanned,
	}).Info("[ABUSE] Strike recorded")

	return &ReportResult{Recorded: true, State: next, Notifications: kinds}, nil
}

// checkSubject ties a report to a conversation both users share
func (s *AbuseService) checkSubject(ctx context.Context, userID, reportedBy, subjectID string) error {
	conv, err := s.subjects.Get(ctx, subjectID)
	if err != nil {
		return err
	}
	if !conv.HasParticipant(reportedBy) || !conv.HasParticipant(userID) {
		return ErrAccessDenied
	}
	if conv.CreatedBy == userID {
		return nil
	}
	wrote, err := s.subjects.HasMessageFrom(ctx, subjectID, userID)
	if err != nil {
		return err
	}
	if !wrote {
		return ErrAccessDenied
	}
	return nil
}

// State evaluates the user's current ban state from the ledger
func (s *AbuseService) State(ctx context.Context, userID string) (models.BanState, error) {
	reports, err := s.ledger.List(ctx, userID)
	if err != nil {
		return models.BanState{}, err
	}
	return s.policy.Evaluate(reports, s.clock.Now()), nil
}

// Enforce returns a *BannedError when userID may not act right now. It always
// re-reads the ledger rather than trusting the stored ban fields, so bans lift
// on time and decayed strikes stop counting without a write.
func (s *AbuseService) Enforce(ctx context.Context, userID string) error {
	state, err := s.State(ctx, userID)
	if err != nil {
		return fmt.Errorf("ban check failed: %w", err)
	}
	return s.policy.Blocking(state)
}

// Record returns the last persisted ban record of userID
func (s *AbuseService) Record(ctx context.Context, userID string) (*models.BanRecord, error) {
	return s.bans.GetBanRecord(ctx, userID)
}

// Reports returns the full ledger of userID, decayed reports included
func (s *AbuseService) Reports(ctx context.Context, userID string) ([]models.StrikeReport, error) {
	return s.ledger.List(ctx, userID)
}

func withoutReport(reports []models.StrikeReport, id string) []models.StrikeReport {
	out := make([]models.StrikeReport, 0, len(reports))
	for _, r := range reports {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return out
}

func banRecordFrom(userID string, state models.BanState) *models.BanRecord {
	record := &models.BanRecord{
		UserID:            userID,
		ActiveStrikes:     state.ActiveStrikes,
		PermanentlyBanned: state.IsPermanentlyBanned,
		BanUpdatedAt:      state.EvaluatedAt,
	}
	if state.IsTempBanned {
		until := *state.TempBanEndsAt
		record.TempBannedUntil = &until
	}
	return record
}
