package models

import "time"

// StrikeReason tags why a user was reported
type StrikeReason string

const (
	StrikeReasonDMSpam              StrikeReason = "dm_spam"
	StrikeReasonGroupInviteSpam     StrikeReason = "group_invite_spam"
	StrikeReasonWorkspaceInviteSpam StrikeReason = "workspace_invite_spam"
	StrikeReasonHarassment          StrikeReason = "harassment"
	StrikeReasonOther               StrikeReason = "other"
)

// Valid reports whether r is a known reason
func (r StrikeReason) Valid() bool {
	switch r {
	case StrikeReasonDMSpam, StrikeReasonGroupInviteSpam, StrikeReasonWorkspaceInviteSpam,
		StrikeReasonHarassment, StrikeReasonOther:
		return true
	}
	return false
}

// StrikeReport is one abuse report against a user. Reports are immutable and
// never deleted; decay is computed at evaluation time.
type StrikeReport struct {
	ID         string       `bson:"_id" json:"id"`
	UserID     string       `bson:"userId" json:"user_id"` // reported user
	ReportedBy string       `bson:"reportedBy" json:"reported_by"`
	Timestamp  time.Time    `bson:"timestamp" json:"timestamp"`
	Reason     StrikeReason `bson:"reason" json:"reason"`
	SubjectID  string       `bson:"subjectId" json:"subject_id"` // conversation or workspace
}

// BanState is derived from a ledger snapshot; it is never stored on its own
type BanState struct {
	ActiveStrikes       int        `json:"active_strikes"`
	IsTempBanned        bool       `json:"is_temp_banned"`
	TempBanEndsAt       *time.Time `json:"temp_ban_ends_at,omitempty"`
	IsPermanentlyBanned bool       `json:"is_permanently_banned"`
	EvaluatedAt         time.Time  `json:"evaluated_at"`
}

// NotificationKind classifies what the reported user should be told
type NotificationKind string

const (
	NotificationWarning    NotificationKind = "warning"
	NotificationTempBanned NotificationKind = "temp_banned"
	NotificationBanned     NotificationKind = "banned"
)

// BanRecord is the enforcement view persisted on the user document.
// Temporary and permanent bans are kept as independent fields.
// LedgerSize counts every report the evaluation saw, decayed ones included;
// the ledger is append-only, so a larger size always means a newer snapshot.
type BanRecord struct {
	UserID            string     `bson:"userId" json:"user_id"`
	ActiveStrikes     int        `bson:"activeStrikes" json:"active_strikes"`
	TempBannedUntil   *time.Time `bson:"tempBannedUntil,omitempty" json:"temp_banned_until,omitempty"`
	PermanentlyBanned bool       `bson:"permanentlyBanned" json:"permanently_banned"`
	LedgerSize        int        `bson:"ledgerSize" json:"ledger_size"`
	BanUpdatedAt      time.Time  `bson:"banUpdatedAt" json:"ban_updated_at"`
}

// Supersedes reports whether r was evaluated from a newer ledger than current,
// or from the same ledger at a later instant
func (r *BanRecord) Supersedes(current *BanRecord) bool {
	if r.LedgerSize != current.LedgerSize {
		return r.LedgerSize > current.LedgerSize
	}
	return !r.BanUpdatedAt.Before(current.BanUpdatedAt)
}
