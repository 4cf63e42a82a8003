package services

import (
	"sort"
	"time"

	"chatguard/internal/models"
)

// BanPolicy holds the strike thresholds
type BanPolicy struct {
	Decay              time.Duration // reports older than this no longer count
	TempWindow         time.Duration // two strikes this close trigger a temporary ban
	TempDuration       time.Duration // temporary ban length, from the later strike
	PermanentThreshold int           // active strikes that make a permanent ban
	WarningFrom        int           // active strikes from which the user is warned
}

// DefaultBanPolicy returns 30-day decay, 2-in-24h temporary ban and 5-strike permanent ban
func DefaultBanPolicy() BanPolicy {
	return BanPolicy{
		Decay:              30 * 24 * time.Hour,
		TempWindow:         24 * time.Hour,
		TempDuration:       24 * time.Hour,
		PermanentThreshold: 5,
		WarningFrom:        3,
	}
}

// Evaluate derives the ban state from a ledger snapshot at now. It does no I/O
// and does not modify reports.
func (p BanPolicy) Evaluate(reports []models.StrikeReport, now time.Time) models.BanState {
	active := make([]time.Time, 0, len(reports))
	for _, r := range reports {
		if now.Sub(r.Timestamp) <= p.Decay {
			active = append(active, r.Timestamp)
		}
	}

	state := models.BanState{
		ActiveStrikes:       len(active),
		IsPermanentlyBanned: len(active) >= p.PermanentThreshold,
		EvaluatedAt:         now,
	}

	sort.Slice(active, func(i, j int) bool { return active[i].Before(active[j]) })

	// walk backwards: the first qualifying pair found is the latest one
	for i := len(active) - 1; i > 0; i-- {
		if active[i].Sub(active[i-1]) <= p.TempWindow {
			endsAt := active[i].Add(p.TempDuration)
			state.TempBanEndsAt = &endsAt
			state.IsTempBanned = now.Before(endsAt)
			break
		}
	}

	return state
}

// Classify decides which notifications the move from prev to next warrants.
// Strike-count notifications only fire when a new strike was counted; the
// temporary ban notification fires on the transition into a ban. Both kinds
// can come from one report.
func (p BanPolicy) Classify(prev, next models.BanState) []models.NotificationKind {
	var kinds []models.NotificationKind

	if next.ActiveStrikes > prev.ActiveStrikes {
		switch {
		case next.ActiveStrikes == p.PermanentThreshold:
			kinds = append(kinds, models.NotificationBanned)
		case next.ActiveStrikes >= p.WarningFrom && next.ActiveStrikes < p.PermanentThreshold:
			kinds = append(kinds, models.NotificationWarning)
		}
	}

	if next.IsTempBanned && !prev.IsTempBanned {
		kinds = append(kinds, models.NotificationTempBanned)
	}
	return kinds
}

// Blocking returns the BannedError an evaluated state enforces, or nil
func (p BanPolicy) Blocking(state models.BanState) error {
	if state.IsPermanentlyBanned {
		return &BannedError{Permanent: true}
	}
	if state.IsTempBanned {
		until := *state.TempBanEndsAt
		return &BannedError{Until: &until}
	}
	return nil
}
