package models

import "time"

// Features gated by the usage quota
const (
	FeatureSummary     = "summary"
	FeatureActionItems = "action_items"
	FeatureSearch      = "search"
)

// UsageCounter tracks one user's AI actions for one calendar month (UTC).
// It is created lazily on the first action of the month and never deleted.
type UsageCounter struct {
	UserID          string         `bson:"userId" json:"user_id"`
	Month           string         `bson:"month" json:"month"` // YYYY-MM
	TotalActions    int            `bson:"totalActions" json:"total_actions"`
	ActionsThisHour int            `bson:"actionsThisHour" json:"actions_this_hour"`
	Features        map[string]int `bson:"features" json:"features"`
	HourWindowStart time.Time      `bson:"hourWindowStart" json:"hour_window_start"`
	UpdatedAt       time.Time      `bson:"updatedAt" json:"updated_at"`
}

// NewUsageCounter returns an empty counter whose hour window starts at now
func NewUsageCounter(userID, month string, now time.Time) *UsageCounter {
	return &UsageCounter{
		UserID:          userID,
		Month:           month,
		Features:        map[string]int{},
		HourWindowStart: now,
	}
}

// Clone returns a deep copy
func (c *UsageCounter) Clone() *UsageCounter {
	if c == nil {
		return nil
	}
	out := *c
	out.Features = make(map[string]int, len(c.Features))
	for k, v := range c.Features {
		out.Features[k] = v
	}
	return &out
}

// MonthKey formats the UTC calendar month key used for usage counters
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// NextMonthStart returns the first instant of the UTC month after t
func NextMonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
