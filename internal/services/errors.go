package services

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared by the governance components
var (
	// ErrAccessDenied means the caller is not a participant of the target domain object
	ErrAccessDenied = errors.New("access denied")
	// ErrNotFound means the target domain object does not exist
	ErrNotFound = errors.New("not found")
	// ErrContention is returned by stores when an atomic update lost a race; callers retry
	ErrContention = errors.New("storage contention")
	// ErrLeaseHeld means another worker already claimed the retry item
	ErrLeaseHeld = errors.New("retry item already claimed")
	// ErrLeaseLost means the caller's lease on a retry item was taken over by another worker
	ErrLeaseLost = errors.New("retry item lease lost")
	// ErrInvalidRequest rejects malformed input to a feature
	ErrInvalidRequest = errors.New("invalid request")
	// ErrInvalidReport rejects malformed or self-targeted abuse reports
	ErrInvalidReport = errors.New("invalid abuse report")
)

// Quota denial reasons
const (
	QuotaReasonHourly  = "hourly"
	QuotaReasonMonthly = "monthly"
)

// QuotaExceededError is returned when an AI action is denied by the usage quota.
// Reason tells the caller which threshold tripped and ResetAt when it lifts.
type QuotaExceededError struct {
	Reason  string    `json:"reason"`
	Limit   int       `json:"limit"`
	Used    int       `json:"used"`
	ResetAt time.Time `json:"reset_at"`
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded (%d/%d), resets at %s", e.Reason, e.Used, e.Limit, e.ResetAt.Format(time.RFC3339))
}

// BannedError is returned by enforcement when the user is banned.
// Until is nil for a permanent ban.
type BannedError struct {
	Permanent bool       `json:"permanent"`
	Until     *time.Time `json:"until,omitempty"`
}

func (e *BannedError) Error() string {
	if e.Permanent {
		return "user is permanently banned"
	}
	return fmt.Sprintf("user is temporarily banned until %s", e.Until.Format(time.RFC3339))
}

// ProviderError wraps a failure of an external AI provider (LLM, embedder, vector index).
// Interactive callers surface it as "temporarily unavailable"; background jobs retry it.
type ProviderError struct {
	Provider   string
	StatusCode int
	Transient  bool
	Cause      error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider failure [%d]: %v", e.Provider, e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("%s provider failure: %v", e.Provider, e.Cause)
}

func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// UserMessage is the only provider failure text shown to end users
func (e *ProviderError) UserMessage() string {
	return "AI features are temporarily unavailable, please retry"
}

// DeadLetteredError reports that a retry item exhausted its attempts and was
// moved to the dead-letter collection. It requires operator attention.
type DeadLetteredError struct {
	ItemID     string
	RetryCount int
	LastError  string
}

func (e *DeadLetteredError) Error() string {
	return fmt.Sprintf("item %s dead-lettered after %d attempts: %s", e.ItemID, e.RetryCount, e.LastError)
}

// classifyStatus decides whether an HTTP status from a provider is worth retrying
func classifyStatus(statusCode int) bool {
	switch {
	case statusCode == 408, statusCode == 429:
		return true
	case statusCode >= 500:
		return true
	default:
		return false
	}
}
