package services

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/sirupsen/logrus"
)

// RateLimiterConfig holds the quota thresholds
type RateLimiterConfig struct {
	HourlyLimit  int
	MonthlyLimit int
	MaxAttempts  int // attempts per Admit when the store reports contention
}

// DefaultRateLimiterConfig returns the production defaults
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		HourlyLimit:  50,
		MonthlyLimit: 1000,
		MaxAttempts:  5,
	}
}

// AdmitResult describes an admission decision and the counter it was made against
type AdmitResult struct {
	Allowed bool                 `json:"allowed"`
	Reason  string               `json:"reason,omitempty"` // set on denial: hourly or monthly
	Counter *models.UsageCounter `json:"counter"`
	ResetAt time.Time            `json:"reset_at,omitempty"`
}

// RateLimiter enforces the per-user hourly and monthly AI action quota
type RateLimiter struct {
	store   QuotaStore
	clock   clock.Clock
	config  RateLimiterConfig
	metrics *Metrics
	log     *logrus.Entry
}

// NewRateLimiter creates a rate limiter over an atomic quota store
func NewRateLimiter(store QuotaStore, clk clock.Clock, config RateLimiterConfig, metrics *Metrics) *RateLimiter {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &RateLimiter{
		store:   store,
		clock:   clk,
		config:  config,
		metrics: metrics,
		log:     logging.Component("quota"),
	}
}

// Admit decides whether userID may perform one action of feature, and records
// it if so. The decision and the increment happen in one atomic store
// transaction, so concurrent calls never lose or double count an action.
//
// A denial returns a *QuotaExceededError alongside the result. Any store
// failure also returns an error with Allowed=false: the limiter never admits
// on uncertainty.
func (r *RateLimiter) Admit(ctx context.Context, userID, feature string) (*AdmitResult, error) {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		result, err := r.admitOnce(ctx, userID, feature)
		if err == nil {
			return result, r.denial(result)
		}
		if !errors.Is(err, ErrContention) {
			r.metrics.RecordQuotaDecision(feature, "error")
			r.log.WithFields(logrus.Fields{"user_id": userID, "feature": feature}).WithError(err).Error("[QUOTA] Store failure, denying")
			return &AdmitResult{Allowed: false}, fmt.Errorf("quota check failed: %w", err)
		}

		lastErr = err
		r.log.WithFields(logrus.Fields{"user_id": userID, "attempt": attempt}).Debug("[QUOTA] Contention, retrying transaction")

		// small jittered pause so contending callers spread out
		pause := time.Duration(attempt*5+rand.Intn(10)) * time.Millisecond
		select {
		case <-ctx.Done():
			return &AdmitResult{Allowed: false}, ctx.Err()
		case <-time.After(pause):
		}
	}

	r.metrics.RecordQuotaDecision(feature, "error")
	return &AdmitResult{Allowed: false}, fmt.Errorf("quota check gave up after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *RateLimiter) admitOnce(ctx context.Context, userID, feature string) (*AdmitResult, error) {
	now := r.clock.Now()
	result := &AdmitResult{}

	counter, err := r.store.Apply(ctx, userID, models.MonthKey(now), now, func(c *models.UsageCounter) bool {
		rolledOver := !now.Before(c.HourWindowStart.Add(time.Hour))

		hourlyCount := c.ActionsThisHour
		if rolledOver {
			hourlyCount = 0
		}

		switch {
		case hourlyCount >= r.config.HourlyLimit:
			result.Reason = QuotaReasonHourly
			result.ResetAt = c.HourWindowStart.Add(time.Hour)
			return false
		case c.TotalActions >= r.config.MonthlyLimit:
			result.Reason = QuotaReasonMonthly
			result.ResetAt = models.NextMonthStart(now)
			return false
		}

		c.TotalActions++
		if c.Features == nil {
			c.Features = map[string]int{}
		}
		c.Features[feature]++
		if rolledOver {
			c.ActionsThisHour = 1
			c.HourWindowStart = now
		} else {
			c.ActionsThisHour++
		}
		result.Reason = ""
		result.ResetAt = time.Time{}
		return true
	})
	if err != nil {
		return nil, err
	}

	result.Counter = counter
	result.Allowed = result.Reason == ""
	if result.Allowed {
		r.metrics.RecordQuotaDecision(feature, "admitted")
	} else {
		r.metrics.RecordQuotaDecision(feature, "denied_"+result.Reason)
		r.log.WithFields(logrus.Fields{
			"user_id": userID,
			"feature": feature,
			"reason":  result.Reason,
		}).Info("[QUOTA] Action denied")
	}
	return result, nil
}

// denial converts a negative decision into the typed error callers render
func (r *RateLimiter) denial(result *AdmitResult) error {
	if result.Allowed {
		return nil
	}
	err := &QuotaExceededError{Reason: result.Reason, ResetAt: result.ResetAt}
	switch result.Reason {
	case QuotaReasonHourly:
		err.Limit = r.config.HourlyLimit
		err.Used = result.Counter.ActionsThisHour
	case QuotaReasonMonthly:
		err.Limit = r.config.MonthlyLimit
		err.Used = result.Counter.TotalActions
	}
	return err
}

// Usage returns the user's counter for the current month, or an empty counter
// if they have not acted yet. It never mutates state.
func (r *RateLimiter) Usage(ctx context.Context, userID string) (*models.UsageCounter, error) {
	now := r.clock.Now()
	counter, err := r.store.Get(ctx, userID, models.MonthKey(now))
	if err != nil {
		return nil, fmt.Errorf("failed to read usage: %w", err)
	}
	if counter == nil {
		counter = models.NewUsageCounter(userID, models.MonthKey(now), now)
	}
	// present the hourly count as the admission check would see it
	if !now.Before(counter.HourWindowStart.Add(time.Hour)) {
		counter.ActionsThisHour = 0
	}
	return counter, nil
}

// Limits returns the configured thresholds
func (r *RateLimiter) Limits() RateLimiterConfig {
	return r.config
}
