package handlers

import (
	"time"

	"chatguard/internal/middleware"
	"chatguard/internal/models"
	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
)

// UsageHandler reports the caller's AI quota
type UsageHandler struct {
	limiter *services.RateLimiter
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(limiter *services.RateLimiter) *UsageHandler {
	return &UsageHandler{limiter: limiter}
}

// GetUsage returns the caller's counters and limits without consuming quota
// GET /api/usage
func (h *UsageHandler) GetUsage(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	counter, err := h.limiter.Usage(ctx, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	limits := h.limiter.Limits()

	hourlyReset := counter.HourWindowStart.Add(time.Hour)
	if counter.ActionsThisHour == 0 {
		hourlyReset = time.Time{}
	}

	resp := fiber.Map{
		"month":             counter.Month,
		"total_actions":     counter.TotalActions,
		"actions_this_hour": counter.ActionsThisHour,
		"features":          counter.Features,
		"limits": fiber.Map{
			"hourly":  limits.HourlyLimit,
			"monthly": limits.MonthlyLimit,
		},
	}
	if month, err := time.Parse("2006-01", counter.Month); err == nil {
		resp["monthly_reset_at"] = models.NextMonthStart(month).Format(time.RFC3339)
	}
	if !hourlyReset.IsZero() {
		resp["hourly_reset_at"] = hourlyReset.UTC().Format(time.RFC3339)
	}
	return c.JSON(resp)
}
