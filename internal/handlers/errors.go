package handlers

import (
	"context"
	"errors"
	"strconv"
	"time"

	"chatguard/internal/logging"
	"chatguard/internal/middleware"
	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
)

var log = logging.Component("http")

// requestTimeout bounds every handler's downstream work
const requestTimeout = 60 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// respondError maps service errors onto HTTP responses. Internal details
// never reach the client; they are logged instead.
func respondError(c *fiber.Ctx, err error) error {
	var quota *services.QuotaExceededError
	var banned *services.BannedError
	var provider *services.ProviderError

	switch {
	case errors.As(err, &quota):
		c.Set("Retry-After", retryAfter(quota.ResetAt))
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":      quota.Error(),
			"error_code": "quota_exceeded",
			"reason":     quota.Reason,
			"limit":      quota.Limit,
			"used":       quota.Used,
			"reset_at":   quota.ResetAt.UTC().Format(time.RFC3339),
		})

	case errors.As(err, &banned):
		return middleware.RespondBanned(c, banned)

	case errors.Is(err, services.ErrAccessDenied):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":      "You do not have access to this conversation",
			"error_code": "access_denied",
		})

	case errors.Is(err, services.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":      "Not found",
			"error_code": "not_found",
		})

	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, services.ErrInvalidReport):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      err.Error(),
			"error_code": "invalid_request",
		})

	case errors.As(err, &provider):
		log.WithError(err).WithField("path", c.Path()).Warn("[HTTP] Provider failure")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error":      provider.UserMessage(),
			"error_code": "provider_unavailable",
		})
	}

	log.WithError(err).WithField("path", c.Path()).Error("[HTTP] Request failed")
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"error":      "Internal server error",
		"error_code": "internal",
	})
}

func retryAfter(resetAt time.Time) string {
	secs := int(time.Until(resetAt).Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}
