package middleware

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// GlobalAPIRateLimiter caps raw request volume per IP. It sits in front of
// the per-user AI quota and only protects the service itself.
func GlobalAPIRateLimiter(max int, expiration time.Duration) fiber.Handler {
	if max <= 0 {
		max = 200
	}
	if expiration <= 0 {
		expiration = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			authLog.WithField("ip", c.IP()).Warn("[RATE-LIMIT] Global limit reached")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please slow down.",
				"retry_after": int(expiration.Seconds()),
			})
		},
	})
}

// ReportRateLimiter caps abuse reports per reporting user, so one account
// cannot flood the strike ledger
func ReportRateLimiter(max int, expiration time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        max,
		Expiration: expiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := CurrentUserID(c); userID != "" {
				return "report:" + userID
			}
			return "report-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			authLog.WithField("user_id", CurrentUserID(c)).Warn("[RATE-LIMIT] Report limit reached")
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many reports. Please wait before reporting again.",
				"retry_after": int(expiration.Seconds()),
			})
		},
	})
}
