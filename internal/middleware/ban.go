package middleware

import (
	"context"
	"errors"
	"time"

	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
)

// BanEnforcer decides whether a user may act right now
type BanEnforcer interface {
	Enforce(ctx context.Context, userID string) error
}

// BanGuard blocks banned users before the handler runs. Enforcement errors
// other than a ban fail closed.
func BanGuard(enforcer BanEnforcer) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := CurrentUserID(c)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
		defer cancel()

		err := enforcer.Enforce(ctx, userID)
		if err == nil {
			return c.Next()
		}

		var banned *services.BannedError
		if errors.As(err, &banned) {
			return RespondBanned(c, banned)
		}

		authLog.WithError(err).WithField("user_id", userID).Error("[BAN] Enforcement check failed")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "Unable to verify account status, please retry",
		})
	}
}

// RespondBanned writes the 403 body every ban rejection uses
func RespondBanned(c *fiber.Ctx, banned *services.BannedError) error {
	body := fiber.Map{
		"error":      banned.Error(),
		"error_code": "banned",
		"permanent":  banned.Permanent,
	}
	if banned.Until != nil {
		body["until"] = banned.Until.UTC().Format(time.RFC3339)
	}
	return c.Status(fiber.StatusForbidden).JSON(body)
}
