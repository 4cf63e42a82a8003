package middleware

import (
	"github.com/gofiber/fiber/v2"
)

// AdminMiddleware admits users with the "admin" role claim or listed in adminIDs
func AdminMiddleware(adminIDs []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := CurrentUserID(c)
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Authentication required",
			})
		}

		isAdmin := false
		if role, ok := c.Locals("user_role").(string); ok && role == "admin" {
			isAdmin = true
		}
		if !isAdmin {
			for _, adminID := range adminIDs {
				if adminID == userID {
					isAdmin = true
					break
				}
			}
		}

		if !isAdmin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "Admin access required",
			})
		}

		c.Locals("is_admin", true)
		return c.Next()
	}
}
