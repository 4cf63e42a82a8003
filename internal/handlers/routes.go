package handlers

import (
	"time"

	"chatguard/internal/middleware"
	"chatguard/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// Routes carries everything the HTTP surface is built from
type Routes struct {
	Health       *HealthHandler
	Assistant    *AssistantHandler
	Conversation *ConversationHandler
	Usage        *UsageHandler
	Moderation   *ModerationHandler
	Admin        *AdminHandler

	Bans         middleware.BanEnforcer
	JWT          *auth.LocalJWTAuth // nil enables the development bypass
	Environment  string
	AdminUserIDs []string
	APIRateLimit int // requests per minute per IP; 0 disables the limiter
}

// Register mounts all routes on app
func Register(app *fiber.App, r Routes) {
	app.Get("/health", r.Health.Handle)

	api := app.Group("/api")
	if r.APIRateLimit > 0 {
		api.Use(middleware.GlobalAPIRateLimiter(r.APIRateLimit, time.Minute))
	}
	api.Use(middleware.LocalAuthMiddleware(r.JWT, r.Environment))

	api.Get("/usage", r.Usage.GetUsage)
	api.Get("/moderation/status", r.Moderation.MyStatus)

	// acting on conversations requires an account in good standing
	guard := middleware.BanGuard(r.Bans)
	api.Post("/reports", guard, middleware.ReportRateLimiter(20, time.Hour), r.Moderation.Report)
	api.Post("/conversations", guard, r.Conversation.Create)
	api.Post("/conversations/:id/messages", guard, r.Conversation.PostMessage)
	api.Post("/conversations/:id/summary", guard, r.Assistant.Summary)
	api.Post("/conversations/:id/action-items", guard, r.Assistant.ActionItems)
	api.Post("/conversations/:id/search", guard, r.Assistant.Search)

	admin := api.Group("/admin", middleware.AdminMiddleware(r.AdminUserIDs))
	admin.Get("/retry-queue", r.Admin.QueueStatus)
	admin.Get("/retry-queue/dead-letters", r.Admin.DeadLetters)
	admin.Get("/jobs", r.Admin.JobStatus)
	admin.Post("/jobs/:name/run", r.Admin.RunJob)
	admin.Get("/users/:id/moderation", r.Moderation.UserStatus)
}
