package handlers

import (
	"chatguard/internal/middleware"
	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
)

// AssistantHandler serves the AI features of a conversation
type AssistantHandler struct {
	assistant *services.AssistantService
}

// NewAssistantHandler creates a new assistant handler
func NewAssistantHandler(assistant *services.AssistantService) *AssistantHandler {
	return &AssistantHandler{assistant: assistant}
}

// Summary returns a summary of the conversation
// POST /api/conversations/:id/summary
func (h *AssistantHandler) Summary(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.assistant.Summarize(ctx, middleware.CurrentUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// ActionItems returns the action items of the conversation
// POST /api/conversations/:id/action-items
func (h *AssistantHandler) ActionItems(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.assistant.ActionItems(ctx, middleware.CurrentUserID(c), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

// SearchRequest is the body of a semantic search
type SearchRequest struct {
	Query string `json:"query"`
}

// Search runs semantic search over the conversation
// POST /api/conversations/:id/search
func (h *AssistantHandler) Search(c *fiber.Ctx) error {
	var req SearchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Invalid request body",
			"error_code": "invalid_request",
		})
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.assistant.Search(ctx, middleware.CurrentUserID(c), c.Params("id"), req.Query)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}
