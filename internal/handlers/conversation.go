package handlers

import (
	"strings"
	"time"

	"chatguard/internal/clock"
	"chatguard/internal/middleware"
	"chatguard/internal/models"
	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

// maxMessageLength bounds one message body in runes
const maxMessageLength = 8000

// ConversationHandler is the minimal conversation surface the AI features
// read from: create a conversation and post messages to it
type ConversationHandler struct {
	conversations services.ConversationStore
	assistant     *services.AssistantService
	clock         clock.Clock
}

// NewConversationHandler creates a new conversation handler
func NewConversationHandler(conversations services.ConversationStore, assistant *services.AssistantService, clk clock.Clock) *ConversationHandler {
	return &ConversationHandler{conversations: conversations, assistant: assistant, clock: clk}
}

// CreateConversationRequest lists the other participants; the caller is always added
type CreateConversationRequest struct {
	Participants []string `json:"participants"`
}

// Create starts a conversation
// POST /api/conversations
func (h *ConversationHandler) Create(c *fiber.Ctx) error {
	var req CreateConversationRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Invalid request body",
			"error_code": "invalid_request",
		})
	}

	userID := middleware.CurrentUserID(c)
	participants := []string{userID}
	seen := map[string]bool{userID: true}
	for _, p := range req.Participants {
		p = strings.TrimSpace(p)
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		participants = append(participants, p)
	}

	now := h.clock.Now()
	conversation := &models.Conversation{
		ID:           uuid.New().String(),
		Participants: participants,
		CreatedBy:    userID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	if err := h.conversations.CreateConversation(ctx, conversation); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(conversation)
}

// PostMessageRequest is the body of a new message
type PostMessageRequest struct {
	Text string `json:"text"`
}

// PostMessage appends a message. It becomes searchable once the embedding
// batch job has indexed it.
// POST /api/conversations/:id/messages
func (h *ConversationHandler) PostMessage(c *fiber.Ctx) error {
	var req PostMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Invalid request body",
			"error_code": "invalid_request",
		})
	}
	text := strings.TrimSpace(req.Text)
	if text == "" || len([]rune(text)) > maxMessageLength {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Message text must be between 1 and 8000 characters",
			"error_code": "invalid_request",
		})
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	userID := middleware.CurrentUserID(c)
	conversationID := c.Params("id")
	if err := h.assistant.Authorize(ctx, userID, conversationID); err != nil {
		return respondError(c, err)
	}

	msg := &models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       userID,
		Text:           text,
		CreatedAt:      h.clock.Now().UTC().Truncate(time.Millisecond),
	}
	if err := h.conversations.AddMessage(ctx, msg); err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(msg)
}
