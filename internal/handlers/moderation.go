package handlers

import (
	"chatguard/internal/middleware"
	"chatguard/internal/models"
	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
)

// ModerationHandler accepts abuse reports and exposes ban state
type ModerationHandler struct {
	abuse *services.AbuseService
}

// NewModerationHandler creates a new moderation handler
func NewModerationHandler(abuse *services.AbuseService) *ModerationHandler {
	return &ModerationHandler{abuse: abuse}
}

// ReportRequest is the body of an abuse report. The reporter is always the
// authenticated caller.
type ReportRequest struct {
	UserID    string              `json:"user_id"`
	Reason    models.StrikeReason `json:"reason"`
	SubjectID string              `json:"subject_id"`
}

// Report records an abuse report against another user
// POST /api/reports
func (h *ModerationHandler) Report(c *fiber.Ctx) error {
	var req ReportRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":      "Invalid request body",
			"error_code": "invalid_request",
		})
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	result, err := h.abuse.Report(ctx, req.UserID, middleware.CurrentUserID(c), req.Reason, req.SubjectID)
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if !result.Recorded {
		status = fiber.StatusOK
	}
	// the reporter learns whether the report counted, not the reported user's standing
	return c.Status(status).JSON(fiber.Map{
		"recorded": result.Recorded,
	})
}

// MyStatus returns the caller's own ban state
// GET /api/moderation/status
func (h *ModerationHandler) MyStatus(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	state, err := h.abuse.State(ctx, middleware.CurrentUserID(c))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(state)
}

// UserStatus returns any user's ban state, persisted record and strike ledger
// GET /api/admin/users/:id/moderation
func (h *ModerationHandler) UserStatus(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	userID := c.Params("id")
	state, err := h.abuse.State(ctx, userID)
	if err != nil {
		return respondError(c, err)
	}
	record, err := h.abuse.Record(ctx, userID)
	if err != nil {
		return respondError(c, err)
	}
	reports, err := h.abuse.Reports(ctx, userID)
	if err != nil {
		return respondError(c, err)
	}
	if reports == nil {
		reports = []models.StrikeReport{}
	}

	return c.JSON(fiber.Map{
		"user_id": userID,
		"state":   state,
		"record":  record,
		"reports": reports,
	})
}
