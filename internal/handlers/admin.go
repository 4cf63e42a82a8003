package handlers

import (
	"errors"
	"strconv"

	"chatguard/internal/jobs"
	"chatguard/internal/models"
	"chatguard/internal/services"

	"github.com/gofiber/fiber/v2"
)

// AdminHandler exposes operator views of the retry queue and background jobs
type AdminHandler struct {
	queue     services.RetryQueue
	scheduler *jobs.JobScheduler
}

// NewAdminHandler creates a new admin handler. scheduler may be nil when
// jobs are disabled.
func NewAdminHandler(queue services.RetryQueue, scheduler *jobs.JobScheduler) *AdminHandler {
	return &AdminHandler{queue: queue, scheduler: scheduler}
}

// QueueStatus returns the retry queue depth
// GET /api/admin/retry-queue
func (h *AdminHandler) QueueStatus(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"depth": depth})
}

// DeadLetters lists the most recent permanently failed items
// GET /api/admin/retry-queue/dead-letters?limit=50
func (h *AdminHandler) DeadLetters(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "50"))
	if limit < 1 || limit > 500 {
		limit = 50
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	dead, err := h.queue.DeadLetters(ctx, limit)
	if err != nil {
		return respondError(c, err)
	}
	if dead == nil {
		dead = []models.DeadLetter{}
	}
	return c.JSON(fiber.Map{"dead_letters": dead, "count": len(dead)})
}

// JobStatus lists the background jobs
// GET /api/admin/jobs
func (h *AdminHandler) JobStatus(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return c.JSON(fiber.Map{"jobs": fiber.Map{}})
	}
	return c.JSON(fiber.Map{"jobs": h.scheduler.GetStatus()})
}

// RunJob triggers a job outside its schedule
// POST /api/admin/jobs/:name/run
func (h *AdminHandler) RunJob(c *fiber.Ctx) error {
	if h.scheduler == nil {
		return respondError(c, services.ErrNotFound)
	}
	name := c.Params("name")
	if _, ok := h.scheduler.GetStatus()[name]; !ok {
		return respondError(c, services.ErrNotFound)
	}
	if err := h.scheduler.RunNow(name); err != nil {
		if errors.Is(err, jobs.ErrJobRunning) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error":      err.Error(),
				"error_code": "job_running",
				"job":        name,
			})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
			"job":   name,
		})
	}
	return c.JSON(fiber.Map{"job": name, "status": "completed"})
}
