package handlers

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/retry"
)

// DeadLetterHandler is the operator surface for parked webhook events
type DeadLetterHandler struct {
	retryService *retry.Service
}

// NewDeadLetterHandler creates a new dead letter handler
func NewDeadLetterHandler(retryService *retry.Service) *DeadLetterHandler {
	return &DeadLetterHandler{retryService: retryService}
}

// List returns parked events awaiting replay
func (h *DeadLetterHandler) List(c echo.Context) error {
	limit := 50
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	rows, err := h.retryService.ListDeadLetters(c.Request().Context(), limit)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"dead_letters": rows,
		"count":        len(rows),
	})
}

// Replay reprocesses one parked event
// @Summary Replay a dead-lettered event
// @Tags DeadLetters
// @Produce json
// @Param event_id path string true "Event ID"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse "Unknown event"
// @Failure 409 {object} models.ErrorResponse "Already replayed"
// @Router /deadletters/{event_id}/replay [post]
func (h *DeadLetterHandler) Replay(c echo.Context) error {
	eventID := c.Param("event_id")
	if eventID == "" {
		return errors.ValidationError(c, domain.NewValidationError("event_id is required"))
	}

	if err := h.retryService.ReplayDeadLetter(c.Request().Context(), eventID); err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "event replayed"})
}
