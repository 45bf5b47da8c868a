package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/pins"
)

// PinHandler handles pinned post management
type PinHandler struct {
	pinService *pins.Service
	validator  *validator.Validate
}

// NewPinHandler creates a new pin handler
func NewPinHandler(pinService *pins.Service) *PinHandler {
	return &PinHandler{
		pinService: pinService,
		validator:  validator.New(),
	}
}

// Create pins a post for a subscriber
// @Summary Pin a post
// @Tags Pins
// @Accept json
// @Produce json
// @Param request body models.PinRequest true "Pin request"
// @Success 201 {object} models.PinnedPost
// @Failure 403 {object} models.ErrorResponse "Entitlement required"
// @Failure 409 {object} models.ErrorResponse "Quota exceeded"
// @Router /pins [post]
func (h *PinHandler) Create(c echo.Context) error {
	var req models.PinRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	pin, err := h.pinService.RequestPin(c.Request().Context(), req.SubscriberKey, req.PostID)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusCreated, pin)
}

// Delete unpins a post
// @Summary Unpin a post
// @Tags Pins
// @Produce json
// @Param post_id path string true "Post ID"
// @Param subscriber query string true "Subscriber key"
// @Success 200 {object} models.SuccessResponse
// @Failure 404 {object} models.ErrorResponse "Pin not found"
// @Router /pins/{post_id} [delete]
func (h *PinHandler) Delete(c echo.Context) error {
	postID := c.Param("post_id")
	subscriberKey := c.QueryParam("subscriber")
	if postID == "" || subscriberKey == "" {
		return errors.ValidationError(c, domain.NewValidationError("post_id and subscriber are required"))
	}

	if err := h.pinService.Unpin(c.Request().Context(), subscriberKey, postID); err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, models.SuccessResponse{Success: true, Message: "post unpinned"})
}

// List returns a subscriber's active pins
func (h *PinHandler) List(c echo.Context) error {
	subscriberKey := c.QueryParam("subscriber")
	if subscriberKey == "" {
		return errors.ValidationError(c, domain.NewValidationError("subscriber is required"))
	}

	active, err := h.pinService.ListActive(c.Request().Context(), subscriberKey)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"pins":  active,
		"count": len(active),
	})
}
