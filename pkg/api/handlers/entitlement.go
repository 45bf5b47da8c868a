package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/domain"
)

// EntitlementHandler exposes entitlement snapshots
type EntitlementHandler struct {
	resolver domain.EntitlementResolver
}

// NewEntitlementHandler creates a new entitlement handler
func NewEntitlementHandler(resolver domain.EntitlementResolver) *EntitlementHandler {
	return &EntitlementHandler{resolver: resolver}
}

// Get returns the current entitlement snapshot for a subscriber
// @Summary Get entitlement snapshot
// @Tags Entitlements
// @Produce json
// @Param subscriber path string true "Subscriber key"
// @Success 200 {object} models.EntitlementSnapshot
// @Router /entitlements/{subscriber} [get]
func (h *EntitlementHandler) Get(c echo.Context) error {
	subscriberKey := c.Param("subscriber")
	if subscriberKey == "" {
		return errors.ValidationError(c, domain.NewValidationError("subscriber key is required"))
	}

	snap, err := h.resolver.Resolve(c.Request().Context(), subscriberKey)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, snap)
}
