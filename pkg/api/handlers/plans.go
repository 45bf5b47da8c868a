package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/models"
)

// PlanHandler exposes the plan catalog
type PlanHandler struct {
	plans     domain.PlanStore
	validator *validator.Validate
}

// NewPlanHandler creates a new plan handler
func NewPlanHandler(plans domain.PlanStore) *PlanHandler {
	return &PlanHandler{plans: plans, validator: validator.New()}
}

// List returns the active plan catalog
func (h *PlanHandler) List(c echo.Context) error {
	plans, err := h.plans.ListActive(c.Request().Context())
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"plans": plans,
		"count": len(plans),
	})
}

type createPlanRequest struct {
	ProviderPriceID string `json:"provider_price_id" validate:"required"`
	Name            string `json:"name" validate:"required"`
	PriceCents      int64  `json:"price_cents" validate:"gte=0"`
	Currency        string `json:"currency"`
	BillingInterval string `json:"billing_interval" validate:"omitempty,oneof=month year"`
	CanPin          bool   `json:"can_pin"`
	PinQuota        int    `json:"pin_quota" validate:"gte=0"`
	PriorityWeight  int    `json:"priority_weight" validate:"gte=0"`
}

// Create registers a plan and binds it to a provider price
func (h *PlanHandler) Create(c echo.Context) error {
	var req createPlanRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	if _, err := h.plans.GetByProviderPriceID(c.Request().Context(), req.ProviderPriceID); err == nil {
		return errors.ConflictError(c, "a plan already exists for this provider price")
	} else if !domain.IsNotFound(err) {
		return errors.FromDomain(c, err)
	}

	currency := req.Currency
	if currency == "" {
		currency = "usd"
	}
	interval := req.BillingInterval
	if interval == "" {
		interval = "month"
	}

	plan := &models.SubscriptionPlan{
		ProviderPriceID: req.ProviderPriceID,
		Name:            req.Name,
		PriceCents:      req.PriceCents,
		Currency:        currency,
		BillingInterval: interval,
		CanPin:          req.CanPin,
		PinQuota:        req.PinQuota,
		PriorityWeight:  req.PriorityWeight,
		Active:          true,
	}
	if err := h.plans.CreatePlan(c.Request().Context(), plan); err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusCreated, plan)
}
