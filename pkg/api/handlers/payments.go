package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/payments"
)

// PaymentHandler exposes the append-only payment history
type PaymentHandler struct {
	paymentService *payments.Service
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(paymentService *payments.Service) *PaymentHandler {
	return &PaymentHandler{paymentService: paymentService}
}

// ListBySubscriber returns a subscriber's payments, newest first
// @Summary List payments for a subscriber
// @Tags Payments
// @Produce json
// @Param subscriber path string true "Subscriber key"
// @Param limit query integer false "Max rows (default 50)"
// @Success 200 {object} models.PaymentListResponse
// @Router /payments/{subscriber} [get]
func (h *PaymentHandler) ListBySubscriber(c echo.Context) error {
	subscriberKey := c.Param("subscriber")
	if subscriberKey == "" {
		return errors.ValidationError(c, domain.NewValidationError("subscriber key is required"))
	}

	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	resp, err := h.paymentService.List(c.Request().Context(), subscriberKey, limit)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// Analytics returns revenue aggregates over a trailing window
// @Summary Payment analytics
// @Tags Payments
// @Produce json
// @Param days query integer false "Trailing window in days (default 30)"
// @Success 200 {object} models.PaymentAnalytics
// @Router /payments/analytics [get]
func (h *PaymentHandler) Analytics(c echo.Context) error {
	days := 30
	if raw := c.QueryParam("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 365 {
			days = n
		}
	}

	stats, err := h.paymentService.Analytics(c.Request().Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}
