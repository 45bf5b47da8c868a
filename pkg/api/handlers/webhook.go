package handlers

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/domain"
	"github.com/plumeblog/backend/pkg/ingest"
	"github.com/plumeblog/backend/pkg/provider"
)

// WebhookHandler receives payment provider webhooks
type WebhookHandler struct {
	provider *provider.Stripe
	pipeline *ingest.Service
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(p *provider.Stripe, pipeline *ingest.Service) *WebhookHandler {
	return &WebhookHandler{provider: p, pipeline: pipeline}
}

// HandleBilling processes one provider webhook delivery.
//
// The response contract matters: 2xx is only sent once the event reached a
// terminal classification (applied, ignored_stale, or a recorded duplicate
// of one). Anything still unsettled answers non-2xx so the provider
// redelivers.
// @Summary Receive billing webhook
// @Tags Webhooks
// @Accept json
// @Produce json
// @Success 200 {object} map[string]interface{} "Event settled"
// @Failure 401 {object} models.ErrorResponse "Bad signature"
// @Failure 503 {object} models.ErrorResponse "Retry later"
// @Router /webhook/billing [post]
func (h *WebhookHandler) HandleBilling(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return errors.ValidationError(c, err)
	}

	ev, err := h.provider.VerifyAndParse(body, c.Request().Header.Get("Stripe-Signature"))
	if err != nil {
		return errors.FromDomain(c, err)
	}
	if ev == nil {
		// Event type the core does not consume; acknowledge and drop.
		return c.JSON(http.StatusOK, map[string]interface{}{"received": true, "ignored": true})
	}

	receipt, err := h.pipeline.Process(c.Request().Context(), *ev, body)
	if err != nil {
		if domain.IsValidation(err) {
			return errors.ValidationError(c, err)
		}
		return errors.RetryableError(c, err)
	}
	if receipt.InFlight {
		// Another worker is mid-flight on this event; no terminal outcome
		// yet, so the provider must redeliver.
		return errors.RetryableError(c, domain.NewConflictError("event is being processed"))
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"received":  true,
		"event_id":  receipt.EventID,
		"outcome":   receipt.Outcome,
		"duplicate": receipt.Duplicate,
	})
}
