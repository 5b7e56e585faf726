package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"lipa_engine/internal/providers"
	"lipa_engine/internal/services"
)

// maxCallbackBody bounds inbound webhook payloads
const maxCallbackBody = 1 << 20

// WebhookHandler receives provider callbacks. Providers retry on anything
// but a 2xx, so every parseable-or-not payload is acknowledged; outcomes
// and errors live in the audit trail, not the HTTP response.
type WebhookHandler struct {
	payments *services.PaymentService
}

func NewWebhookHandler(payments *services.PaymentService) *WebhookHandler {
	return &WebhookHandler{payments: payments}
}

// HandleCallback handles POST /webhooks/:provider
func (h *WebhookHandler) HandleCallback(c echo.Context) error {
	provider := c.Param("provider")

	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxCallbackBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	_, err = h.payments.HandleCallback(c.Request().Context(), provider, raw)
	if errors.Is(err, providers.ErrUnknownProvider) {
		return echo.NewHTTPError(http.StatusNotFound, "unknown provider")
	}
	if err != nil && !errors.Is(err, providers.ErrMalformedCallback) {
		// Internal failure: let the provider retry
		return err
	}

	return h.ack(c, provider)
}

// ack replies in the shape each provider expects
func (h *WebhookHandler) ack(c echo.Context, provider string) error {
	switch provider {
	case providers.ProviderMpesa:
		return c.JSON(http.StatusOK, map[string]interface{}{
			"ResultCode": 0,
			"ResultDesc": "Accepted",
		})
	default:
		return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
	}
}
