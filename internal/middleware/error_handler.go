package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"lipa_engine/internal/providers"
	"lipa_engine/internal/services"
)

// ErrorResponse is the JSON error envelope for every API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// CustomErrorHandler creates a custom error handler for Echo. Domain errors
// map onto stable HTTP codes; everything else is a 500 with the detail kept
// in the server log only.
func CustomErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	label := "internal_error"
	message := ""

	switch {
	case errors.Is(err, services.ErrNotFound):
		code = http.StatusNotFound
		label = "not_found"
	case errors.Is(err, services.ErrIdempotencyConflict):
		code = http.StatusConflict
		label = "idempotency_conflict"
		message = err.Error()
	case errors.Is(err, services.ErrRequestInFlight):
		code = http.StatusConflict
		label = "request_in_flight"
		message = err.Error()
	case errors.Is(err, services.ErrInvalidTransition),
		errors.Is(err, services.ErrIntentNotReversible),
		errors.Is(err, services.ErrSubscriptionNotCancellable):
		code = http.StatusUnprocessableEntity
		label = "invalid_state"
		message = err.Error()
	case errors.Is(err, providers.ErrUnknownProvider):
		code = http.StatusBadRequest
		label = "unknown_provider"
		message = err.Error()
	case errors.Is(err, providers.ErrProviderRejected):
		code = http.StatusUnprocessableEntity
		label = "provider_rejected"
		message = err.Error()
	case errors.Is(err, providers.ErrProviderUnavailable):
		code = http.StatusBadGateway
		label = "provider_unavailable"
	default:
		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			label = http.StatusText(code)
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}
	}

	if code >= http.StatusInternalServerError {
		c.Logger().Error(err)
	}

	if werr := c.JSON(code, ErrorResponse{Error: label, Message: message}); werr != nil {
		c.Logger().Error(werr)
	}
}
