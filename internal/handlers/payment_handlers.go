package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"lipa_engine/internal/services"
)

// PaymentHandler exposes the payment intent lifecycle on the operator API
type PaymentHandler struct {
	payments *services.PaymentService
}

func NewPaymentHandler(payments *services.PaymentService) *PaymentHandler {
	return &PaymentHandler{payments: payments}
}

// CreateIntent handles POST /api/intents
func (h *PaymentHandler) CreateIntent(c echo.Context) error {
	var req CreateIntentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if key := c.Request().Header.Get("X-Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}
	if req.IdempotencyKey == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "idempotency key is required")
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	intent, err := h.payments.CreateIntent(c.Request().Context(), services.CreateIntentInput{
		TenantID:       tenantID(c),
		SubjectID:      req.SubjectID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Provider:       req.Provider,
		IdempotencyKey: req.IdempotencyKey,
		Description:    req.Description,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, intent)
}

// GetIntent handles GET /api/intents/:uuid
func (h *PaymentHandler) GetIntent(c echo.Context) error {
	intent, err := h.payments.GetIntent(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, intent)
}

// InitiateIntent handles POST /api/intents/:uuid/initiate
func (h *PaymentHandler) InitiateIntent(c echo.Context) error {
	var req InitiateIntentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Msisdn == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "msisdn is required")
	}

	intent, err := h.payments.InitiateIntent(c.Request().Context(), c.Param("uuid"), req.Msisdn, req.Description)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, intent)
}

// CancelIntent handles POST /api/intents/:uuid/cancel
func (h *PaymentHandler) CancelIntent(c echo.Context) error {
	intent, err := h.payments.CancelIntent(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, intent)
}

// ReverseIntent handles POST /api/intents/:uuid/reverse
func (h *PaymentHandler) ReverseIntent(c echo.Context) error {
	var req ReverseIntentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	reversal, err := h.payments.ReverseIntent(c.Request().Context(), c.Param("uuid"), req.Reason)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reversal)
}
