package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"lipa_engine/internal/services"
)

// SubscriptionHandler exposes subscription management on the operator API
type SubscriptionHandler struct {
	subscriptions *services.SubscriptionService
}

func NewSubscriptionHandler(subscriptions *services.SubscriptionService) *SubscriptionHandler {
	return &SubscriptionHandler{subscriptions: subscriptions}
}

// CreateSubscription handles POST /api/subscriptions
func (h *SubscriptionHandler) CreateSubscription(c echo.Context) error {
	var req CreateSubscriptionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "amount must be positive")
	}

	sub, err := h.subscriptions.CreateSubscription(c.Request().Context(), services.CreateSubscriptionInput{
		TenantID:          tenantID(c),
		SubjectID:         req.SubjectID,
		PlanCode:          req.PlanCode,
		Interval:          req.Interval,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Provider:          req.Provider,
		DowngradePlanCode: req.DowngradePlanCode,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sub)
}

// GetSubscription handles GET /api/subscriptions/:uuid
func (h *SubscriptionHandler) GetSubscription(c echo.Context) error {
	sub, err := h.subscriptions.GetSubscription(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}

// CancelSubscription handles POST /api/subscriptions/:uuid/cancel
func (h *SubscriptionHandler) CancelSubscription(c echo.Context) error {
	sub, err := h.subscriptions.CancelSubscription(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sub)
}
