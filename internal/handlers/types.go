package handlers

import (
	"github.com/labstack/echo/v4"

	"lipa_engine/internal/models"
)

// CreateIntentRequest is the payload for POST /api/intents. The idempotency
// key may come from the X-Idempotency-Key header instead of the body.
type CreateIntentRequest struct {
	SubjectID      string `json:"subject_id"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Provider       string `json:"provider"`
	IdempotencyKey string `json:"idempotency_key"`
	Description    string `json:"description"`
}

// InitiateIntentRequest is the payload for POST /api/intents/:uuid/initiate
type InitiateIntentRequest struct {
	Msisdn      string `json:"msisdn"`
	Description string `json:"description"`
}

// ReverseIntentRequest is the payload for POST /api/intents/:uuid/reverse
type ReverseIntentRequest struct {
	Reason string `json:"reason"`
}

// CreateSubscriptionRequest is the payload for POST /api/subscriptions
type CreateSubscriptionRequest struct {
	SubjectID         string                 `json:"subject_id"`
	PlanCode          string                 `json:"plan_code"`
	Interval          models.BillingInterval `json:"interval"`
	Amount            int64                  `json:"amount"`
	Currency          string                 `json:"currency"`
	Provider          string                 `json:"provider"`
	DowngradePlanCode string                 `json:"downgrade_plan_code"`
}

// ResolveFindingRequest is the payload for POST /api/reconciliation/:id/resolve
type ResolveFindingRequest struct {
	Resolution models.ResolutionStatus `json:"resolution"`
	Note       string                  `json:"note"`
}

// BalanceResponse is the payload for the account balance endpoint
type BalanceResponse struct {
	Account  string `json:"account"`
	Balance  int64  `json:"balance"`
	Currency string `json:"currency"`
	AsOf     string `json:"as_of"`
}

// tenantID pulls the tenant claim the auth middleware stored on the context
func tenantID(c echo.Context) string {
	if tenant, ok := c.Get("tenantID").(string); ok {
		return tenant
	}
	return ""
}
