package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"lipa_engine/internal/providers"
	"lipa_engine/internal/services"
)

// stubAdapter accepts any JSON object with an "id" field and reports success
type stubAdapter struct{ name string }

func (s stubAdapter) Name() string { return s.name }

func (s stubAdapter) Initiate(ctx context.Context, req providers.InitiateRequest) (*providers.InitiateResult, error) {
	return &providers.InitiateResult{ProviderRef: "stub-ref"}, nil
}

func (s stubAdapter) ParseCallback(raw []byte) (*providers.NormalizedEvent, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.ID == "" {
		return nil, providers.ErrMalformedCallback
	}
	return &providers.NormalizedEvent{
		Provider:        s.name,
		ProviderEventID: payload.ID,
		ProviderRef:     "stub-ref",
		Outcome:         providers.OutcomeSuccess,
	}, nil
}

func (s stubAdapter) QueryStatus(ctx context.Context, ref string) (providers.Outcome, error) {
	return providers.OutcomePending, nil
}

func (s stubAdapter) Reverse(ctx context.Context, ref string, amount int64) (*providers.InitiateResult, error) {
	return &providers.InitiateResult{ProviderRef: "stub-rev"}, nil
}

func (s stubAdapter) SettlementTotal(ctx context.Context, tenantID string, date time.Time) (int64, error) {
	return 0, nil
}

func newWebhookHandler() *WebhookHandler {
	registry := providers.NewRegistry()
	registry.Register(stubAdapter{name: providers.ProviderMpesa})

	payments := services.NewPaymentService(
		services.NewMemoryIntentStore(),
		services.NewMemoryLedger(),
		services.NewMemoryIdempotency(),
		registry,
		services.NopNotifier{},
	)
	return NewWebhookHandler(payments)
}

func postCallback(h *WebhookHandler, provider, body string) (*httptest.ResponseRecorder, error) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetPath("/webhooks/:provider")
	c.SetParamNames("provider")
	c.SetParamValues(provider)
	return rec, h.HandleCallback(c)
}

func TestWebhookAcksMpesaShape(t *testing.T) {
	h := newWebhookHandler()

	rec, err := postCallback(h, providers.ProviderMpesa, `{"id":"evt-1"}`)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var body struct {
		ResultCode int    `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("ack not JSON: %v", err)
	}
	if body.ResultCode != 0 || body.ResultDesc != "Accepted" {
		t.Errorf("ack = %+v, want ResultCode 0 / Accepted", body)
	}
}

func TestWebhookAcksMalformedPayload(t *testing.T) {
	h := newWebhookHandler()

	// The provider retries on non-2xx, so even garbage is acknowledged
	rec, err := postCallback(h, providers.ProviderMpesa, `{broken`)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("malformed payload status = %d, want 200", rec.Code)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	h := newWebhookHandler()

	_, err := postCallback(h, "paypal", `{"id":"evt-1"}`)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 HTTPError", err)
	}
}
