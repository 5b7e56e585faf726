package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const ProviderAirtel = "airtel"

// AirtelAdapter integrates the Airtel Money open API: merchant collect
// (direct-collect, the customer consented up front), status query and
// refunds.
type AirtelAdapter struct {
	baseURL      string
	clientID     string
	clientSecret string
	client       *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewAirtelAdapter() *AirtelAdapter {
	baseURL := os.Getenv("AIRTEL_BASE_URL")
	if baseURL == "" {
		baseURL = "https://openapiuat.airtel.africa"
	}
	return &AirtelAdapter{
		baseURL:      baseURL,
		clientID:     os.Getenv("AIRTEL_CLIENT_ID"),
		clientSecret: os.Getenv("AIRTEL_CLIENT_SECRET"),
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *AirtelAdapter) Name() string { return ProviderAirtel }

func (a *AirtelAdapter) getAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	payload := map[string]string{
		"client_id":     a.clientID,
		"client_secret": a.clientSecret,
		"grant_type":    "client_credentials",
	}
	data, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/auth/oauth2/token", bytes.NewBuffer(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: airtel auth: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: airtel auth status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(body))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: airtel auth decode: %v", ErrProviderUnavailable, err)
	}

	expiresIn := out.ExpiresIn
	if expiresIn == 0 {
		expiresIn = 3600
	}
	a.accessToken = out.AccessToken
	a.tokenExpiry = time.Now().Add(time.Duration(expiresIn-300) * time.Second)
	return a.accessToken, nil
}

func (a *AirtelAdapter) doJSON(ctx context.Context, method, url string, payload interface{}, out interface{}) error {
	token, err := a.getAccessToken(ctx)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		bodyReader = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Country", "KE")
	req.Header.Set("X-Currency", "KES")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: airtel status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: airtel status %d: %s", ErrProviderRejected, resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: airtel decode: %v", ErrProviderUnavailable, err)
		}
	}
	return nil
}

// localMsisdn strips the country code; Airtel wants the 0-prefixed local form
func localMsisdn(msisdn string) string {
	msisdn = strings.TrimSpace(msisdn)
	if strings.HasPrefix(msisdn, "+254") {
		return "0" + msisdn[4:]
	}
	if strings.HasPrefix(msisdn, "254") {
		return "0" + msisdn[3:]
	}
	return msisdn
}

// Initiate requests a merchant collection. The caller's Reference is the
// transaction id echoed in callbacks.
func (a *AirtelAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	payload := map[string]interface{}{
		"reference": req.Reference,
		"subscriber": map[string]interface{}{
			"country":  "KE",
			"currency": "KES",
			"msisdn":   localMsisdn(req.Msisdn),
		},
		"transaction": map[string]interface{}{
			"amount":   float64(req.Amount) / 100,
			"country":  "KE",
			"currency": "KES",
			"id":       req.Reference,
		},
	}

	var resp struct {
		Data struct {
			Transaction struct {
				ID string `json:"id"`
			} `json:"transaction"`
		} `json:"data"`
		Status struct {
			Success bool   `json:"success"`
			Message string `json:"message"`
		} `json:"status"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.baseURL+"/merchant/v1/payments/", payload, &resp); err != nil {
		return nil, err
	}
	if !resp.Status.Success && resp.Status.Message != "" {
		return nil, fmt.Errorf("%w: airtel: %s", ErrProviderRejected, resp.Status.Message)
	}

	ref := resp.Data.Transaction.ID
	if ref == "" {
		ref = req.Reference
	}
	log.Printf("[airtel] collect initiated: %s", ref)
	return &InitiateResult{ProviderRef: ref, NextAction: "collect"}, nil
}

// airtelCallback mirrors the webhook body: transaction status TS means
// success, TF means failure.
type airtelCallback struct {
	Transaction struct {
		ID            string      `json:"id"`
		AirtelMoneyID string      `json:"airtel_money_id"`
		Status        string      `json:"status"`
		Amount        json.Number `json:"amount"`
		Currency      string      `json:"currency"`
		Message       string      `json:"message"`
	} `json:"transaction"`
	Subscriber struct {
		Msisdn string `json:"msisdn"`
	} `json:"subscriber"`
}

func (a *AirtelAdapter) ParseCallback(raw []byte) (*NormalizedEvent, error) {
	var cb airtelCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if cb.Transaction.ID == "" || cb.Transaction.Status == "" {
		return nil, fmt.Errorf("%w: missing transaction id or status", ErrMalformedCallback)
	}

	eventID := cb.Transaction.AirtelMoneyID
	if eventID == "" {
		eventID = cb.Transaction.ID
	}

	ev := &NormalizedEvent{
		Provider:        ProviderAirtel,
		ProviderEventID: eventID,
		ProviderRef:     cb.Transaction.ID,
		Currency:        cb.Transaction.Currency,
		ReceiptNumber:   cb.Transaction.AirtelMoneyID,
		PayerPhone:      cb.Subscriber.Msisdn,
	}
	if f, err := cb.Transaction.Amount.Float64(); err == nil {
		ev.Amount = int64(f * 100)
	}

	switch cb.Transaction.Status {
	case "TS", "SUCCESS":
		ev.Outcome = OutcomeSuccess
	default:
		ev.Outcome = OutcomeFailure
		ev.FailureReason = fmt.Sprintf("status %s: %s", cb.Transaction.Status, cb.Transaction.Message)
	}
	return ev, nil
}

func (a *AirtelAdapter) QueryStatus(ctx context.Context, providerRef string) (Outcome, error) {
	var resp struct {
		Data struct {
			Transaction struct {
				Status string `json:"status"`
			} `json:"transaction"`
		} `json:"data"`
	}
	url := a.baseURL + "/standard/v1/payments/" + providerRef
	if err := a.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return OutcomePending, err
	}

	switch resp.Data.Transaction.Status {
	case "TS", "SUCCESS":
		return OutcomeSuccess, nil
	case "TF", "FAILED":
		return OutcomeFailure, nil
	default:
		return OutcomePending, nil
	}
}

func (a *AirtelAdapter) Reverse(ctx context.Context, providerRef string, amount int64) (*InitiateResult, error) {
	payload := map[string]interface{}{
		"transaction": map[string]interface{}{
			"airtel_money_id": providerRef,
			"amount":          float64(amount) / 100,
			"country":         "KE",
			"currency":        "KES",
		},
	}

	var resp struct {
		Data struct {
			Transaction struct {
				ID string `json:"id"`
			} `json:"transaction"`
		} `json:"data"`
	}
	if err := a.doJSON(ctx, http.MethodPost, a.baseURL+"/standard/v1/payments/refund", payload, &resp); err != nil {
		return nil, err
	}

	log.Printf("[airtel] refund initiated for %s", providerRef)
	return &InitiateResult{ProviderRef: resp.Data.Transaction.ID, NextAction: "none"}, nil
}

func (a *AirtelAdapter) SettlementTotal(ctx context.Context, tenantID string, date time.Time) (int64, error) {
	var resp struct {
		Data struct {
			SettledAmount json.Number `json:"settled_amount"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/merchant/v1/settlements?date=%s&tenant=%s", a.baseURL, date.Format("2006-01-02"), tenantID)
	if err := a.doJSON(ctx, http.MethodGet, url, nil, &resp); err != nil {
		return 0, err
	}
	f, err := resp.Data.SettledAmount.Float64()
	if err != nil {
		return 0, fmt.Errorf("%w: airtel settlement decode: %v", ErrProviderUnavailable, err)
	}
	return int64(f * 100), nil
}
