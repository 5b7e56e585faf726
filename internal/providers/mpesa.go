package providers

import (
	"bytes"
	"context"
	"encoding/base64"
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

const ProviderMpesa = "mpesa"

// MpesaAdapter integrates the Daraja API: STK push (push-collection, the
// customer approves the charge on-device), push query, transaction status
// and reversals.
type MpesaAdapter struct {
	baseURL        string
	consumerKey    string
	consumerSecret string
	shortcode      string
	passkey        string
	client         *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func NewMpesaAdapter() *MpesaAdapter {
	baseURL := "https://sandbox.safaricom.co.ke"
	if os.Getenv("MPESA_ENVIRONMENT") == "production" {
		baseURL = "https://api.safaricom.co.ke"
	}
	return &MpesaAdapter{
		baseURL:        baseURL,
		consumerKey:    os.Getenv("MPESA_CONSUMER_KEY"),
		consumerSecret: os.Getenv("MPESA_CONSUMER_SECRET"),
		shortcode:      os.Getenv("MPESA_SHORTCODE"),
		passkey:        os.Getenv("MPESA_PASSKEY"),
		client:         &http.Client{Timeout: 30 * time.Second},
	}
}

func (a *MpesaAdapter) Name() string { return ProviderMpesa }

// getAccessToken fetches and caches the Daraja OAuth token. Tokens live one
// hour; the cache keeps them for 55 minutes.
func (a *MpesaAdapter) getAccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken != "" && time.Now().Before(a.tokenExpiry) {
		return a.accessToken, nil
	}

	url := fmt.Sprintf("%s/oauth/v1/generate?grant_type=client_credentials", a.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.consumerKey + ":" + a.consumerSecret))
	req.Header.Set("Authorization", "Basic "+basic)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: mpesa auth: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("%w: mpesa auth status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(body))
	}

	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return "", fmt.Errorf("%w: mpesa auth decode: %v", ErrProviderUnavailable, err)
	}

	a.accessToken = data.AccessToken
	a.tokenExpiry = time.Now().Add(55 * time.Minute)
	return a.accessToken, nil
}

// stkPassword builds base64(shortcode + passkey + timestamp)
func (a *MpesaAdapter) stkPassword(now time.Time) (password, timestamp string) {
	timestamp = now.Format("20060102150405")
	password = base64.StdEncoding.EncodeToString([]byte(a.shortcode + a.passkey + timestamp))
	return password, timestamp
}

// NormalizeMsisdn converts local formats to 254XXXXXXXXX
func NormalizeMsisdn(msisdn string) string {
	msisdn = strings.TrimSpace(msisdn)
	if strings.HasPrefix(msisdn, "+") {
		return msisdn[1:]
	}
	if strings.HasPrefix(msisdn, "0") {
		return "254" + msisdn[1:]
	}
	return msisdn
}

func (a *MpesaAdapter) postJSON(ctx context.Context, url string, payload interface{}, out interface{}) error {
	token, err := a.getAccessToken(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: mpesa status %d: %s", ErrProviderUnavailable, resp.StatusCode, string(body))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: mpesa status %d: %s", ErrProviderRejected, resp.StatusCode, string(body))
	}

	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("%w: mpesa decode: %v", ErrProviderUnavailable, err)
		}
	}
	return nil
}

// Initiate starts an STK push. The returned ProviderRef is the
// CheckoutRequestID echoed in the eventual callback.
func (a *MpesaAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	password, timestamp := a.stkPassword(time.Now())
	msisdn := NormalizeMsisdn(req.Msisdn)

	ref := req.Reference
	if len(ref) > 12 {
		ref = ref[:12]
	}
	desc := req.Description
	if len(desc) > 13 {
		desc = desc[:13]
	}

	payload := map[string]interface{}{
		"BusinessShortCode": a.shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"TransactionType":   "CustomerPayBillOnline",
		// Daraja takes whole shillings only
		"Amount":           req.Amount / 100,
		"PartyA":           msisdn,
		"PartyB":           a.shortcode,
		"PhoneNumber":      msisdn,
		"CallBackURL":      req.CallbackURL,
		"AccountReference": ref,
		"TransactionDesc":  desc,
	}

	var resp struct {
		CheckoutRequestID string `json:"CheckoutRequestID"`
		MerchantRequestID string `json:"MerchantRequestID"`
		ResponseCode      string `json:"ResponseCode"`
	}
	if err := a.postJSON(ctx, a.baseURL+"/mpesa/stkpush/v1/processrequest", payload, &resp); err != nil {
		return nil, err
	}
	if resp.ResponseCode != "0" && resp.ResponseCode != "" {
		return nil, fmt.Errorf("%w: mpesa response code %s", ErrProviderRejected, resp.ResponseCode)
	}

	log.Printf("[mpesa] STK push initiated: %s (%s)", resp.CheckoutRequestID, msisdn)
	return &InitiateResult{
		ProviderRef: resp.CheckoutRequestID,
		MerchantRef: resp.MerchantRequestID,
		NextAction:  "stk_push",
	}, nil
}

// stkCallback is the Body.stkCallback envelope of a Daraja push callback
type stkCallback struct {
	Body struct {
		StkCallback struct {
			MerchantRequestID string `json:"MerchantRequestID"`
			CheckoutRequestID string `json:"CheckoutRequestID"`
			ResultCode        *int   `json:"ResultCode"`
			ResultDesc        string `json:"ResultDesc"`
			CallbackMetadata  struct {
				Item []struct {
					Name  string      `json:"Name"`
					Value interface{} `json:"Value"`
				} `json:"Item"`
			} `json:"CallbackMetadata"`
		} `json:"stkCallback"`
	} `json:"Body"`
}

// ParseCallback validates and normalizes an STK push callback. The
// CheckoutRequestID doubles as the provider event id: Daraja issues it once
// per push and repeats it verbatim on redelivery.
func (a *MpesaAdapter) ParseCallback(raw []byte) (*NormalizedEvent, error) {
	var cb stkCallback
	if err := json.Unmarshal(raw, &cb); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}

	sc := cb.Body.StkCallback
	if sc.CheckoutRequestID == "" || sc.ResultCode == nil {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID or ResultCode", ErrMalformedCallback)
	}

	ev := &NormalizedEvent{
		Provider:        ProviderMpesa,
		ProviderEventID: sc.CheckoutRequestID,
		ProviderRef:     sc.CheckoutRequestID,
		Currency:        "KES",
	}

	if *sc.ResultCode == 0 {
		ev.Outcome = OutcomeSuccess
		for _, item := range sc.CallbackMetadata.Item {
			switch item.Name {
			case "Amount":
				if v, ok := item.Value.(float64); ok {
					ev.Amount = int64(v * 100)
				}
			case "MpesaReceiptNumber":
				if v, ok := item.Value.(string); ok {
					ev.ReceiptNumber = v
				}
			case "PhoneNumber":
				switch v := item.Value.(type) {
				case float64:
					ev.PayerPhone = fmt.Sprintf("%.0f", v)
				case string:
					ev.PayerPhone = v
				}
			}
		}
	} else {
		ev.Outcome = OutcomeFailure
		ev.FailureReason = fmt.Sprintf("result code %d: %s", *sc.ResultCode, sc.ResultDesc)
	}

	return ev, nil
}

// QueryStatus asks Daraja what happened to an STK push, used when the
// callback never arrived.
func (a *MpesaAdapter) QueryStatus(ctx context.Context, providerRef string) (Outcome, error) {
	password, timestamp := a.stkPassword(time.Now())
	payload := map[string]interface{}{
		"BusinessShortCode": a.shortcode,
		"Password":          password,
		"Timestamp":         timestamp,
		"CheckoutRequestID": providerRef,
	}

	var resp struct {
		ResultCode string `json:"ResultCode"`
		ResultDesc string `json:"ResultDesc"`
	}
	if err := a.postJSON(ctx, a.baseURL+"/mpesa/stkpushquery/v1/query", payload, &resp); err != nil {
		return OutcomePending, err
	}

	switch resp.ResultCode {
	case "0":
		return OutcomeSuccess, nil
	case "":
		return OutcomePending, nil
	default:
		return OutcomeFailure, nil
	}
}

// Reverse requests a transaction reversal for a settled charge
func (a *MpesaAdapter) Reverse(ctx context.Context, providerRef string, amount int64) (*InitiateResult, error) {
	password, _ := a.stkPassword(time.Now())
	payload := map[string]interface{}{
		"Initiator":              "apiuser",
		"SecurityCredential":     password,
		"CommandID":              "TransactionReversal",
		"TransactionID":          providerRef,
		"Amount":                 amount / 100,
		"ReceiverParty":          a.shortcode,
		"ReceiverIdentifierType": "11",
		"ResultURL":              os.Getenv("MPESA_CALLBACK_URL"),
		"QueueTimeOutURL":        os.Getenv("MPESA_CALLBACK_URL"),
		"Remarks":                "Reversal",
	}

	var resp struct {
		ConversationID         string `json:"ConversationID"`
		OriginatorConversation string `json:"OriginatorConversationID"`
	}
	if err := a.postJSON(ctx, a.baseURL+"/mpesa/reversal/v1/request", payload, &resp); err != nil {
		return nil, err
	}

	log.Printf("[mpesa] reversal initiated for %s", providerRef)
	return &InitiateResult{
		ProviderRef: resp.ConversationID,
		MerchantRef: resp.OriginatorConversation,
		NextAction:  "none",
	}, nil
}

// SettlementTotal pulls the settled inbound total for a day from the
// merchant settlement report.
func (a *MpesaAdapter) SettlementTotal(ctx context.Context, tenantID string, date time.Time) (int64, error) {
	payload := map[string]interface{}{
		"ShortCode": a.shortcode,
		"Date":      date.Format("2006-01-02"),
		"TenantRef": tenantID,
	}

	var resp struct {
		SettledAmount int64 `json:"SettledAmount"`
	}
	if err := a.postJSON(ctx, a.baseURL+"/mpesa/settlement/v1/report", payload, &resp); err != nil {
		return 0, err
	}
	return resp.SettledAmount, nil
}
