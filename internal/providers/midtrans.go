package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

const ProviderMidtrans = "midtrans"

// MidtransAdapter integrates the Midtrans gateway (direct-collect variant,
// charge against a stored consent). Initiation goes through Snap, status and
// refunds through the core API.
type MidtransAdapter struct {
	snapClient snap.Client
	coreClient coreapi.Client
}

func NewMidtransAdapter() *MidtransAdapter {
	serverKey := os.Getenv("MIDTRANS_SERVER_KEY")

	env := midtrans.Sandbox
	if os.Getenv("MIDTRANS_IS_PRODUCTION") == "true" {
		env = midtrans.Production
	}

	var s snap.Client
	s.New(serverKey, env)

	var c coreapi.Client
	c.New(serverKey, env)

	return &MidtransAdapter{snapClient: s, coreClient: c}
}

func (a *MidtransAdapter) Name() string { return ProviderMidtrans }

func mapMidtransError(err *midtrans.Error) error {
	if err == nil {
		return nil
	}
	if err.StatusCode >= 500 || err.StatusCode == 0 {
		return fmt.Errorf("%w: midtrans: %v", ErrProviderUnavailable, err.Message)
	}
	return fmt.Errorf("%w: midtrans: %v", ErrProviderRejected, err.Message)
}

// Initiate creates a Snap transaction keyed on the caller reference; the
// reference is the order id echoed in notifications.
func (a *MidtransAdapter) Initiate(ctx context.Context, req InitiateRequest) (*InitiateResult, error) {
	param := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.Reference,
			GrossAmt: req.Amount / 100,
		},
		Items: &[]midtrans.ItemDetails{
			{
				ID:    req.Reference,
				Name:  req.Description,
				Price: req.Amount / 100,
				Qty:   1,
			},
		},
		Callbacks: &snap.Callbacks{Finish: req.CallbackURL},
	}

	resp, err := a.snapClient.CreateTransaction(param)
	if err != nil {
		return nil, mapMidtransError(err)
	}

	log.Printf("[midtrans] transaction created: %s", req.Reference)
	return &InitiateResult{
		ProviderRef: req.Reference,
		MerchantRef: resp.Token,
		NextAction:  "redirect",
	}, nil
}

// midtransNotification is the HTTP notification body Midtrans posts on every
// transaction status change.
type midtransNotification struct {
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	OrderID           string `json:"order_id"`
	GrossAmount       string `json:"gross_amount"`
	Currency          string `json:"currency"`
	StatusMessage     string `json:"status_message"`
	FraudStatus       string `json:"fraud_status"`
}

func (a *MidtransAdapter) ParseCallback(raw []byte) (*NormalizedEvent, error) {
	var n midtransNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCallback, err)
	}
	if n.TransactionID == "" || n.OrderID == "" || n.TransactionStatus == "" {
		return nil, fmt.Errorf("%w: missing transaction_id, order_id or transaction_status", ErrMalformedCallback)
	}

	ev := &NormalizedEvent{
		Provider:        ProviderMidtrans,
		ProviderEventID: n.TransactionID,
		ProviderRef:     n.OrderID,
		Currency:        n.Currency,
		ReceiptNumber:   n.TransactionID,
	}
	var amt float64
	fmt.Sscanf(n.GrossAmount, "%f", &amt)
	ev.Amount = int64(amt * 100)

	switch n.TransactionStatus {
	case "settlement", "capture":
		ev.Outcome = OutcomeSuccess
	case "pending":
		ev.Outcome = OutcomePending
	default:
		// deny, cancel, expire, failure
		ev.Outcome = OutcomeFailure
		ev.FailureReason = fmt.Sprintf("status %s: %s", n.TransactionStatus, n.StatusMessage)
	}
	return ev, nil
}

func (a *MidtransAdapter) QueryStatus(ctx context.Context, providerRef string) (Outcome, error) {
	resp, err := a.coreClient.CheckTransaction(providerRef)
	if err != nil {
		return OutcomePending, mapMidtransError(err)
	}

	switch resp.TransactionStatus {
	case "settlement", "capture":
		return OutcomeSuccess, nil
	case "deny", "cancel", "expire", "failure":
		return OutcomeFailure, nil
	default:
		return OutcomePending, nil
	}
}

func (a *MidtransAdapter) Reverse(ctx context.Context, providerRef string, amount int64) (*InitiateResult, error) {
	req := &coreapi.RefundReq{
		Amount: amount / 100,
		Reason: "requested reversal",
	}
	resp, err := a.coreClient.RefundTransaction(providerRef, req)
	if err != nil {
		return nil, mapMidtransError(err)
	}

	log.Printf("[midtrans] refund initiated for %s", providerRef)
	return &InitiateResult{ProviderRef: resp.RefundKey, NextAction: "none"}, nil
}

// SettlementTotal is not exposed by the Midtrans API; reconciliation for this
// provider runs against the dashboard export ingested elsewhere.
func (a *MidtransAdapter) SettlementTotal(ctx context.Context, tenantID string, date time.Time) (int64, error) {
	return 0, fmt.Errorf("%w: midtrans settlement report not available", ErrProviderUnavailable)
}
