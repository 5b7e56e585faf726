package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
)

// NotificationEvent is the outbound message emitted on settlement outcomes.
// Delivery transport is external; the engine only posts the event.
type NotificationEvent struct {
	Type          string    `json:"type"`
	TenantID      string    `json:"tenant_id"`
	SubjectID     string    `json:"subject_id"`
	IntentUUID    string    `json:"intent_uuid,omitempty"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Provider      string    `json:"provider,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	ReceiptRef    string    `json:"receipt_ref,omitempty"`
	PlanCode      string    `json:"plan_code,omitempty"`
	GraceUntil    string    `json:"grace_until,omitempty"`
	AttemptNumber int       `json:"attempt_number,omitempty"`
}

const (
	NotifyPaymentSucceeded    = "payment.succeeded"
	NotifyPaymentFailed       = "payment.failed"
	NotifyPaymentReversed     = "payment.reversed"
	NotifySubscriptionPastDue = "subscription.past_due"
	NotifyDunningAttempt      = "subscription.dunning_attempt"
	NotifySubscriptionEnded   = "subscription.ended"
)

// Notifier delivers settlement events to the notification service. Failures
// are logged, never propagated; notification delivery must not affect
// settlement state.
type Notifier interface {
	Notify(ctx context.Context, event NotificationEvent)
}

// HTTPNotifier posts events to the notification service webhook
type HTTPNotifier struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPNotifier() *HTTPNotifier {
	return &HTTPNotifier{
		baseURL: os.Getenv("NOTIFY_BASE_URL"),
		apiKey:  os.Getenv("NOTIFY_API_KEY"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (n *HTTPNotifier) Notify(ctx context.Context, event NotificationEvent) {
	if n.baseURL == "" {
		return
	}
	if err := n.post(ctx, event); err != nil {
		log.Printf("notify %s for intent %s failed: %v", event.Type, event.IntentUUID, err)
	}
}

func (n *HTTPNotifier) post(ctx context.Context, event NotificationEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.baseURL+"/events", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if n.apiKey != "" {
		req.Header.Set("X-Api-Key", n.apiKey)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification service returned %d: %s", resp.StatusCode, string(data))
	}
	return nil
}

// NopNotifier discards events; used in tests and tooling
type NopNotifier struct{}

func (NopNotifier) Notify(ctx context.Context, event NotificationEvent) {}

// RecordingNotifier captures events for assertions in tests. Safe for
// concurrent writers; sweeps may notify from multiple goroutines.
type RecordingNotifier struct {
	mu     sync.Mutex
	Events []NotificationEvent
}

func (r *RecordingNotifier) Notify(ctx context.Context, event NotificationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, event)
}
