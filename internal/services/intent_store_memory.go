package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"lipa_engine/internal/models"
)

// MemoryIntentStore is an in-process IntentStore for tests
type MemoryIntentStore struct {
	mu       sync.Mutex
	intents  []*models.PaymentIntent
	payments []*models.Payment
	webhooks []*models.WebhookEvent
	nextID   uint
}

func NewMemoryIntentStore() *MemoryIntentStore {
	return &MemoryIntentStore{nextID: 1}
}

func (s *MemoryIntentStore) nextIDLocked() uint {
	id := s.nextID
	s.nextID++
	return id
}

func (s *MemoryIntentStore) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	intent.ID = s.nextIDLocked()
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	cp := *intent
	s.intents = append(s.intents, &cp)
	return nil
}

func (s *MemoryIntentStore) findIntent(match func(*models.PaymentIntent) bool) (*models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if match(in) {
			cp := *in
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryIntentStore) GetIntentByUUID(ctx context.Context, uuid string) (*models.PaymentIntent, error) {
	return s.findIntent(func(in *models.PaymentIntent) bool { return in.UUID == uuid })
}

func (s *MemoryIntentStore) GetIntentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	return s.findIntent(func(in *models.PaymentIntent) bool { return in.IdempotencyKey == key })
}

func (s *MemoryIntentStore) GetIntentByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentIntent, error) {
	return s.findIntent(func(in *models.PaymentIntent) bool {
		return in.Provider == provider && in.ProviderRef == ref
	})
}

func (s *MemoryIntentStore) TransitionIntent(ctx context.Context, id uint, from, to models.IntentStatus, fields map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, in := range s.intents {
		if in.ID != id {
			continue
		}
		if in.Status != from {
			return false, nil
		}
		in.Status = to
		applyIntentFields(in, fields)
		in.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

// applyIntentFields mirrors the column names the gorm store updates
func applyIntentFields(in *models.PaymentIntent, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "provider_ref":
			in.ProviderRef = v.(string)
		case "merchant_ref":
			in.MerchantRef = v.(string)
		case "error_message":
			in.ErrorMessage = v.(string)
		case "expires_at":
			in.ExpiresAt = v.(time.Time)
		}
	}
}

func (s *MemoryIntentStore) ListStaleInitiated(ctx context.Context, asOf time.Time, limit int) ([]models.PaymentIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PaymentIntent
	for _, in := range s.intents {
		if in.Status == models.IntentStatusProviderInitiated && in.ExpiresAt.Before(asOf) {
			out = append(out, *in)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s *MemoryIntentStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment.ID = s.nextIDLocked()
	if payment.CreatedAt.IsZero() {
		payment.CreatedAt = time.Now()
	}
	cp := *payment
	s.payments = append(s.payments, &cp)
	return nil
}

func (s *MemoryIntentStore) GetPaymentByEventID(ctx context.Context, provider, eventID string) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.Provider == provider && p.ProviderEventID == eventID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryIntentStore) GetPendingPaymentByIntent(ctx context.Context, intentID uint) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.payments) - 1; i >= 0; i-- {
		p := s.payments[i]
		if p.IntentID == intentID && p.Status == models.PaymentStatusPending {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryIntentStore) GetLatestPaymentByIntent(ctx context.Context, intentID uint) (*models.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.payments) - 1; i >= 0; i-- {
		if s.payments[i].IntentID == intentID {
			cp := *s.payments[i]
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryIntentStore) UpdatePayment(ctx context.Context, id uint, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payments {
		if p.ID != id {
			continue
		}
		for k, v := range fields {
			switch k {
			case "status":
				p.Status = v.(models.PaymentStatus)
			case "provider_event_id":
				p.ProviderEventID = v.(string)
			case "provider_txn_ref":
				p.ProviderTxnRef = v.(string)
			case "receipt_number":
				p.ReceiptNumber = v.(string)
			case "payer_phone":
				p.PayerPhone = v.(string)
			case "amount":
				p.Amount = v.(int64)
			case "normalized_payload":
				p.NormalizedPayload = v.(json.RawMessage)
			}
		}
		p.UpdatedAt = time.Now()
		return nil
	}
	return ErrNotFound
}

func (s *MemoryIntentStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = s.nextIDLocked()
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	cp := *event
	s.webhooks = append(s.webhooks, &cp)
	return nil
}

// Intents returns a snapshot of all intents, insertion order. Test helper.
func (s *MemoryIntentStore) Intents() []models.PaymentIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.PaymentIntent, 0, len(s.intents))
	for _, in := range s.intents {
		out = append(out, *in)
	}
	return out
}

// Payments returns a snapshot of all payments, insertion order. Test helper.
func (s *MemoryIntentStore) Payments() []models.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Payment, 0, len(s.payments))
	for _, p := range s.payments {
		out = append(out, *p)
	}
	return out
}

// WebhookEvents returns a snapshot of the audit trail. Test helper.
func (s *MemoryIntentStore) WebhookEvents() []models.WebhookEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.WebhookEvent, 0, len(s.webhooks))
	for _, w := range s.webhooks {
		out = append(out, *w)
	}
	return out
}
