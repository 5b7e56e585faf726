package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"lipa_engine/internal/models"
)

// MemorySubscriptionStore is an in-process SubscriptionStore for tests
type MemorySubscriptionStore struct {
	mu       sync.Mutex
	subs     []*models.Subscription
	attempts []*models.RenewalAttempt
	methods  []*models.PaymentMethod
	nextID   uint
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{nextID: 1}
}

func (s *MemorySubscriptionStore) nextIDLocked() uint {
	id := s.nextID
	s.nextID++
	return id
}

func (s *MemorySubscriptionStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.ID = s.nextIDLocked()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now()
	}
	cp := *sub
	s.subs = append(s.subs, &cp)
	return nil
}

func (s *MemorySubscriptionStore) GetSubscriptionByUUID(ctx context.Context, uuid string) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.UUID == uuid {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemorySubscriptionStore) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID == id {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemorySubscriptionStore) ListDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != models.SubscriptionStatusActive {
			continue
		}
		if sub.NextRenewalAt.IsZero() || sub.NextRenewalAt.After(asOf) {
			continue
		}
		out = append(out, *sub)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRenewalAt.Before(out[j].NextRenewalAt) })
	return out, nil
}

func (s *MemorySubscriptionStore) ListPastDue(ctx context.Context, limit int) ([]models.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Subscription
	for _, sub := range s.subs {
		if sub.Status != models.SubscriptionStatusPastDue {
			continue
		}
		out = append(out, *sub)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemorySubscriptionStore) TransitionSubscription(ctx context.Context, id uint, from, to models.SubscriptionStatus, fields map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID != id {
			continue
		}
		if sub.Status != from {
			return false, nil
		}
		sub.Status = to
		applySubscriptionFields(sub, fields)
		sub.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (s *MemorySubscriptionStore) UpdateSubscription(ctx context.Context, id uint, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.ID != id {
			continue
		}
		applySubscriptionFields(sub, fields)
		sub.UpdatedAt = time.Now()
		return nil
	}
	return ErrNotFound
}

// applySubscriptionFields mirrors the column names the gorm store updates
func applySubscriptionFields(sub *models.Subscription, fields map[string]interface{}) {
	for k, v := range fields {
		switch k {
		case "status":
			sub.Status = v.(models.SubscriptionStatus)
		case "plan_code":
			sub.PlanCode = v.(string)
		case "amount":
			sub.Amount = v.(int64)
		case "current_period_start":
			sub.CurrentPeriodStart = v.(time.Time)
		case "current_period_end":
			sub.CurrentPeriodEnd = v.(time.Time)
		case "next_renewal_at":
			sub.NextRenewalAt = v.(time.Time)
		case "grace_until":
			sub.GraceUntil = timePtrField(v)
		case "cancelled_at":
			sub.CancelledAt = timePtrField(v)
		case "ended_at":
			sub.EndedAt = timePtrField(v)
		case "downgrade_plan_code":
			sub.DowngradePlanCode = v.(string)
		}
	}
}

func timePtrField(v interface{}) *time.Time {
	switch t := v.(type) {
	case *time.Time:
		return t
	case time.Time:
		return &t
	default:
		return nil
	}
}

func (s *MemorySubscriptionStore) CreateAttempt(ctx context.Context, attempt *models.RenewalAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt.ID = s.nextIDLocked()
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}
	cp := *attempt
	s.attempts = append(s.attempts, &cp)
	return nil
}

func (s *MemorySubscriptionStore) GetAttemptByIntentUUID(ctx context.Context, intentUUID string) (*models.RenewalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.IntentUUID == intentUUID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemorySubscriptionStore) ListOpenAttempts(ctx context.Context, subscriptionID uint) ([]models.RenewalAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.RenewalAttempt
	for _, a := range s.attempts {
		if a.SubscriptionID != subscriptionID {
			continue
		}
		if a.Status == models.AttemptStatusPending || a.Status == models.AttemptStatusSent {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OffsetDays != out[j].OffsetDays {
			return out[i].OffsetDays < out[j].OffsetDays
		}
		return out[i].AttemptNumber < out[j].AttemptNumber
	})
	return out, nil
}

func (s *MemorySubscriptionStore) UpdateAttempt(ctx context.Context, id uint, fields map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.ID != id {
			continue
		}
		for k, v := range fields {
			switch k {
			case "status":
				a.Status = v.(models.AttemptStatus)
			case "intent_uuid":
				a.IntentUUID = v.(string)
			case "error_message":
				a.ErrorMessage = v.(string)
			case "attempted_at":
				a.AttemptedAt = timePtrField(v)
			}
		}
		a.UpdatedAt = time.Now()
		return nil
	}
	return ErrNotFound
}

func (s *MemorySubscriptionStore) CancelPendingAttempts(ctx context.Context, subscriptionID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.attempts {
		if a.SubscriptionID == subscriptionID && a.Status == models.AttemptStatusPending {
			a.Status = models.AttemptStatusCancelled
			a.UpdatedAt = time.Now()
		}
	}
	return nil
}

func (s *MemorySubscriptionStore) CountAttempts(ctx context.Context, subscriptionID uint) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.attempts {
		if a.SubscriptionID == subscriptionID {
			n++
		}
	}
	return n, nil
}

func (s *MemorySubscriptionStore) GetDefaultPaymentMethod(ctx context.Context, tenantID, subjectID string) (*models.PaymentMethod, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fallback *models.PaymentMethod
	for _, m := range s.methods {
		if m.TenantID != tenantID || m.SubjectID != subjectID || !m.IsActive {
			continue
		}
		if m.IsDefault {
			cp := *m
			return &cp, nil
		}
		if fallback == nil {
			fallback = m
		}
	}
	if fallback != nil {
		cp := *fallback
		return &cp, nil
	}
	return nil, ErrNotFound
}

// AddPaymentMethod seeds a method. Test helper.
func (s *MemorySubscriptionStore) AddPaymentMethod(method models.PaymentMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	method.ID = s.nextIDLocked()
	s.methods = append(s.methods, &method)
}

// Attempts returns a snapshot of all attempts, insertion order. Test helper.
func (s *MemorySubscriptionStore) Attempts() []models.RenewalAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.RenewalAttempt, 0, len(s.attempts))
	for _, a := range s.attempts {
		out = append(out, *a)
	}
	return out
}
