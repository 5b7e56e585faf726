package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"lipa_engine/internal/models"
)

// ErrNotFound is the store-agnostic missing-record error
var ErrNotFound = errors.New("record not found")

// IntentStore persists payment intents, their payments and the webhook audit
// trail. TransitionIntent is a compare-and-swap: concurrent writers racing on
// the same intent see exactly one winner.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByUUID(ctx context.Context, uuid string) (*models.PaymentIntent, error)
	GetIntentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error)
	GetIntentByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentIntent, error)
	// TransitionIntent moves status from->to and applies fields; returns
	// false when the intent was not in the expected from status
	TransitionIntent(ctx context.Context, id uint, from, to models.IntentStatus, fields map[string]interface{}) (bool, error)
	ListStaleInitiated(ctx context.Context, asOf time.Time, limit int) ([]models.PaymentIntent, error)

	CreatePayment(ctx context.Context, payment *models.Payment) error
	GetPaymentByEventID(ctx context.Context, provider, eventID string) (*models.Payment, error)
	GetPendingPaymentByIntent(ctx context.Context, intentID uint) (*models.Payment, error)
	GetLatestPaymentByIntent(ctx context.Context, intentID uint) (*models.Payment, error)
	UpdatePayment(ctx context.Context, id uint, fields map[string]interface{}) error

	CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error
}

// GormIntentStore is the postgres-backed IntentStore
type GormIntentStore struct {
	db *gorm.DB
}

func NewGormIntentStore(db *gorm.DB) *GormIntentStore {
	return &GormIntentStore{db: db}
}

func (s *GormIntentStore) CreateIntent(ctx context.Context, intent *models.PaymentIntent) error {
	return s.db.WithContext(ctx).Create(intent).Error
}

func (s *GormIntentStore) getIntent(ctx context.Context, query string, args ...interface{}) (*models.PaymentIntent, error) {
	var intent models.PaymentIntent
	err := s.db.WithContext(ctx).Where(query, args...).First(&intent).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

func (s *GormIntentStore) GetIntentByUUID(ctx context.Context, uuid string) (*models.PaymentIntent, error) {
	return s.getIntent(ctx, "uuid = ?", uuid)
}

func (s *GormIntentStore) GetIntentByIdempotencyKey(ctx context.Context, key string) (*models.PaymentIntent, error) {
	return s.getIntent(ctx, "idempotency_key = ?", key)
}

func (s *GormIntentStore) GetIntentByProviderRef(ctx context.Context, provider, ref string) (*models.PaymentIntent, error) {
	return s.getIntent(ctx, "provider = ? AND provider_ref = ?", provider, ref)
}

func (s *GormIntentStore) TransitionIntent(ctx context.Context, id uint, from, to models.IntentStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.PaymentIntent{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormIntentStore) ListStaleInitiated(ctx context.Context, asOf time.Time, limit int) ([]models.PaymentIntent, error) {
	var intents []models.PaymentIntent
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", models.IntentStatusProviderInitiated, asOf).
		Order("expires_at asc").
		Limit(limit).
		Find(&intents).Error
	return intents, err
}

func (s *GormIntentStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	return s.db.WithContext(ctx).Create(payment).Error
}

func (s *GormIntentStore) GetPaymentByEventID(ctx context.Context, provider, eventID string) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_event_id = ?", provider, eventID).
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *GormIntentStore) GetPendingPaymentByIntent(ctx context.Context, intentID uint) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).
		Where("intent_id = ? AND status = ?", intentID, models.PaymentStatusPending).
		Order("created_at desc").
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *GormIntentStore) GetLatestPaymentByIntent(ctx context.Context, intentID uint) (*models.Payment, error) {
	var payment models.Payment
	err := s.db.WithContext(ctx).
		Where("intent_id = ?", intentID).
		Order("created_at desc").
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *GormIntentStore) UpdatePayment(ctx context.Context, id uint, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.Payment{}).Where("id = ?", id).Updates(fields).Error
}

func (s *GormIntentStore) CreateWebhookEvent(ctx context.Context, event *models.WebhookEvent) error {
	return s.db.WithContext(ctx).Create(event).Error
}
