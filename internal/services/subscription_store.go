package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"lipa_engine/internal/models"
)

// SubscriptionStore persists subscriptions and their renewal attempts
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	GetSubscriptionByUUID(ctx context.Context, uuid string) (*models.Subscription, error)
	GetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	// ListDueForRenewal returns active subscriptions whose NextRenewalAt has
	// passed, skipping those with a zero NextRenewalAt (billing finished)
	ListDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]models.Subscription, error)
	// ListPastDue returns subscriptions in the dunning window
	ListPastDue(ctx context.Context, limit int) ([]models.Subscription, error)
	// TransitionSubscription moves status from->to with extra fields; CAS,
	// returns false on a lost race
	TransitionSubscription(ctx context.Context, id uint, from, to models.SubscriptionStatus, fields map[string]interface{}) (bool, error)
	UpdateSubscription(ctx context.Context, id uint, fields map[string]interface{}) error

	CreateAttempt(ctx context.Context, attempt *models.RenewalAttempt) error
	GetAttemptByIntentUUID(ctx context.Context, intentUUID string) (*models.RenewalAttempt, error)
	// ListOpenAttempts returns non-terminal attempts for a subscription in
	// offset order
	ListOpenAttempts(ctx context.Context, subscriptionID uint) ([]models.RenewalAttempt, error)
	UpdateAttempt(ctx context.Context, id uint, fields map[string]interface{}) error
	// CancelPendingAttempts marks every pending attempt cancelled; called when
	// a dunning episode ends (payment succeeded or grace expired)
	CancelPendingAttempts(ctx context.Context, subscriptionID uint) error
	CountAttempts(ctx context.Context, subscriptionID uint) (int, error)

	// GetDefaultPaymentMethod returns the subject's active default method
	GetDefaultPaymentMethod(ctx context.Context, tenantID, subjectID string) (*models.PaymentMethod, error)
}

// GormSubscriptionStore is the postgres-backed SubscriptionStore
type GormSubscriptionStore struct {
	db *gorm.DB
}

func NewGormSubscriptionStore(db *gorm.DB) *GormSubscriptionStore {
	return &GormSubscriptionStore{db: db}
}

func (s *GormSubscriptionStore) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return s.db.WithContext(ctx).Create(sub).Error
}

func (s *GormSubscriptionStore) GetSubscriptionByUUID(ctx context.Context, uuid string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).Where("uuid = ?", uuid).First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *GormSubscriptionStore) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *GormSubscriptionStore) ListDueForRenewal(ctx context.Context, asOf time.Time, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ? AND next_renewal_at > ? AND next_renewal_at <= ?",
			models.SubscriptionStatusActive, time.Time{}, asOf).
		Order("next_renewal_at asc").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (s *GormSubscriptionStore) ListPastDue(ctx context.Context, limit int) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := s.db.WithContext(ctx).
		Where("status = ?", models.SubscriptionStatusPastDue).
		Order("id asc").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

func (s *GormSubscriptionStore) TransitionSubscription(ctx context.Context, id uint, from, to models.SubscriptionStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{"status": to}
	for k, v := range fields {
		updates[k] = v
	}
	res := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormSubscriptionStore) UpdateSubscription(ctx context.Context, id uint, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.Subscription{}).Where("id = ?", id).Updates(fields).Error
}

func (s *GormSubscriptionStore) CreateAttempt(ctx context.Context, attempt *models.RenewalAttempt) error {
	return s.db.WithContext(ctx).Create(attempt).Error
}

func (s *GormSubscriptionStore) GetAttemptByIntentUUID(ctx context.Context, intentUUID string) (*models.RenewalAttempt, error) {
	var attempt models.RenewalAttempt
	err := s.db.WithContext(ctx).Where("intent_uuid = ?", intentUUID).First(&attempt).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &attempt, nil
}

func (s *GormSubscriptionStore) ListOpenAttempts(ctx context.Context, subscriptionID uint) ([]models.RenewalAttempt, error) {
	var attempts []models.RenewalAttempt
	err := s.db.WithContext(ctx).
		Where("subscription_id = ? AND status IN ?", subscriptionID,
			[]models.AttemptStatus{models.AttemptStatusPending, models.AttemptStatusSent}).
		Order("offset_days asc, attempt_number asc").
		Find(&attempts).Error
	return attempts, err
}

func (s *GormSubscriptionStore) UpdateAttempt(ctx context.Context, id uint, fields map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.RenewalAttempt{}).Where("id = ?", id).Updates(fields).Error
}

func (s *GormSubscriptionStore) CancelPendingAttempts(ctx context.Context, subscriptionID uint) error {
	return s.db.WithContext(ctx).Model(&models.RenewalAttempt{}).
		Where("subscription_id = ? AND status = ?", subscriptionID, models.AttemptStatusPending).
		Update("status", models.AttemptStatusCancelled).Error
}

func (s *GormSubscriptionStore) CountAttempts(ctx context.Context, subscriptionID uint) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.RenewalAttempt{}).
		Where("subscription_id = ?", subscriptionID).
		Count(&count).Error
	return int(count), err
}

func (s *GormSubscriptionStore) GetDefaultPaymentMethod(ctx context.Context, tenantID, subjectID string) (*models.PaymentMethod, error) {
	var method models.PaymentMethod
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND subject_id = ? AND is_active = ?", tenantID, subjectID, true).
		Order("is_default desc, id asc").
		First(&method).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &method, nil
}
