package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lipa_engine/internal/models"
)

// ReservationState is the outcome of a Reserve call
type ReservationState string

const (
	// ReservationAcquired means the caller owns the key and must execute
	// the operation, then Complete or Release it
	ReservationAcquired ReservationState = "acquired"
	// ReservationInFlight means another writer holds the key; the caller
	// must not repeat the effect and adopts the winner's eventual outcome
	ReservationInFlight ReservationState = "in_flight"
	// ReservationCompleted means the operation already ran; Result carries
	// the recorded outcome
	ReservationCompleted ReservationState = "completed"
)

// Reservation is what Reserve hands back
type Reservation struct {
	State  ReservationState
	Result json.RawMessage
}

// IdempotencyStore serializes every externally-effectful operation. Webhook
// processing, intent creation, ledger posting and sweep transitions all
// reserve a key unique to the logical operation before acting; losing the
// race means adopting the recorded outcome instead of re-executing.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (*Reservation, error)
	Complete(ctx context.Context, key string, result interface{}) error
	// Release frees an acquired key after a failed attempt so a retry can
	// re-reserve it
	Release(ctx context.Context, key string) error
}

// inFlightTTL bounds how long a crashed holder can block a key
const inFlightTTL = 5 * time.Minute

// RedisGormIdempotency combines a redis SetNX lock (atomic in-flight marker)
// with a durable gorm completion record (authoritative result).
type RedisGormIdempotency struct {
	db    *gorm.DB
	cache *RedisCache
}

func NewRedisGormIdempotency(db *gorm.DB, cache *RedisCache) *RedisGormIdempotency {
	return &RedisGormIdempotency{db: db, cache: cache}
}

func lockKey(key string) string {
	return "idem:" + key
}

func (s *RedisGormIdempotency) Reserve(ctx context.Context, key string) (*Reservation, error) {
	// Completed record wins over everything, including a stale lock
	var rec models.IdempotencyRecord
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&rec).Error
	if err == nil && rec.Status == models.IdempotencyStatusCompleted {
		return &Reservation{State: ReservationCompleted, Result: rec.Result}, nil
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	acquired, err := s.cache.SetNX(ctx, lockKey(key), "1", inFlightTTL)
	if err != nil {
		return nil, fmt.Errorf("idempotency lock: %w", err)
	}
	if !acquired {
		return &Reservation{State: ReservationInFlight}, nil
	}

	// Record the in-flight row; a unique-key conflict means a concurrent
	// writer beat us between the lookup and the lock
	rec = models.IdempotencyRecord{Key: key, Status: models.IdempotencyStatusInFlight}
	if err := s.db.WithContext(ctx).Where("key = ?", key).FirstOrCreate(&rec).Error; err != nil {
		s.cache.Delete(ctx, lockKey(key))
		return nil, err
	}
	if rec.Status == models.IdempotencyStatusCompleted {
		s.cache.Delete(ctx, lockKey(key))
		return &Reservation{State: ReservationCompleted, Result: rec.Result}, nil
	}

	return &Reservation{State: ReservationAcquired}, nil
}

func (s *RedisGormIdempotency) Complete(ctx context.Context, key string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency result: %w", err)
	}

	err = s.db.WithContext(ctx).Model(&models.IdempotencyRecord{}).
		Where("key = ?", key).
		Updates(map[string]interface{}{
			"status": models.IdempotencyStatusCompleted,
			"result": json.RawMessage(data),
		}).Error
	if err != nil {
		return err
	}

	s.cache.Delete(ctx, lockKey(key))
	return nil
}

func (s *RedisGormIdempotency) Release(ctx context.Context, key string) error {
	if err := s.db.WithContext(ctx).
		Where("key = ? AND status = ?", key, models.IdempotencyStatusInFlight).
		Delete(&models.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	return s.cache.Delete(ctx, lockKey(key))
}
