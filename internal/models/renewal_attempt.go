package models

import (
	"time"

	"gorm.io/gorm"
)

// AttemptStatus is the state of a single renewal attempt
type AttemptStatus string

const (
	AttemptStatusPending   AttemptStatus = "pending"
	AttemptStatusSent      AttemptStatus = "sent"
	AttemptStatusSucceeded AttemptStatus = "succeeded"
	AttemptStatusFailed    AttemptStatus = "failed"
	AttemptStatusCancelled AttemptStatus = "cancelled"
)

// IsTerminal reports whether the attempt can no longer change
func (s AttemptStatus) IsTerminal() bool {
	return s == AttemptStatusSucceeded || s == AttemptStatusFailed || s == AttemptStatusCancelled
}

// RenewalAttempt tracks one charge attempt for a subscription. The scheduled
// renewal on the period boundary has Dunning=false; the retries created when
// it fails carry Dunning=true and the fixed offsets 0, 1 and 3 days from the
// episode start. Attempts within an episode execute strictly in offset order.
type RenewalAttempt struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	SubscriptionID uint `gorm:"index" json:"subscription_id"`
	AttemptNumber  int  `json:"attempt_number"`

	Dunning    bool `gorm:"default:false" json:"dunning"`
	OffsetDays int  `json:"offset_days"`

	Status AttemptStatus `gorm:"type:varchar(20);index" json:"status"`

	// IntentUUID links the fresh PaymentIntent created for this attempt
	IntentUUID   string `gorm:"type:varchar(36);index" json:"intent_uuid"`
	ErrorMessage string `gorm:"type:text" json:"error_message,omitempty"`

	ScheduledAt time.Time  `gorm:"index" json:"scheduled_at"`
	AttemptedAt *time.Time `json:"attempted_at,omitempty"`

	Subscription Subscription `gorm:"foreignKey:SubscriptionID" json:"subscription,omitempty"`
}
