package models

import (
	"time"

	"gorm.io/gorm"
)

// IntentStatus is the lifecycle state of a PaymentIntent
type IntentStatus string

const (
	IntentStatusCreated           IntentStatus = "created"
	IntentStatusProviderInitiated IntentStatus = "provider_initiated"
	IntentStatusSucceeded         IntentStatus = "succeeded"
	IntentStatusFailed            IntentStatus = "failed"
	IntentStatusExpired           IntentStatus = "expired"
	IntentStatusCancelled         IntentStatus = "cancelled"
	IntentStatusReversed          IntentStatus = "reversed"
)

// IsTerminal reports whether the status permits no further transitions.
// A succeeded intent is terminal for collection purposes but may still
// move to reversed through the explicit refund flow.
func (s IntentStatus) IsTerminal() bool {
	switch s {
	case IntentStatusSucceeded, IntentStatusFailed, IntentStatusExpired,
		IntentStatusCancelled, IntentStatusReversed:
		return true
	}
	return false
}

// PaymentIntent represents a single request to collect money from a subject.
// Exactly one non-terminal intent may exist per idempotency key.
type PaymentIntent struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	UUID      string `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	TenantID  string `gorm:"type:varchar(100);index" json:"tenant_id"`
	SubjectID string `gorm:"type:varchar(100);index" json:"subject_id"`

	// Amount is in minor units of Currency
	Amount   int64  `json:"amount"`
	Currency string `gorm:"type:varchar(3);default:'KES'" json:"currency"`

	IdempotencyKey string       `gorm:"type:varchar(100);uniqueIndex" json:"idempotency_key"`
	Status         IntentStatus `gorm:"type:varchar(30);index" json:"status"`

	Provider string `gorm:"type:varchar(30);index" json:"provider"`
	// ProviderRef is the provider-side reference returned by initiate
	// (CheckoutRequestID for M-Pesa, transaction id for Airtel, order id for Midtrans)
	ProviderRef string `gorm:"type:varchar(100);index" json:"provider_ref"`
	MerchantRef string `gorm:"type:varchar(100)" json:"merchant_ref"`

	// Reversal lineage: a refund always produces a new intent pointing at the original
	IsReversal       bool   `gorm:"default:false" json:"is_reversal"`
	ReversedIntentID string `gorm:"type:varchar(36)" json:"reversed_intent_id,omitempty"`

	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	ExpiresAt    time.Time `gorm:"index" json:"expires_at"`

	Payments []Payment `gorm:"foreignKey:IntentID" json:"payments,omitempty"`
}
