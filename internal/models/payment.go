package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// PaymentStatus is the provider-side state of a payment attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusReversed  PaymentStatus = "reversed"
)

// Payment is the provider-side record of one attempt tied to a PaymentIntent.
// ProviderEventID is unique per provider; a duplicate callback carrying the
// same event id must be a no-op.
type Payment struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	UUID     string `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	IntentID uint   `gorm:"index" json:"intent_id"`

	Provider string `gorm:"type:varchar(30);uniqueIndex:idx_payments_provider_event,where:provider_event_id <> ''" json:"provider"`
	// ProviderTxnRef is set once the provider responds (receipt-bearing reference)
	ProviderTxnRef  string `gorm:"type:varchar(100);index" json:"provider_txn_ref"`
	ProviderEventID string `gorm:"type:varchar(200);uniqueIndex:idx_payments_provider_event,where:provider_event_id <> ''" json:"provider_event_id"`

	Status PaymentStatus `gorm:"type:varchar(20);index" json:"status"`
	Amount int64         `json:"amount"`

	ReceiptNumber string `gorm:"type:varchar(100)" json:"receipt_number,omitempty"`
	PayerPhone    string `gorm:"type:varchar(20)" json:"payer_phone,omitempty"`

	// NormalizedPayload is the adapter's normalized event, kept for audit
	NormalizedPayload json.RawMessage `gorm:"type:jsonb" json:"normalized_payload,omitempty"`

	Intent PaymentIntent `gorm:"foreignKey:IntentID" json:"intent,omitempty"`
}
