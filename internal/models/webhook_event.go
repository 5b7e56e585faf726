package models

import (
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// WebhookEventStatus records how an inbound callback was handled
type WebhookEventStatus string

const (
	WebhookEventStatusProcessed WebhookEventStatus = "processed"
	WebhookEventStatusDuplicate WebhookEventStatus = "duplicate"
	WebhookEventStatusIgnored   WebhookEventStatus = "ignored"
	WebhookEventStatusFailed    WebhookEventStatus = "failed"
)

// WebhookEvent is the audit row for every inbound provider callback,
// including malformed and replayed ones. Dedup itself is enforced by the
// idempotency layer; this table answers "what did we receive and when".
type WebhookEvent struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	Provider        string `gorm:"type:varchar(30);index" json:"provider"`
	ProviderEventID string `gorm:"type:varchar(200);index" json:"provider_event_id"`

	Status  WebhookEventStatus `gorm:"type:varchar(20);index" json:"status"`
	Payload json.RawMessage    `gorm:"type:jsonb" json:"payload"`
	Note    string             `gorm:"type:text" json:"note,omitempty"`

	IntentUUID  string `gorm:"type:varchar(36);index" json:"intent_uuid,omitempty"`
	PaymentUUID string `gorm:"type:varchar(36)" json:"payment_uuid,omitempty"`
}
