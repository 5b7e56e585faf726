package models

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus is the completion state of a reserved key
type IdempotencyStatus string

const (
	IdempotencyStatusInFlight  IdempotencyStatus = "in_flight"
	IdempotencyStatusCompleted IdempotencyStatus = "completed"
)

// IdempotencyRecord is the durable completion record behind the dedup layer.
// A completed row is authoritative: replays of the same key return Result
// without re-executing side effects.
type IdempotencyRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Key    string            `gorm:"type:varchar(300);uniqueIndex" json:"key"`
	Status IdempotencyStatus `gorm:"type:varchar(20)" json:"status"`
	Result json.RawMessage   `gorm:"type:jsonb" json:"result,omitempty"`
}
