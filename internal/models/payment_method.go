package models

import (
	"time"

	"gorm.io/gorm"
)

// PaymentMethod is a subject's stored mobile-money collection target
type PaymentMethod struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID  string `gorm:"type:varchar(100);index" json:"tenant_id"`
	SubjectID string `gorm:"type:varchar(100);index" json:"subject_id"`

	// Provider is the collection provider this method belongs to
	// (mpesa, airtel, midtrans)
	Provider string `gorm:"type:varchar(30)" json:"provider"`
	// Msisdn in 254XXXXXXXXX format for mobile money methods
	Msisdn string `gorm:"type:varchar(20)" json:"msisdn"`

	IsDefault bool `gorm:"default:false" json:"is_default"`
	IsActive  bool `gorm:"default:true" json:"is_active"`
}
