package models

import (
	"time"

	"gorm.io/gorm"
)

// ProviderAccount holds per-tenant provider configuration. Secrets are never
// stored here; SecretRef names the entry in the external secret store (an
// environment variable in the default deployment).
type ProviderAccount struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	TenantID string `gorm:"type:varchar(100);uniqueIndex:idx_provider_accounts_tenant" json:"tenant_id"`
	Provider string `gorm:"type:varchar(30);uniqueIndex:idx_provider_accounts_tenant" json:"provider"`

	// M-Pesa shortcode / Airtel merchant id / Midtrans merchant id
	MerchantCode string `gorm:"type:varchar(50)" json:"merchant_code"`
	Environment  string `gorm:"type:varchar(20);default:'sandbox'" json:"environment"`
	SecretRef    string `gorm:"type:varchar(200)" json:"secret_ref"`

	IsActive bool `gorm:"default:true" json:"is_active"`
}
