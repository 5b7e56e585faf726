package models

import (
	"time"
)

// ResolutionStatus is the operator-facing state of a reconciliation finding
type ResolutionStatus string

const (
	ResolutionStatusPending  ResolutionStatus = "pending"
	ResolutionStatusResolved ResolutionStatus = "resolved"
	ResolutionStatusIgnored  ResolutionStatus = "ignored"
)

// ReconciliationRecord compares the ledger-derived total for one
// tenant/provider/day against the provider-reported settlement total.
// Amounts are minor units. The record is advisory; it never corrects
// the ledger.
type ReconciliationRecord struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Date     time.Time `gorm:"type:date;uniqueIndex:idx_recon_day" json:"date"`
	TenantID string    `gorm:"type:varchar(100);uniqueIndex:idx_recon_day" json:"tenant_id"`
	Provider string    `gorm:"type:varchar(30);uniqueIndex:idx_recon_day" json:"provider"`

	ExpectedTotal int64 `json:"expected_total"`
	ReportedTotal int64 `json:"reported_total"`
	Discrepancy   int64 `json:"discrepancy"`

	Resolution ResolutionStatus `gorm:"type:varchar(20);index" json:"resolution"`
	Note       string           `gorm:"type:text" json:"note,omitempty"`
}
