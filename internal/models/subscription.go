package models

import (
	"time"

	"gorm.io/gorm"
)

// SubscriptionStatus follows the renewal/dunning state machine:
// active -> past_due -> {unpaid | cancelled}; past_due -> active on any
// successful retry; unpaid -> active only via a configured downgrade.
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusPastDue   SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid    SubscriptionStatus = "unpaid"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
)

// BillingInterval is the recurring cadence of a subscription
type BillingInterval string

const (
	BillingIntervalMonthly BillingInterval = "monthly"
	BillingIntervalYearly  BillingInterval = "yearly"
)

// Advance moves a period boundary forward by one interval
func (i BillingInterval) Advance(t time.Time) time.Time {
	if i == BillingIntervalYearly {
		return t.AddDate(1, 0, 0)
	}
	return t.AddDate(0, 1, 0)
}

// Subscription is a recurring billing agreement for a subject within a tenant
type Subscription struct {
	ID        uint           `gorm:"primarykey" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`

	UUID      string `gorm:"type:varchar(36);uniqueIndex" json:"uuid"`
	TenantID  string `gorm:"type:varchar(100);index" json:"tenant_id"`
	SubjectID string `gorm:"type:varchar(100);index" json:"subject_id"`

	PlanCode string          `gorm:"type:varchar(100)" json:"plan_code"`
	Interval BillingInterval `gorm:"type:varchar(20)" json:"interval"`
	Amount   int64           `json:"amount"`
	Currency string          `gorm:"type:varchar(3);default:'KES'" json:"currency"`
	Provider string          `gorm:"type:varchar(30)" json:"provider"`

	Status SubscriptionStatus `gorm:"type:varchar(20);index:idx_subscriptions_status_renewal,priority:1" json:"status"`

	CurrentPeriodStart time.Time `json:"current_period_start"`
	CurrentPeriodEnd   time.Time `json:"current_period_end"`
	// NextRenewalAt zero means billing is finished for this subscription
	// (free-tier downgrade)
	NextRenewalAt time.Time `gorm:"index:idx_subscriptions_status_renewal,priority:2" json:"next_renewal_at"`

	// GraceUntil is set when the subscription enters past_due (T+7 deadline)
	GraceUntil *time.Time `json:"grace_until,omitempty"`

	// DowngradePlanCode, when set, moves the subscription to that plan at the
	// grace deadline instead of cancelling it
	DowngradePlanCode string `gorm:"type:varchar(100)" json:"downgrade_plan_code,omitempty"`

	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	RenewalAttempts []RenewalAttempt `gorm:"foreignKey:SubscriptionID" json:"renewal_attempts,omitempty"`
}
