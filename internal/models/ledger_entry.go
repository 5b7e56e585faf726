package models

import (
	"time"
)

// EntrySide marks a ledger row as a debit or a credit, never both
type EntrySide string

const (
	EntrySideDebit  EntrySide = "debit"
	EntrySideCredit EntrySide = "credit"
)

// Well-known ledger accounts. Provider cash accounts are derived with
// CashAccount; everything user-visible is a fold over these rows.
const (
	AccountRevenueSubscriptions = "revenue:subscriptions"
	AccountPayableRefunds       = "payable:refunds"
)

// CashAccount returns the cash account for a provider, e.g. "cash:mpesa"
func CashAccount(provider string) string {
	return "cash:" + provider
}

// LedgerEntry is an immutable row in the double-entry journal. Entries are
// append-only; corrections are posted as new reversing groups referencing
// the original. For every TransactionGroupID, sum(debits) == sum(credits).
type LedgerEntry struct {
	ID        uint      `gorm:"primarykey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	TransactionGroupID string `gorm:"type:varchar(36);index" json:"transaction_group_id"`
	TenantID           string `gorm:"type:varchar(100);index" json:"tenant_id"`

	Account string    `gorm:"type:varchar(100);index" json:"account"`
	Side    EntrySide `gorm:"type:varchar(10)" json:"side"`
	// Amount is in minor units and always positive; Side carries the direction
	Amount   int64  `json:"amount"`
	Currency string `gorm:"type:varchar(3);default:'KES'" json:"currency"`

	// Reference ties the entry to a Payment UUID or a manual note
	Reference string `gorm:"type:varchar(100);index" json:"reference"`
}
