package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"lipa_engine/internal/models"
)

var (
	// ErrUnbalancedTransaction means debits != credits within a group.
	// This is an invariant violation, never retried or swallowed.
	ErrUnbalancedTransaction = errors.New("unbalanced ledger transaction")
	// ErrDuplicateReference means the reference already has entries posted
	// for that group; protects against double-posting.
	ErrDuplicateReference = errors.New("duplicate ledger reference")
	// ErrEmptyTransaction rejects groups with no entries
	ErrEmptyTransaction = errors.New("ledger transaction has no entries")
)

// LedgerStore is the append-only double-entry journal. It is the economic
// source of truth: user-visible balances are folds over these entries, never
// separately stored state. There is no update or delete; corrections are
// reversing groups referencing the original.
type LedgerStore interface {
	Append(ctx context.Context, groupID string, entries []models.LedgerEntry) error
	// BalanceOf folds debits minus credits for one account up to asOf
	BalanceOf(ctx context.Context, account string, asOf time.Time) (int64, error)
	EntriesForPeriod(ctx context.Context, tenantID, account string, from, to time.Time) ([]models.LedgerEntry, error)
	ListEntries(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerEntry, error)
}

// validateGroup checks the double-entry invariants before any write
func validateGroup(groupID string, entries []models.LedgerEntry) error {
	if len(entries) == 0 {
		return ErrEmptyTransaction
	}

	var debits, credits int64
	currency := entries[0].Currency
	for _, e := range entries {
		if e.Amount <= 0 {
			return fmt.Errorf("%w: entry amount must be positive, got %d", ErrUnbalancedTransaction, e.Amount)
		}
		if e.Currency != currency {
			return fmt.Errorf("%w: mixed currencies %s and %s in group %s", ErrUnbalancedTransaction, currency, e.Currency, groupID)
		}
		switch e.Side {
		case models.EntrySideDebit:
			debits += e.Amount
		case models.EntrySideCredit:
			credits += e.Amount
		default:
			return fmt.Errorf("%w: entry side must be debit or credit, got %q", ErrUnbalancedTransaction, e.Side)
		}
	}
	if debits != credits {
		return fmt.Errorf("%w: group %s debits %d != credits %d", ErrUnbalancedTransaction, groupID, debits, credits)
	}
	return nil
}

// GormLedger is the postgres-backed journal
type GormLedger struct {
	db *gorm.DB
}

func NewGormLedger(db *gorm.DB) *GormLedger {
	return &GormLedger{db: db}
}

// Append posts a balanced group atomically. The (group, reference) pair must
// be unposted; re-posting the same reference in a new group is legal only for
// explicit reversals, which use a fresh group id.
func (l *GormLedger) Append(ctx context.Context, groupID string, entries []models.LedgerEntry) error {
	if err := validateGroup(groupID, entries); err != nil {
		return err
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, e := range entries {
			if e.Reference == "" {
				continue
			}
			var count int64
			if err := tx.Model(&models.LedgerEntry{}).
				Where("transaction_group_id = ? AND reference = ?", groupID, e.Reference).
				Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("%w: reference %s in group %s", ErrDuplicateReference, e.Reference, groupID)
			}
		}

		for i := range entries {
			entries[i].TransactionGroupID = groupID
			if err := tx.Create(&entries[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *GormLedger) BalanceOf(ctx context.Context, account string, asOf time.Time) (int64, error) {
	type row struct {
		Side  models.EntrySide
		Total int64
	}
	var rows []row
	err := l.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Select("side, COALESCE(SUM(amount), 0) as total").
		Where("account = ? AND created_at <= ?", account, asOf).
		Group("side").
		Scan(&rows).Error
	if err != nil {
		return 0, err
	}

	var balance int64
	for _, r := range rows {
		if r.Side == models.EntrySideDebit {
			balance += r.Total
		} else {
			balance -= r.Total
		}
	}
	return balance, nil
}

func (l *GormLedger) EntriesForPeriod(ctx context.Context, tenantID, account string, from, to time.Time) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	q := l.db.WithContext(ctx).
		Where("account = ? AND created_at >= ? AND created_at < ?", account, from, to).
		Order("created_at asc")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (l *GormLedger) ListEntries(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerEntry, error) {
	var entries []models.LedgerEntry
	q := l.db.WithContext(ctx).Order("id desc").Limit(limit).Offset(offset)
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
