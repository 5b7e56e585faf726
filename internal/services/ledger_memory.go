package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"lipa_engine/internal/models"
)

// MemoryLedger is an in-memory LedgerStore with the same invariants as the
// postgres store. Used in tests and single-process tooling.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []models.LedgerEntry
	nextID  uint
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{nextID: 1}
}

func (l *MemoryLedger) Append(ctx context.Context, groupID string, entries []models.LedgerEntry) error {
	if err := validateGroup(groupID, entries); err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range entries {
		if e.Reference == "" {
			continue
		}
		for _, existing := range l.entries {
			if existing.TransactionGroupID == groupID && existing.Reference == e.Reference {
				return fmt.Errorf("%w: reference %s in group %s", ErrDuplicateReference, e.Reference, groupID)
			}
		}
	}

	now := time.Now()
	for _, e := range entries {
		e.ID = l.nextID
		l.nextID++
		e.TransactionGroupID = groupID
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		l.entries = append(l.entries, e)
	}
	return nil
}

func (l *MemoryLedger) BalanceOf(ctx context.Context, account string, asOf time.Time) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var balance int64
	for _, e := range l.entries {
		if e.Account != account || e.CreatedAt.After(asOf) {
			continue
		}
		if e.Side == models.EntrySideDebit {
			balance += e.Amount
		} else {
			balance -= e.Amount
		}
	}
	return balance, nil
}

func (l *MemoryLedger) EntriesForPeriod(ctx context.Context, tenantID, account string, from, to time.Time) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range l.entries {
		if e.Account != account {
			continue
		}
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		if e.CreatedAt.Before(from) || !e.CreatedAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (l *MemoryLedger) ListEntries(ctx context.Context, tenantID string, limit, offset int) ([]models.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.LedgerEntry
	for _, e := range l.entries {
		if tenantID != "" && e.TenantID != tenantID {
			continue
		}
		out = append(out, e)
	}
	if offset > len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// AllEntries returns a copy of every entry, oldest first. Test helper for
// whole-store invariant checks.
func (l *MemoryLedger) AllEntries() []models.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}
