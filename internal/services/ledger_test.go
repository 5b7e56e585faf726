package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"lipa_engine/internal/models"
)

func entry(account string, side models.EntrySide, amount int64) models.LedgerEntry {
	return models.LedgerEntry{
		TenantID: "tenant-1",
		Account:  account,
		Side:     side,
		Amount:   amount,
		Currency: "KES",
	}
}

func TestLedgerAppendBalanced(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	err := ledger.Append(ctx, "group-1", []models.LedgerEntry{
		entry(models.CashAccount("mpesa"), models.EntrySideDebit, 50000),
		entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, 50000),
	})
	if err != nil {
		t.Fatalf("balanced append failed: %v", err)
	}

	balance, err := ledger.BalanceOf(ctx, models.CashAccount("mpesa"), time.Now())
	if err != nil {
		t.Fatalf("BalanceOf failed: %v", err)
	}
	if balance != 50000 {
		t.Errorf("cash balance = %d, want 50000", balance)
	}

	revenue, _ := ledger.BalanceOf(ctx, models.AccountRevenueSubscriptions, time.Now())
	if revenue != -50000 {
		t.Errorf("revenue balance = %d, want -50000", revenue)
	}
}

func TestLedgerRejectsInvalidGroups(t *testing.T) {
	tests := []struct {
		name    string
		entries []models.LedgerEntry
	}{
		{
			name:    "empty group",
			entries: nil,
		},
		{
			name: "unbalanced",
			entries: []models.LedgerEntry{
				entry(models.CashAccount("mpesa"), models.EntrySideDebit, 50000),
				entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, 40000),
			},
		},
		{
			name: "negative amount",
			entries: []models.LedgerEntry{
				entry(models.CashAccount("mpesa"), models.EntrySideDebit, -100),
				entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, -100),
			},
		},
		{
			name: "mixed currencies",
			entries: []models.LedgerEntry{
				entry(models.CashAccount("mpesa"), models.EntrySideDebit, 100),
				{TenantID: "tenant-1", Account: models.AccountRevenueSubscriptions, Side: models.EntrySideCredit, Amount: 100, Currency: "USD"},
			},
		},
		{
			name: "bad side",
			entries: []models.LedgerEntry{
				{TenantID: "tenant-1", Account: models.CashAccount("mpesa"), Side: "both", Amount: 100, Currency: "KES"},
				entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, 100),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger := NewMemoryLedger()
			err := ledger.Append(context.Background(), "group-x", tt.entries)
			if err == nil {
				t.Fatal("expected append to be rejected")
			}
			if len(ledger.AllEntries()) != 0 {
				t.Error("rejected group must not leave partial entries")
			}
		})
	}
}

func TestLedgerDuplicateReference(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	group := []models.LedgerEntry{
		entry(models.CashAccount("mpesa"), models.EntrySideDebit, 100),
		entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, 100),
	}
	for i := range group {
		group[i].Reference = "intent-abc"
	}

	if err := ledger.Append(ctx, "group-1", group); err != nil {
		t.Fatalf("first append failed: %v", err)
	}
	err := ledger.Append(ctx, "group-1", group)
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("err = %v, want ErrDuplicateReference", err)
	}

	// A fresh group may reference the same intent (reversal case)
	if err := ledger.Append(ctx, "group-2", group); err != nil {
		t.Fatalf("new group with same reference failed: %v", err)
	}
}

func TestLedgerEntriesForPeriod(t *testing.T) {
	ledger := NewMemoryLedger()
	ctx := context.Background()

	day := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	inDay := []models.LedgerEntry{
		entry(models.CashAccount("mpesa"), models.EntrySideDebit, 300),
		entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, 300),
	}
	for i := range inDay {
		inDay[i].CreatedAt = day.Add(10 * time.Hour)
	}
	nextDay := []models.LedgerEntry{
		entry(models.CashAccount("mpesa"), models.EntrySideDebit, 700),
		entry(models.AccountRevenueSubscriptions, models.EntrySideCredit, 700),
	}
	for i := range nextDay {
		nextDay[i].CreatedAt = day.AddDate(0, 0, 1).Add(time.Hour)
	}

	if err := ledger.Append(ctx, "g1", inDay); err != nil {
		t.Fatal(err)
	}
	if err := ledger.Append(ctx, "g2", nextDay); err != nil {
		t.Fatal(err)
	}

	got, err := ledger.EntriesForPeriod(ctx, "tenant-1", models.CashAccount("mpesa"), day, day.AddDate(0, 0, 1))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d entries in period, want 1", len(got))
	}
	if got[0].Amount != 300 {
		t.Errorf("entry amount = %d, want 300", got[0].Amount)
	}
}
