package services

import (
	"context"
	"testing"
	"time"

	"lipa_engine/internal/models"
	"lipa_engine/internal/providers"
)

func newReconEngine(t *testing.T) (*ReconciliationService, *MemoryReconStore, *MemoryLedger, *fakeAdapter) {
	t.Helper()
	ledger := NewMemoryLedger()
	store := NewMemoryReconStore()
	adapter := newFakeAdapter("mpesa")
	registry := providers.NewRegistry()
	registry.Register(adapter)
	return NewReconciliationService(store, ledger, registry), store, ledger, adapter
}

// postDay writes one settled collection into the ledger on the given day
func postDay(t *testing.T, ledger *MemoryLedger, day time.Time, amount int64, ref string) {
	t.Helper()
	entries := []models.LedgerEntry{
		{TenantID: "tenant-1", Account: models.CashAccount("mpesa"), Side: models.EntrySideDebit,
			Amount: amount, Currency: "KES", Reference: ref, CreatedAt: day.Add(9 * time.Hour)},
		{TenantID: "tenant-1", Account: models.AccountRevenueSubscriptions, Side: models.EntrySideCredit,
			Amount: amount, Currency: "KES", Reference: ref, CreatedAt: day.Add(9 * time.Hour)},
	}
	if err := ledger.Append(context.Background(), "group-"+ref, entries); err != nil {
		t.Fatal(err)
	}
}

func TestReconcileDiscrepancy(t *testing.T) {
	svc, _, ledger, adapter := newReconEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	postDay(t, ledger, day, 4000, "i1")
	postDay(t, ledger, day, 6000, "i2")
	adapter.settlementTotal = 9500

	rec, err := svc.Reconcile(ctx, "tenant-1", "mpesa", day)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ExpectedTotal != 10000 {
		t.Errorf("expected total = %d, want 10000", rec.ExpectedTotal)
	}
	if rec.ReportedTotal != 9500 {
		t.Errorf("reported total = %d, want 9500", rec.ReportedTotal)
	}
	if rec.Discrepancy != 500 {
		t.Errorf("discrepancy = %d, want 500", rec.Discrepancy)
	}
	if rec.Resolution != models.ResolutionStatusPending {
		t.Errorf("resolution = %s, want pending", rec.Resolution)
	}

	// The job is advisory: the ledger is untouched
	if len(ledger.AllEntries()) != 4 {
		t.Error("reconciliation modified the ledger")
	}
}

func TestReconcileMatchedIsResolved(t *testing.T) {
	svc, _, ledger, adapter := newReconEngine(t)
	day := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	postDay(t, ledger, day, 10000, "i1")
	adapter.settlementTotal = 10000

	rec, err := svc.Reconcile(context.Background(), "tenant-1", "mpesa", day)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Discrepancy != 0 || rec.Resolution != models.ResolutionStatusResolved {
		t.Errorf("matched day: discrepancy %d resolution %s", rec.Discrepancy, rec.Resolution)
	}
}

func TestReconcileRerunPreservesOperatorResolution(t *testing.T) {
	svc, store, ledger, adapter := newReconEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	postDay(t, ledger, day, 10000, "i1")
	adapter.settlementTotal = 9500

	rec, err := svc.Reconcile(ctx, "tenant-1", "mpesa", day)
	if err != nil {
		t.Fatal(err)
	}
	if err := svc.Resolve(ctx, rec.ID, models.ResolutionStatusIgnored, "known float delay"); err != nil {
		t.Fatal(err)
	}

	// Provider restates its total; totals refresh, the operator's call stays
	adapter.settlementTotal = 9800
	if _, err := svc.Reconcile(ctx, "tenant-1", "mpesa", day); err != nil {
		t.Fatal(err)
	}

	got, err := store.Get(ctx, day, "tenant-1", "mpesa")
	if err != nil {
		t.Fatal(err)
	}
	if got.ReportedTotal != 9800 {
		t.Errorf("reported total = %d, want 9800", got.ReportedTotal)
	}
	if got.Resolution != models.ResolutionStatusIgnored {
		t.Errorf("resolution = %s, want ignored", got.Resolution)
	}
	if got.Note != "known float delay" {
		t.Errorf("note = %q, want preserved", got.Note)
	}
}

func TestReconcileDaySkipsUnreportingProviders(t *testing.T) {
	svc, store, ledger, adapter := newReconEngine(t)
	ctx := context.Background()
	day := time.Date(2026, 8, 19, 0, 0, 0, 0, time.UTC)

	postDay(t, ledger, day, 5000, "i1")
	adapter.settlementErr = providers.ErrProviderUnavailable
	store.SeedTenants("tenant-1")

	written, err := svc.ReconcileDay(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if written != 0 {
		t.Errorf("written = %d, want 0 when the provider cannot report", written)
	}

	adapter.settlementErr = nil
	adapter.settlementTotal = 5000
	written, err = svc.ReconcileDay(ctx, day)
	if err != nil {
		t.Fatal(err)
	}
	if written != 1 {
		t.Errorf("written = %d, want 1", written)
	}
}
