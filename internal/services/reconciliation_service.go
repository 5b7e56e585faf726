package services

import (
	"context"
	"log"
	"time"

	"lipa_engine/internal/models"
	"lipa_engine/internal/providers"
)

// ReconciliationService compares what the ledger says we collected per
// provider and day against what the provider reports as settled. Findings
// are advisory records for an operator; the job never mutates the ledger
// or any payment state.
type ReconciliationService struct {
	store    ReconStore
	ledger   LedgerStore
	registry *providers.Registry
	now      func() time.Time
}

func NewReconciliationService(store ReconStore, ledger LedgerStore, registry *providers.Registry) *ReconciliationService {
	return &ReconciliationService{
		store:    store,
		ledger:   ledger,
		registry: registry,
		now:      time.Now,
	}
}

// Reconcile computes and upserts the record for one tenant, provider and
// day. Re-running it refreshes the totals without losing an operator's
// resolution.
func (s *ReconciliationService) Reconcile(ctx context.Context, tenantID, provider string, date time.Time) (*models.ReconciliationRecord, error) {
	adapter, err := s.registry.Get(provider)
	if err != nil {
		return nil, err
	}

	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	expected, err := s.ledgerNetInflow(ctx, tenantID, provider, day)
	if err != nil {
		return nil, err
	}

	reported, err := adapter.SettlementTotal(ctx, tenantID, day)
	if err != nil {
		return nil, err
	}

	rec := &models.ReconciliationRecord{
		Date:          day,
		TenantID:      tenantID,
		Provider:      provider,
		ExpectedTotal: expected,
		ReportedTotal: reported,
		Discrepancy:   expected - reported,
		Resolution:    models.ResolutionStatusPending,
	}
	if rec.Discrepancy == 0 {
		rec.Resolution = models.ResolutionStatusResolved
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return nil, err
	}
	if rec.Discrepancy != 0 {
		log.Printf("reconciliation %s/%s %s: expected %d reported %d discrepancy %d",
			tenantID, provider, day.Format("2006-01-02"), expected, reported, rec.Discrepancy)
	}
	return rec, nil
}

// ReconcileDay runs Reconcile for every tenant with ledger activity on the
// given day, across all registered providers. A provider that cannot report
// settlements is skipped, not failed.
func (s *ReconciliationService) ReconcileDay(ctx context.Context, date time.Time) (int, error) {
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	tenants, err := s.store.TenantsWithActivity(ctx, day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}

	written := 0
	for _, tenant := range tenants {
		for _, provider := range s.registry.Names() {
			if _, err := s.Reconcile(ctx, tenant, provider, day); err != nil {
				log.Printf("reconciliation %s/%s skipped: %v", tenant, provider, err)
				continue
			}
			written++
		}
	}
	return written, nil
}

// ListFindings returns reconciliation records for the operator API
func (s *ReconciliationService) ListFindings(ctx context.Context, resolution models.ResolutionStatus, limit int) ([]models.ReconciliationRecord, error) {
	return s.store.List(ctx, resolution, limit)
}

// Resolve records an operator's decision on a finding
func (s *ReconciliationService) Resolve(ctx context.Context, id uint, resolution models.ResolutionStatus, note string) error {
	return s.store.UpdateResolution(ctx, id, resolution, note)
}

// ledgerNetInflow folds the provider cash account for one day: debits in,
// credits (refund payouts) out
func (s *ReconciliationService) ledgerNetInflow(ctx context.Context, tenantID, provider string, day time.Time) (int64, error) {
	entries, err := s.ledger.EntriesForPeriod(ctx, tenantID, models.CashAccount(provider), day, day.AddDate(0, 0, 1))
	if err != nil {
		return 0, err
	}
	var total int64
	for _, e := range entries {
		if e.Side == models.EntrySideDebit {
			total += e.Amount
		} else {
			total -= e.Amount
		}
	}
	return total, nil
}
