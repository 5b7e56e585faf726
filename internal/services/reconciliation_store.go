package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lipa_engine/internal/models"
)

// ReconStore persists daily reconciliation findings
type ReconStore interface {
	// Upsert writes the record for (date, tenant, provider), replacing the
	// totals on re-runs but never touching an operator's resolution
	Upsert(ctx context.Context, rec *models.ReconciliationRecord) error
	Get(ctx context.Context, date time.Time, tenantID, provider string) (*models.ReconciliationRecord, error)
	List(ctx context.Context, resolution models.ResolutionStatus, limit int) ([]models.ReconciliationRecord, error)
	UpdateResolution(ctx context.Context, id uint, resolution models.ResolutionStatus, note string) error
	// TenantsWithActivity lists tenants that posted ledger entries in [from, to)
	TenantsWithActivity(ctx context.Context, from, to time.Time) ([]string, error)
}

// GormReconStore is the postgres-backed ReconStore
type GormReconStore struct {
	db *gorm.DB
}

func NewGormReconStore(db *gorm.DB) *GormReconStore {
	return &GormReconStore{db: db}
}

func (s *GormReconStore) Upsert(ctx context.Context, rec *models.ReconciliationRecord) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "date"}, {Name: "tenant_id"}, {Name: "provider"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"expected_total", "reported_total", "discrepancy", "updated_at",
		}),
	}).Create(rec).Error
}

func (s *GormReconStore) Get(ctx context.Context, date time.Time, tenantID, provider string) (*models.ReconciliationRecord, error) {
	var rec models.ReconciliationRecord
	err := s.db.WithContext(ctx).
		Where("date = ? AND tenant_id = ? AND provider = ?", date.Format("2006-01-02"), tenantID, provider).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormReconStore) List(ctx context.Context, resolution models.ResolutionStatus, limit int) ([]models.ReconciliationRecord, error) {
	var recs []models.ReconciliationRecord
	q := s.db.WithContext(ctx).Order("date desc").Limit(limit)
	if resolution != "" {
		q = q.Where("resolution = ?", resolution)
	}
	err := q.Find(&recs).Error
	return recs, err
}

func (s *GormReconStore) UpdateResolution(ctx context.Context, id uint, resolution models.ResolutionStatus, note string) error {
	return s.db.WithContext(ctx).Model(&models.ReconciliationRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"resolution": resolution, "note": note}).Error
}

func (s *GormReconStore) TenantsWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	var tenants []string
	err := s.db.WithContext(ctx).Model(&models.LedgerEntry{}).
		Distinct("tenant_id").
		Where("created_at >= ? AND created_at < ?", from, to).
		Pluck("tenant_id", &tenants).Error
	return tenants, err
}

// MemoryReconStore is an in-process ReconStore for tests
type MemoryReconStore struct {
	mu      sync.Mutex
	records []*models.ReconciliationRecord
	tenants []string
	nextID  uint
}

func NewMemoryReconStore() *MemoryReconStore {
	return &MemoryReconStore{nextID: 1}
}

func (s *MemoryReconStore) Upsert(ctx context.Context, rec *models.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records {
		if existing.Date.Equal(rec.Date) && existing.TenantID == rec.TenantID && existing.Provider == rec.Provider {
			existing.ExpectedTotal = rec.ExpectedTotal
			existing.ReportedTotal = rec.ReportedTotal
			existing.Discrepancy = rec.Discrepancy
			existing.UpdatedAt = time.Now()
			rec.ID = existing.ID
			rec.Resolution = existing.Resolution
			return nil
		}
	}
	rec.ID = s.nextID
	s.nextID++
	cp := *rec
	s.records = append(s.records, &cp)
	return nil
}

func (s *MemoryReconStore) Get(ctx context.Context, date time.Time, tenantID, provider string) (*models.ReconciliationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.Date.Equal(date) && rec.TenantID == tenantID && rec.Provider == provider {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryReconStore) List(ctx context.Context, resolution models.ResolutionStatus, limit int) ([]models.ReconciliationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.ReconciliationRecord
	for _, rec := range s.records {
		if resolution != "" && rec.Resolution != resolution {
			continue
		}
		out = append(out, *rec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryReconStore) UpdateResolution(ctx context.Context, id uint, resolution models.ResolutionStatus, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if rec.ID == id {
			rec.Resolution = resolution
			rec.Note = note
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryReconStore) TenantsWithActivity(ctx context.Context, from, to time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.tenants))
	copy(out, s.tenants)
	return out, nil
}

// SeedTenants sets the tenant list returned by TenantsWithActivity. Test helper.
func (s *MemoryReconStore) SeedTenants(tenants ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = tenants
}
