// Package syncer reconciles provider plan catalogs into the local store.
// Plans are never deleted: entries that vanish upstream flip to UNAVAILABLE
// so existing order snapshots keep their referent.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"storagehub/errs"
	"storagehub/models"
	"storagehub/provider"
	"storagehub/store"
)

// syncStampKey is the system-config key recording the last full sync pass.
const syncStampKey = "catalog_sync.last_run_at"

// Syncer drives catalog reconciliation across registered providers.
type Syncer struct {
	store    *store.Store
	registry *provider.Registry
	logger   *slog.Logger
	now      func() time.Time
}

// New constructs a syncer.
func New(st *store.Store, registry *provider.Registry, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{store: st, registry: registry, logger: logger, now: time.Now}
}

// WithClock overrides the clock (test seam).
func (s *Syncer) WithClock(now func() time.Time) *Syncer {
	s.now = now
	return s
}

// SyncAll reconciles every registered adapter. A failing provider is logged
// and skipped; the pass continues.
func (s *Syncer) SyncAll(ctx context.Context) {
	for _, adapter := range s.registry.All() {
		res, err := s.SyncProvider(ctx, adapter)
		if err != nil {
			s.logger.Error("catalog sync failed", "provider", adapter.Slug(), "error", err)
			continue
		}
		s.logger.Info("catalog sync finished", "provider", adapter.Slug(),
			"added", res.Added, "updated", res.Updated, "removed", res.Removed, "errors", len(res.Errors))
	}
	if err := s.store.SetSystemConfig(ctx, syncStampKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		s.logger.Warn("sync stamp write failed", "error", err)
	}
}

// SyncProvider reconciles one adapter's catalog. The provider row is
// upserted first so a freshly configured backend self-registers, then each
// remote plan is added or updated, and plans absent upstream flip to
// UNAVAILABLE. A ProviderSyncLog row records the outcome.
func (s *Syncer) SyncProvider(ctx context.Context, adapter provider.Adapter) (*provider.SyncResult, error) {
	started := s.now().UTC()
	prov := &models.Provider{
		ID:      uuid.New(),
		Slug:    adapter.Slug(),
		Name:    adapter.Slug(),
		Network: adapter.Network(),
		ChainID: adapter.ChainID(),
		Status:  models.ProviderActive,
		Enabled: true,
	}
	if err := s.store.UpsertProvider(ctx, prov); err != nil {
		return nil, fmt.Errorf("upsert provider %s: %w", adapter.Slug(), err)
	}
	stored, err := s.store.ProviderBySlug(ctx, adapter.Slug())
	if err != nil {
		return nil, err
	}

	remote, err := adapter.AvailablePlans(ctx)
	if err != nil {
		s.recordLog(ctx, stored.ID, &provider.SyncResult{Errors: []string{err.Error()}}, started)
		return nil, fmt.Errorf("fetch catalog for %s: %w", adapter.Slug(), err)
	}

	res := &provider.SyncResult{}
	seen := make(map[string]bool, len(remote))
	for _, plan := range remote {
		seen[plan.ExternalID] = true
		if err := s.reconcilePlan(ctx, stored.ID, plan, res); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("plan %s: %v", plan.ExternalID, err))
		}
	}

	existing, err := s.store.ListPlansForProvider(ctx, stored.ID)
	if err != nil {
		res.Errors = append(res.Errors, err.Error())
	} else {
		for i := range existing {
			plan := &existing[i]
			if seen[plan.ExternalPlanID] || plan.Status == models.PlanUnavailable {
				continue
			}
			plan.Status = models.PlanUnavailable
			plan.Active = false
			plan.Version++
			if err := s.store.SavePlan(ctx, plan); err != nil {
				res.Errors = append(res.Errors, fmt.Sprintf("retire plan %s: %v", plan.ExternalPlanID, err))
				continue
			}
			res.Removed++
		}
	}

	s.recordLog(ctx, stored.ID, res, started)
	return res, nil
}

// reconcilePlan inserts a new plan or updates an existing one in place.
// Any material change bumps the version; order snapshots are unaffected.
func (s *Syncer) reconcilePlan(ctx context.Context, providerID uuid.UUID, remote provider.Plan, res *provider.SyncResult) error {
	status := models.PlanAvailable
	if !remote.Available {
		status = models.PlanUnavailable
	}
	existing, err := s.store.PlanByExternalID(ctx, providerID, remote.ExternalID)
	if err != nil && !errs.Is(err, errs.CodePlanNotFound) {
		return err
	}
	if existing == nil {
		plan := &models.StoragePlan{
			ID:             uuid.New(),
			ProviderID:     providerID,
			ExternalPlanID: remote.ExternalID,
			Name:           remote.Name,
			SizeGb:         remote.SizeGb,
			SizeBytes:      remote.SizeBytes,
			DurationDays:   remote.DurationDays,
			PriceCents:     remote.PriceCents,
			PriceNative:    remote.PriceNative,
			Currency:       remote.Currency,
			Status:         status,
			Active:         remote.Available,
			Version:        1,
		}
		if err := s.store.CreatePlan(ctx, plan); err != nil {
			return err
		}
		res.Added++
		return nil
	}

	if !planChanged(existing, remote, status) {
		return nil
	}
	existing.Name = remote.Name
	existing.SizeGb = remote.SizeGb
	existing.SizeBytes = remote.SizeBytes
	existing.DurationDays = remote.DurationDays
	existing.PriceCents = remote.PriceCents
	existing.PriceNative = remote.PriceNative
	existing.Currency = remote.Currency
	existing.Status = status
	existing.Active = remote.Available
	existing.Version++
	if err := s.store.SavePlan(ctx, existing); err != nil {
		return err
	}
	res.Updated++
	return nil
}

func planChanged(existing *models.StoragePlan, remote provider.Plan, status models.PlanStatus) bool {
	return existing.Name != remote.Name ||
		existing.SizeGb != remote.SizeGb ||
		existing.SizeBytes != remote.SizeBytes ||
		existing.DurationDays != remote.DurationDays ||
		existing.PriceCents != remote.PriceCents ||
		existing.PriceNative != remote.PriceNative ||
		existing.Currency != remote.Currency ||
		existing.Status != status ||
		existing.Active != remote.Available
}

func (s *Syncer) recordLog(ctx context.Context, providerID uuid.UUID, res *provider.SyncResult, started time.Time) {
	entry := &models.ProviderSyncLog{
		ID:           uuid.New(),
		ProviderID:   providerID,
		PlansAdded:   res.Added,
		PlansUpdated: res.Updated,
		PlansRemoved: res.Removed,
		ErrorCount:   len(res.Errors),
		StartedAt:    started,
		FinishedAt:   s.now().UTC(),
	}
	if len(res.Errors) > 0 {
		entry.Errors = strings.Join(res.Errors, "; ")
	}
	if err := s.store.CreateSyncLog(ctx, entry); err != nil {
		s.logger.Warn("sync log write failed", "provider", providerID, "error", err)
	}
}

// Run executes SyncAll on a fixed cadence until ctx is cancelled. The first
// pass runs immediately so a fresh deployment has a catalog before the
// first tick.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	s.SyncAll(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}
