package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/scrypster/tiermem/internal/backup"
	"github.com/scrypster/tiermem/internal/bridge"
	"github.com/scrypster/tiermem/internal/consolidation"
	"github.com/scrypster/tiermem/internal/tags"
	"github.com/scrypster/tiermem/pkg/types"
)

// SyncTenants runs a full bridge sync for each tenant in turn. A failing
// tenant does not stop the others.
func (a *App) SyncTenants(ctx context.Context, tenants []string) (map[string]*bridge.FullSyncResult, error) {
	out := make(map[string]*bridge.FullSyncResult, len(tenants))
	var errs []error
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := a.Bridge.RunFullSync(ctx, tenant)
		out[tenant] = res
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return out, errors.Join(errs...)
}

// ConsolidateTenants runs sleep-time consolidation for every agent of each
// tenant, synchronously.
func (a *App) ConsolidateTenants(ctx context.Context, tenants []string) (map[string]*consolidation.BatchResult, error) {
	out := make(map[string]*consolidation.BatchResult, len(tenants))
	var errs []error
	for _, tenant := range tenants {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		res, err := a.Runner.ConsolidateTenant(ctx, tenant)
		out[tenant] = res
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
			continue
		}
		if res.Failed > 0 {
			a.logger.Warn().Str("tenant", tenant).Int("failed", res.Failed).Int("completed", res.Completed).
				Msg("some consolidation runs failed")
		}
	}
	return out, errors.Join(errs...)
}

// ConsolidateTags merges case-variant tag entries for each tenant.
func (a *App) ConsolidateTags(ctx context.Context, tenants []string) (map[string]*tags.ConsolidateReport, error) {
	out := make(map[string]*tags.ConsolidateReport, len(tenants))
	var errs []error
	for _, tenant := range tenants {
		report, err := a.Tags.Consolidate(ctx, tenant)
		out[tenant] = report
		if err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenant, err))
		}
	}
	return out, errors.Join(errs...)
}

// BackupStore snapshots the document store. It reports ErrNotConfigured
// when the store cannot be snapshotted.
func (a *App) BackupStore(ctx context.Context) (*backup.Snapshot, error) {
	if a.Backup == nil {
		return nil, fmt.Errorf("%w: backups need a sqlite document store and backup.dir", types.ErrNotConfigured)
	}
	return a.Backup.Snapshot(ctx)
}
