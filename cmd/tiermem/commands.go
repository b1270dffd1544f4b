package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/scrypster/tiermem/internal/app"
	"github.com/scrypster/tiermem/internal/config"
	"github.com/scrypster/tiermem/pkg/types"
)

// withApp loads the app, runs fn, and always shuts the app down.
func withApp(ctx context.Context, fn func(*app.App, *config.Config) error) error {
	a, cfg, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Shutdown(context.WithoutCancel(ctx)) }()
	return fn(a, cfg)
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run a full memory bridge sync for each tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App, cfg *config.Config) error {
				tenants, err := tenantsOf(cfg)
				if err != nil {
					return err
				}
				results, err := a.SyncTenants(cmd.Context(), tenants)
				out := cmd.OutOrStdout()
				for _, tenant := range sortedKeys(results) {
					res := results[tenant]
					if res == nil {
						continue
					}
					if res.Strategic != nil {
						fmt.Fprintf(out, "%s\t%s\t%s\t%d\n", tenant, res.Strategic.Direction, res.Strategic.Status, res.Strategic.ItemsSynced)
					}
					if res.Metrics != nil {
						fmt.Fprintf(out, "%s\t%s\t%s\t%d\n", tenant, res.Metrics.Direction, res.Metrics.Status, res.Metrics.ItemsSynced)
					}
				}
				return err
			})
		},
	}
}

func consolidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Run sleep-time consolidation for every agent of each tenant",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App, cfg *config.Config) error {
				tenants, err := tenantsOf(cfg)
				if err != nil {
					return err
				}
				results, err := a.ConsolidateTenants(cmd.Context(), tenants)
				out := cmd.OutOrStdout()
				for _, tenant := range sortedKeys(results) {
					if res := results[tenant]; res != nil {
						fmt.Fprintf(out, "%s\tcompleted=%d\tfailed=%d\n", tenant, res.Completed, res.Failed)
						printErrors(out, res.Errors)
					}
				}
				return err
			})
		},
	}
}

func tagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tags",
		Short: "Tag index maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "consolidate",
		Short: "Merge tag entries that differ only by case",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App, cfg *config.Config) error {
				tenants, err := tenantsOf(cfg)
				if err != nil {
					return err
				}
				reports, err := a.ConsolidateTags(cmd.Context(), tenants)
				out := cmd.OutOrStdout()
				for _, tenant := range sortedKeys(reports) {
					if r := reports[tenant]; r != nil {
						fmt.Fprintf(out, "%s\tgroups=%d\tmerged=%d\tfailed=%d\n", tenant, r.Groups, r.Merged, len(r.Failed))
					}
				}
				return err
			})
		},
	})
	return cmd
}

func printErrors(out io.Writer, errs map[string]error) {
	for _, id := range sortedKeys(errs) {
		fmt.Fprintf(out, "  %s: %v\n", id, errs[id])
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Snapshot the SQLite document store and apply retention",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App, _ *config.Config) error {
				snap, err := a.BackupStore(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d bytes\tverified=%t\n", snap.Path, snap.Size, snap.Verified)
				return nil
			})
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List snapshots, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), func(a *app.App, _ *config.Config) error {
				if a.Backup == nil {
					return fmt.Errorf("%w: backups need a sqlite document store", types.ErrNotConfigured)
				}
				snaps, err := a.Backup.List()
				if err != nil {
					return err
				}
				for _, s := range snaps {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d\n", s.Timestamp.Format(time.RFC3339), s.Path, s.Size)
				}
				return nil
			})
		},
	})
	return cmd
}
