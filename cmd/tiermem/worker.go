package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scrypster/tiermem/internal/app"
	"github.com/scrypster/tiermem/internal/config"
	"github.com/scrypster/tiermem/internal/logging"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// tenantJob is one scheduled maintenance task.
type tenantJob struct {
	name     string
	schedule string
	run      func(ctx context.Context, tenants []string) error
}

func workerJobs(a *app.App, cfg *config.Config) []tenantJob {
	jobs := []tenantJob{
		{"sync", cfg.Worker.SyncSchedule, func(ctx context.Context, tenants []string) error {
			_, err := a.SyncTenants(ctx, tenants)
			return err
		}},
		{"consolidate", cfg.Worker.ConsolidateSchedule, func(ctx context.Context, tenants []string) error {
			_, err := a.ConsolidateTenants(ctx, tenants)
			return err
		}},
		{"tags", cfg.Worker.TagsSchedule, func(ctx context.Context, tenants []string) error {
			_, err := a.ConsolidateTags(ctx, tenants)
			return err
		}},
	}
	if a.Backup != nil {
		jobs = append(jobs, tenantJob{"backup", cfg.Worker.BackupSchedule, func(ctx context.Context, _ []string) error {
			_, err := a.BackupStore(ctx)
			return err
		}})
	}
	return jobs
}

// newCron registers every job with a non-empty schedule. Runs of the same
// job never overlap.
func newCron(ctx context.Context, jobs []tenantJob, tenants []string) (*cron.Cron, error) {
	c := cron.New(cron.WithParser(cronParser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	for _, job := range jobs {
		if job.schedule == "" {
			continue
		}
		job := job
		logger := log.With().Str("component", "worker").Str("job", job.name).Logger()
		_, err := c.AddFunc(job.schedule, func() {
			start := time.Now()
			if err := job.run(ctx, tenants); err != nil {
				logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("scheduled job finished with errors")
				return
			}
			logger.Info().Dur("elapsed", time.Since(start)).Msg("scheduled job finished")
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s %q: %w", job.name, job.schedule, err)
		}
	}
	return c, nil
}

// reloadLogLevel re-reads log.level when the watched config file is
// written. Other settings take effect on the next restart.
func reloadLogLevel(v *viper.Viper) func(fsnotify.Event) {
	return func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		level := logging.ParseLevel(v.GetString("log.level"))
		if level == zerolog.GlobalLevel() {
			return
		}
		zerolog.SetGlobalLevel(level)
		log.Info().Str("file", e.Name).Str("level", level.String()).Msg("log level reloaded")
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run consolidation workers and scheduled maintenance until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			return withApp(ctx, func(a *app.App, cfg *config.Config) error {
				tenants, err := tenantsOf(cfg)
				if err != nil {
					return err
				}
				c, err := newCron(ctx, workerJobs(a, cfg), tenants)
				if err != nil {
					return err
				}
				if err := a.Start(ctx); err != nil {
					return err
				}

				var srv *http.Server
				if cfg.Metrics.Addr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", a.Metrics.Handler())
					srv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("metrics server stopped")
						}
					}()
				}

				if configFile != "" {
					v.OnConfigChange(reloadLogLevel(v))
					v.WatchConfig()
				}

				c.Start()
				log.Info().Strs("tenants", tenants).Int("jobs", len(c.Entries())).Str("metrics_addr", cfg.Metrics.Addr).
					Msg("worker running")
				<-ctx.Done()
				log.Info().Msg("shutting down worker")

				<-c.Stop().Done()
				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}
				return nil
			})
		},
	}
}
