// Command tiermem runs one-shot memory maintenance (bridge sync, sleep-time
// consolidation, tag consolidation, store backups) or a long-running worker
// that schedules them with cron.
//
// All logging goes to stderr; command results are printed to stdout.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scrypster/tiermem/internal/app"
	"github.com/scrypster/tiermem/internal/config"
	"github.com/scrypster/tiermem/internal/logging"
)

var (
	v          = config.NewViper()
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "tiermem",
	Short:         "Tiered memory orchestration for multi-tenant agents",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("tiermem failed")
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (yaml, toml or json)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the environment is read")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.String("log-format", "console", "log format: console or json")
	flags.StringSlice("tenant", nil, "tenant to process (repeatable); defaults to worker.tenants")

	for key, name := range map[string]string{
		"log.level":      "log-level",
		"log.format":     "log-format",
		"worker.tenants": "tenant",
	} {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(consolidateCmd())
	rootCmd.AddCommand(tagsCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(backupCmd())
}

// loadApp loads configuration, configures logging, and wires the app.
// The caller owns the returned app and must shut it down.
func loadApp(ctx context.Context) (*app.App, *config.Config, error) {
	cfg, err := config.Load(v, config.LoadOptions{ConfigFile: configFile, EnvFile: envFile})
	if err != nil {
		return nil, nil, err
	}
	logging.Setup(logging.Config{
		Level:  cfg.Log.Level,
		Format: logging.Format(cfg.Log.Format),
		Out:    os.Stderr,
	})
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func tenantsOf(cfg *config.Config) ([]string, error) {
	if len(cfg.Worker.Tenants) == 0 {
		return nil, errors.New("no tenants: pass --tenant or set worker.tenants")
	}
	return cfg.Worker.Tenants, nil
}
