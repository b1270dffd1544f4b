// Package app wires every tiermem component from a Config. Each component
// receives its collaborators through its constructor; nothing here holds
// package-level state.
//
// Startup sequence:
//  1. Connect the memory host (HTTP adapter unless one is injected).
//  2. Open the document store and apply pending migrations.
//  3. Create the generation and embedding clients.
//  4. Build the memory tiers, the consolidation pipeline and the bridge.
//  5. Start runs the consolidation worker pool; Shutdown drains it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/backup"
	"github.com/scrypster/tiermem/internal/blocks"
	"github.com/scrypster/tiermem/internal/bridge"
	"github.com/scrypster/tiermem/internal/config"
	"github.com/scrypster/tiermem/internal/consolidation"
	"github.com/scrypster/tiermem/internal/episodic"
	"github.com/scrypster/tiermem/internal/graph"
	"github.com/scrypster/tiermem/internal/llm"
	"github.com/scrypster/tiermem/internal/memhost"
	"github.com/scrypster/tiermem/internal/metrics"
	"github.com/scrypster/tiermem/internal/procedural"
	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/internal/storage/sqlstore"
	"github.com/scrypster/tiermem/internal/tags"
	"github.com/scrypster/tiermem/internal/tools"
)

// Options injects collaborators instead of building them from Config.
// Tests use it to run the whole graph against fakes.
type Options struct {
	Host      *memhost.Host
	Store     storage.Store
	Generator llm.Generator
	Embedder  llm.Embedder
	Registry  *prometheus.Registry
	Now       func() time.Time
}

// App holds the wired components.
type App struct {
	Config  *config.Config
	Host    *memhost.Host
	Store   storage.Store
	Metrics *metrics.Metrics

	Blocks    *blocks.Manager
	Tags      *tags.Index
	Graph     *graph.Graph
	Episodes  *episodic.Searcher
	Workflows *procedural.Memory

	States    *consolidation.StateTracker
	Runner    *consolidation.Runner
	Queue     *consolidation.Queue
	Scheduler *consolidation.Scheduler

	Bridge *bridge.Bridge
	Tools  *tools.Toolkit

	// Backup is nil unless the document store is SQLite.
	Backup *backup.Service

	ownsStore bool
	mu        sync.Mutex
	started   bool
	logger    zerolog.Logger
}

// New builds an App. Missing credentials for an adapter that is not
// injected surface as types.ErrNotConfigured.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{Config: cfg, logger: log.With().Str("component", "app").Logger()}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	if opts.Registry != nil {
		a.Metrics = metrics.NewWithRegistry(opts.Registry)
	} else {
		a.Metrics = metrics.New()
	}

	a.Host = opts.Host
	if a.Host == nil {
		host, err := memhost.NewHTTPHost(memhost.HTTPConfig{
			BaseURL:           cfg.MemoryHost.BaseURL,
			APIKey:            cfg.MemoryHost.APIKey,
			Timeout:           cfg.MemoryHost.Timeout,
			RequestsPerSecond: cfg.MemoryHost.RequestsPerSecond,
			Burst:             cfg.MemoryHost.Burst,
		})
		if err != nil {
			return nil, fmt.Errorf("app: memory host: %w", err)
		}
		a.Host = host
	}

	a.Store = opts.Store
	if a.Store == nil {
		store, err := openStore(ctx, cfg.Storage)
		if err != nil {
			return nil, fmt.Errorf("app: document store: %w", err)
		}
		a.Store = store
		a.ownsStore = true
	}

	if err := a.build(cfg, opts, now); err != nil {
		_ = a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, opts Options, now func() time.Time) error {
	providerCfg := llm.ProviderConfig{
		Provider:       cfg.LLM.Provider,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		BaseURL:        cfg.LLM.BaseURL,
		EmbeddingModel: cfg.LLM.EmbeddingModel,
	}
	generator := opts.Generator
	if generator == nil {
		g, err := llm.NewGenerator(providerCfg)
		if err != nil {
			return fmt.Errorf("app: generator: %w", err)
		}
		generator = g
	}
	embedder := opts.Embedder
	if embedder == nil && cfg.LLM.APIKey != "" {
		e, err := llm.NewEmbedder(providerCfg)
		if err != nil {
			return fmt.Errorf("app: embedder: %w", err)
		}
		embedder = e
	}

	var err error
	a.Blocks, err = blocks.NewManager(a.Host.Blocks, blocks.Options{
		Cache:      blocks.NewLRUCache(cfg.Blocks.CacheSize, cfg.Blocks.CacheTTL),
		Margin:     cfg.Blocks.Margin,
		TrimPolicy: blocks.TrimPolicy(cfg.Blocks.TrimPolicy),
		Metrics:    a.Metrics,
		Now:        now,
	})
	if err != nil {
		return fmt.Errorf("app: blocks: %w", err)
	}

	a.Tags, err = tags.NewIndex(a.Host.Passages, a.Store, tags.Options{Metrics: a.Metrics, Now: now})
	if err != nil {
		return fmt.Errorf("app: tags: %w", err)
	}

	a.Graph, err = graph.New(a.Store, graph.Options{Embedder: embedder, Vectors: a.Store, Metrics: a.Metrics})
	if err != nil {
		return fmt.Errorf("app: graph: %w", err)
	}

	a.Episodes, err = episodic.NewSearcher(a.Host.Messages, episodic.Config{Metrics: a.Metrics, Now: now})
	if err != nil {
		return fmt.Errorf("app: episodic: %w", err)
	}

	a.Workflows, err = procedural.New(a.Tags, procedural.Options{Now: now})
	if err != nil {
		return fmt.Errorf("app: procedural: %w", err)
	}

	runnerDeps := consolidation.RunnerDeps{
		Messages:  a.Host.Messages,
		Agents:    a.Host.Agents,
		Blocks:    a.Blocks,
		Tags:      a.Tags,
		Generator: generator,
		Runs:      a.Store,
		Workflows: a.Workflows,
	}
	if embedder != nil {
		runnerDeps.Graph = a.Graph
	}
	a.Runner, err = consolidation.NewRunner(runnerDeps, consolidation.RunnerConfig{
		MessageWindow: cfg.Consolidation.MessageWindow,
		CharBudget:    cfg.Consolidation.CharBudget,
		Metrics:       a.Metrics,
		Now:           now,
	})
	if err != nil {
		return fmt.Errorf("app: consolidation runner: %w", err)
	}

	a.States = consolidation.NewStateTracker()
	a.Queue = consolidation.NewQueue(a.Runner, a.Store, consolidation.QueueConfig{
		Workers:    cfg.Consolidation.Workers,
		Size:       cfg.Consolidation.QueueSize,
		MaxRetries: cfg.Consolidation.MaxRetries,
		States:     a.States,
		Metrics:    a.Metrics,
	})
	a.Scheduler = consolidation.NewScheduler(consolidation.SchedulerConfig{
		TriggerFrequency: cfg.Consolidation.TriggerFrequency,
		States:           a.States,
	}, a.Queue)

	a.Bridge, err = bridge.New(bridge.Deps{
		Blocks:   a.Blocks,
		Passages: a.Host.Passages,
		Messages: a.Host.Messages,
		Docs:     a.Store,
		Profiles: a.Store,
		SyncLog:  a.Store,
	}, bridge.Config{
		MinChunkLength: cfg.Bridge.MinChunkLength,
		MetricsWindow:  cfg.Bridge.MetricsWindow,
		Recorder:       a.Metrics,
		Now:            now,
	})
	if err != nil {
		return fmt.Errorf("app: bridge: %w", err)
	}

	a.Tools = tools.New(tools.Deps{
		Tags:      a.Tags,
		Graph:     a.Graph,
		Blocks:    a.Blocks,
		Workflows: a.Workflows,
		Episodes:  a.Episodes,
	})

	if src, ok := a.Store.(backup.Source); ok && src.Dialect() == sqlstore.DialectSQLite && cfg.Backup.Dir != "" {
		a.Backup, err = backup.New(src, backup.Options{
			Dir: cfg.Backup.Dir,
			Retention: backup.Retention{
				Hourly:  cfg.Backup.RetentionHourly,
				Daily:   cfg.Backup.RetentionDaily,
				Weekly:  cfg.Backup.RetentionWeekly,
				Monthly: cfg.Backup.RetentionMonthly,
			},
			SkipVerify: !cfg.Backup.Verify,
			Now:        now,
		})
		if err != nil {
			return fmt.Errorf("app: backup: %w", err)
		}
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (*sqlstore.Store, error) {
	if cfg.Driver == string(sqlstore.DialectSQLite) && cfg.DSN != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DSN), 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	return sqlstore.Open(ctx, cfg.Driver, cfg.DSN)
}

// Start launches the consolidation workers.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return errors.New("app: already started")
	}
	a.Queue.Start(ctx)
	a.started = true
	a.logger.Info().Int("workers", a.Config.Consolidation.Workers).Msg("consolidation workers started")
	return nil
}

// Shutdown drains the consolidation queue and closes the store if New
// opened it.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	if a.started {
		if err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop consolidation queue: %w", err))
		}
		a.started = false
	}
	if err := a.closeStore(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) closeStore() error {
	if !a.ownsStore || a.Store == nil {
		return nil
	}
	a.ownsStore = false
	if err := a.Store.Close(); err != nil {
		return fmt.Errorf("close document store: %w", err)
	}
	return nil
}

// RecordMessage counts a conversation turn toward the agent's next
// background consolidation. It reports whether a run was enqueued.
func (a *App) RecordMessage(tenantID, agentID string) bool {
	return a.Scheduler.RecordMessage(tenantID, agentID)
}
