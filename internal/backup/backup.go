// Package backup takes verified point-in-time snapshots of a SQLite
// document store and prunes them with a tiered retention policy.
package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scrypster/tiermem/internal/storage/sqlstore"
	"github.com/scrypster/tiermem/pkg/types"
)

const (
	filePrefix = "tiermem-"
	fileExt    = ".db"
	timeLayout = "20060102T150405Z"
)

// Retention is how many snapshots to keep per age tier:
// hourly under 24h, daily under 7d, weekly under 30d, monthly under 365d.
// Anything older is always removed.
type Retention struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourlies and a year of monthlies.
var DefaultRetention = Retention{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}

// Snapshot describes one backup file.
type Snapshot struct {
	Path      string
	Timestamp time.Time
	Size      int64
	Verified  bool
}

// Source is a store that can be snapshotted.
type Source interface {
	Dialect() sqlstore.Dialect
	DB() *sql.DB
}

// Options configures a Service.
type Options struct {
	Dir       string
	Retention Retention

	// SkipVerify disables the integrity check after each snapshot.
	SkipVerify bool
	Now        func() time.Time
}

// Service snapshots one store into Dir.
type Service struct {
	db     *sql.DB
	opts   Options
	logger zerolog.Logger
}

// New creates a Service. Only SQLite stores can be snapshotted; PostgreSQL
// deployments rely on the database's own backup tooling.
func New(src Source, opts Options) (*Service, error) {
	if src == nil {
		return nil, fmt.Errorf("%w: backup source is required", types.ErrNotConfigured)
	}
	if src.Dialect() != sqlstore.DialectSQLite {
		return nil, fmt.Errorf("%w: snapshots need a sqlite store, got %s", types.ErrInvalidInput, src.Dialect())
	}
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("%w: backup directory is required", types.ErrNotConfigured)
	}
	if opts.Retention == (Retention{}) {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{db: src.DB(), opts: opts, logger: log.With().Str("component", "backup").Logger()}, nil
}

// Snapshot writes a consistent copy of the store with VACUUM INTO,
// verifies it, and applies retention. A snapshot that fails verification
// is removed and reported as an error.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := os.MkdirAll(s.opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}
	ts := s.opts.Now().UTC().Truncate(time.Second)
	path := filepath.Join(s.opts.Dir, filePrefix+ts.Format(timeLayout)+fileExt)

	start := time.Now()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}

	snap := &Snapshot{Path: path, Timestamp: ts}
	if !s.opts.SkipVerify {
		if err := Verify(ctx, path); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
		snap.Verified = true
	}
	if info, err := os.Stat(path); err == nil {
		snap.Size = info.Size()
	}

	removed, err := s.Prune()
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot taken but retention failed")
	}
	s.logger.Info().Str("path", path).Int64("bytes", snap.Size).Int("pruned", len(removed)).
		Dur("elapsed", time.Since(start)).Msg("snapshot complete")
	return snap, nil
}

// Verify runs SQLite's integrity check on a snapshot file.
func Verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// List returns the snapshots in Dir, newest first. A missing directory has
// no snapshots.
func (s *Service) List() ([]Snapshot, error) {
	entries, err := os.ReadDir(s.opts.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var out []Snapshot
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		ts, err := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
		if err != nil {
			ts = info.ModTime()
		}
		out = append(out, Snapshot{Path: filepath.Join(s.opts.Dir, name), Timestamp: ts, Size: info.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// Prune removes snapshots beyond the retention policy and returns their
// paths. Deletion continues past individual failures.
func (s *Service) Prune() ([]string, error) {
	snaps, err := s.List()
	if err != nil {
		return nil, err
	}
	now := s.opts.Now()
	policy := s.opts.Retention
	var hourly, daily, weekly, monthly, expired []Snapshot
	for _, snap := range snaps {
		switch age := now.Sub(snap.Timestamp); {
		case age < 24*time.Hour:
			hourly = append(hourly, snap)
		case age < 7*24*time.Hour:
			daily = append(daily, snap)
		case age < 30*24*time.Hour:
			weekly = append(weekly, snap)
		case age < 365*24*time.Hour:
			monthly = append(monthly, snap)
		default:
			expired = append(expired, snap)
		}
	}

	toDelete := expired
	toDelete = append(toDelete, overflow(hourly, policy.Hourly)...)
	toDelete = append(toDelete, overflow(daily, policy.Daily)...)
	toDelete = append(toDelete, overflow(weekly, policy.Weekly)...)
	toDelete = append(toDelete, overflow(monthly, policy.Monthly)...)

	var removed []string
	var errs []error
	for _, snap := range toDelete {
		if err := os.Remove(snap.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, snap.Path)
	}
	return removed, errors.Join(errs...)
}

// overflow returns the entries past keep; tier is sorted newest first.
func overflow(tier []Snapshot, keep int) []Snapshot {
	if keep < 0 {
		keep = 0
	}
	if len(tier) <= keep {
		return nil
	}
	return tier[keep:]
}
