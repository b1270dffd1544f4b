package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

const tagColumns = `id, tenant_id, tag, use_count, last_used, agents`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanTag(row rowScanner) (*types.TagIndexEntry, error) {
	var e types.TagIndexEntry
	if err := row.Scan(&e.ID, &e.TenantID, &e.Tag, &e.Count, &e.LastUsed, s.stringsDest(&e.Agents)); err != nil {
		return nil, err
	}
	e.LastUsed = e.LastUsed.UTC()
	return &e, nil
}

// RecordTagUsage implements storage.TagIndexStore.
func (s *Store) RecordTagUsage(ctx context.Context, tenantID string, tags []string, agentID string, at time.Time) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if len(tags) == 0 {
		return nil
	}
	at = at.UTC()

	return s.inTx(ctx, func(tx *sql.Tx) error {
		for _, tag := range tags {
			if tag == "" {
				continue
			}
			_, err := tx.ExecContext(ctx, s.rebind(`
				INSERT INTO tag_index (id, tenant_id, tag, use_count, last_used, agents)
				VALUES (?, ?, ?, 0, ?, ?)
				ON CONFLICT (tenant_id, tag) DO NOTHING`),
				uuid.NewString(), tenantID, tag, at, s.stringsArg(nil))
			if err != nil {
				return fmt.Errorf("insert tag %q: %w", tag, err)
			}

			row := tx.QueryRowContext(ctx,
				s.rebind(`SELECT `+tagColumns+` FROM tag_index WHERE tenant_id = ? AND tag = ?`+s.forUpdate()),
				tenantID, tag)
			entry, err := s.scanTag(row)
			if err != nil {
				return fmt.Errorf("load tag %q: %w", tag, err)
			}

			agents := unionStrings(entry.Agents, agentID)
			_, err = tx.ExecContext(ctx,
				s.rebind(`UPDATE tag_index SET use_count = ?, last_used = ?, agents = ? WHERE id = ?`),
				entry.Count+1, at, s.stringsArg(agents), entry.ID)
			if err != nil {
				return fmt.Errorf("update tag %q: %w", tag, err)
			}
		}
		return nil
	})
}

// ListTags implements storage.TagIndexStore.
func (s *Store) ListTags(ctx context.Context, tenantID string) ([]types.TagIndexEntry, error) {
	return s.queryTags(ctx, `SELECT `+tagColumns+` FROM tag_index WHERE tenant_id = ? ORDER BY tag`, tenantID)
}

// TopTags implements storage.TagIndexStore.
func (s *Store) TopTags(ctx context.Context, tenantID string, limit int) ([]types.TagIndexEntry, error) {
	return s.queryTags(ctx,
		`SELECT `+tagColumns+` FROM tag_index WHERE tenant_id = ? ORDER BY use_count DESC, tag`+limitClause(limit),
		tenantID)
}

func (s *Store) queryTags(ctx context.Context, query string, args ...any) ([]types.TagIndexEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tags: %w", err)
	}
	defer rows.Close()

	var out []types.TagIndexEntry
	for rows.Next() {
		e, err := s.scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tag: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// MergeTags implements storage.TagIndexStore.
func (s *Store) MergeTags(ctx context.Context, tenantID, primaryID string, duplicateIDs []string) (*types.TagIndexEntry, error) {
	if err := requireTenant(tenantID); err != nil {
		return nil, err
	}

	var merged *types.TagIndexEntry
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		load := func(id string) (*types.TagIndexEntry, error) {
			row := tx.QueryRowContext(ctx,
				s.rebind(`SELECT `+tagColumns+` FROM tag_index WHERE tenant_id = ? AND id = ?`+s.forUpdate()),
				tenantID, id)
			e, err := s.scanTag(row)
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("%w: tag entry %s", storage.ErrNotFound, id)
			}
			return e, err
		}

		primary, err := load(primaryID)
		if err != nil {
			return err
		}
		for _, id := range duplicateIDs {
			if id == primaryID {
				continue
			}
			dup, err := load(id)
			if err != nil {
				return err
			}
			primary.Count += dup.Count
			primary.Agents = unionStrings(primary.Agents, dup.Agents...)
			if dup.LastUsed.After(primary.LastUsed) {
				primary.LastUsed = dup.LastUsed
			}
			if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM tag_index WHERE id = ?`), id); err != nil {
				return fmt.Errorf("delete duplicate tag %s: %w", id, err)
			}
		}

		_, err = tx.ExecContext(ctx,
			s.rebind(`UPDATE tag_index SET use_count = ?, last_used = ?, agents = ? WHERE id = ?`),
			primary.Count, primary.LastUsed, s.stringsArg(primary.Agents), primary.ID)
		if err != nil {
			return fmt.Errorf("update primary tag %s: %w", primary.ID, err)
		}
		merged = primary
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}
