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

const runColumns = `id, tenant_id, agent_id, triggered_at, completed_at, status, input_messages,
	output_insights, blocks_updated, new_archival_entries, error`

func (s *Store) scanRun(row rowScanner) (*types.ConsolidationRun, error) {
	var r types.ConsolidationRun
	var completed sql.NullTime
	var status string
	err := row.Scan(&r.ID, &r.TenantID, &r.AgentID, &r.TriggeredAt, &completed, &status, &r.InputMessages,
		s.stringsDest(&r.OutputInsights), s.stringsDest(&r.BlocksUpdated), &r.NewArchivalEntries, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = types.RunStatus(status)
	r.TriggeredAt = r.TriggeredAt.UTC()
	if completed.Valid {
		t := completed.Time.UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

// CreateRun implements storage.RunStore.
func (s *Store) CreateRun(ctx context.Context, r *types.ConsolidationRun) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if err := requireTenant(r.TenantID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.TriggeredAt.IsZero() {
		r.TriggeredAt = time.Now()
	}
	r.TriggeredAt = r.TriggeredAt.UTC()
	if r.Status == "" {
		r.Status = types.RunStatusRunning
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO consolidation_runs (`+runColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.TenantID, r.AgentID, r.TriggeredAt, nullTime(r.CompletedAt), string(r.Status), r.InputMessages,
		s.stringsArg(r.OutputInsights), s.stringsArg(r.BlocksUpdated), r.NewArchivalEntries, r.Error)
	if err != nil {
		return fmt.Errorf("insert consolidation run: %w", err)
	}
	return nil
}

// FinishRun implements storage.RunStore. Only a running run can be
// finished, so a run reaches its terminal state exactly once.
func (s *Store) FinishRun(ctx context.Context, r *types.ConsolidationRun) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("%w: run ID is required", storage.ErrInvalidInput)
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: run %s must finish in a terminal status, got %q", storage.ErrInvalidInput, r.ID, r.Status)
	}
	if r.CompletedAt == nil {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}

	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE consolidation_runs SET
			completed_at = ?, status = ?, input_messages = ?, output_insights = ?,
			blocks_updated = ?, new_archival_entries = ?, error = ?
		WHERE id = ? AND status = ?`),
		r.CompletedAt.UTC(), string(r.Status), r.InputMessages, s.stringsArg(r.OutputInsights),
		s.stringsArg(r.BlocksUpdated), r.NewArchivalEntries, r.Error,
		r.ID, string(types.RunStatusRunning))
	if err != nil {
		return fmt.Errorf("finish consolidation run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetRun(ctx, r.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("%w: run %s is already terminal", storage.ErrConflict, r.ID)
	}
	return nil
}

// GetRun implements storage.RunStore.
func (s *Store) GetRun(ctx context.Context, id string) (*types.ConsolidationRun, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+runColumns+` FROM consolidation_runs WHERE id = ?`), id)
	r, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get consolidation run: %w", err)
	}
	return r, nil
}

// ListRuns implements storage.RunStore.
func (s *Store) ListRuns(ctx context.Context, tenantID, agentID string, limit int) ([]types.ConsolidationRun, error) {
	q := `SELECT ` + runColumns + ` FROM consolidation_runs WHERE tenant_id = ?`
	args := []any{tenantID}
	if agentID != "" {
		q += ` AND agent_id = ?`
		args = append(args, agentID)
	}
	q += ` ORDER BY triggered_at DESC, id` + limitClause(limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query consolidation runs: %w", err)
	}
	defer rows.Close()

	var out []types.ConsolidationRun
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan consolidation run: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
