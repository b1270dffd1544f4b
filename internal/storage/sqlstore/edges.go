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

const edgeColumns = `id, tenant_id, from_memory_id, to_memory_id, relation, strength, created_at, created_by`

func scanEdge(row rowScanner) (*types.MemoryEdge, error) {
	var e types.MemoryEdge
	var relation string
	if err := row.Scan(&e.ID, &e.TenantID, &e.FromMemoryID, &e.ToMemoryID, &relation, &e.Strength, &e.CreatedAt, &e.CreatedBy); err != nil {
		return nil, err
	}
	e.Relation = types.Relation(relation)
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

// CreateEdge implements storage.EdgeStore. Missing ID and CreatedAt are
// filled in on the passed edge.
func (s *Store) CreateEdge(ctx context.Context, edge *types.MemoryEdge) error {
	if edge == nil {
		return storage.ErrInvalidInput
	}
	if err := requireTenant(edge.TenantID); err != nil {
		return err
	}
	if edge.FromMemoryID == "" || edge.ToMemoryID == "" {
		return fmt.Errorf("%w: edge endpoints are required", storage.ErrInvalidInput)
	}
	if !edge.Relation.Valid() {
		return fmt.Errorf("%w: unknown relation %q", storage.ErrInvalidInput, edge.Relation)
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	if edge.CreatedAt.IsZero() {
		edge.CreatedAt = time.Now()
	}
	edge.CreatedAt = edge.CreatedAt.UTC()
	edge.Strength = types.ClampStrength(edge.Strength)

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO memory_edges (`+edgeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		edge.ID, edge.TenantID, edge.FromMemoryID, edge.ToMemoryID, string(edge.Relation),
		edge.Strength, edge.CreatedAt, edge.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert edge: %w", err)
	}
	return nil
}

// GetEdge implements storage.EdgeStore.
func (s *Store) GetEdge(ctx context.Context, tenantID, id string) (*types.MemoryEdge, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+edgeColumns+` FROM memory_edges WHERE tenant_id = ? AND id = ?`),
		tenantID, id)
	e, err := scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: edge %s", storage.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get edge: %w", err)
	}
	return e, nil
}

// UpdateEdgeStrength implements storage.EdgeStore.
func (s *Store) UpdateEdgeStrength(ctx context.Context, tenantID, id string, strength float64) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE memory_edges SET strength = ? WHERE tenant_id = ? AND id = ?`),
		types.ClampStrength(strength), tenantID, id)
	if err != nil {
		return fmt.Errorf("update edge strength: %w", err)
	}
	return expectOneRow(res, "edge", id)
}

// DeleteEdge implements storage.EdgeStore.
func (s *Store) DeleteEdge(ctx context.Context, tenantID, id string) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`DELETE FROM memory_edges WHERE tenant_id = ? AND id = ?`), tenantID, id)
	if err != nil {
		return fmt.Errorf("delete edge: %w", err)
	}
	return expectOneRow(res, "edge", id)
}

// OutgoingEdges implements storage.EdgeStore.
func (s *Store) OutgoingEdges(ctx context.Context, tenantID, memoryID string, filter storage.EdgeFilter) ([]types.MemoryEdge, error) {
	return s.queryEdges(ctx, "from_memory_id", tenantID, memoryID, filter)
}

// IncomingEdges implements storage.EdgeStore.
func (s *Store) IncomingEdges(ctx context.Context, tenantID, memoryID string, filter storage.EdgeFilter) ([]types.MemoryEdge, error) {
	return s.queryEdges(ctx, "to_memory_id", tenantID, memoryID, filter)
}

func (s *Store) queryEdges(ctx context.Context, column, tenantID, memoryID string, filter storage.EdgeFilter) ([]types.MemoryEdge, error) {
	query := `SELECT ` + edgeColumns + ` FROM memory_edges WHERE tenant_id = ? AND ` + column + ` = ?`
	args := []any{tenantID, memoryID}

	if len(filter.Relations) > 0 {
		query += ` AND relation IN (` + placeholders(len(filter.Relations)) + `)`
		for _, r := range filter.Relations {
			args = append(args, string(r))
		}
	}
	if filter.MinStrength > 0 {
		query += ` AND strength >= ?`
		args = append(args, filter.MinStrength)
	}
	query += ` ORDER BY strength DESC, created_at, id` + limitClause(filter.Limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryEdge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", storage.ErrNotFound, kind, id)
	}
	return nil
}
