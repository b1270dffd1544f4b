package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

// AppendSyncRecord implements storage.SyncLog.
func (s *Store) AppendSyncRecord(ctx context.Context, r *types.SyncRecord) error {
	if r == nil {
		return storage.ErrInvalidInput
	}
	if err := requireTenant(r.TenantID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.LastSyncAt.IsZero() {
		r.LastSyncAt = time.Now()
	}
	r.LastSyncAt = r.LastSyncAt.UTC()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO sync_records (id, tenant_id, direction, source_type, target_type, last_sync_at, items_synced, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.TenantID, string(r.Direction), r.SourceType, r.TargetType, r.LastSyncAt, r.ItemsSynced, string(r.Status), r.Error)
	if err != nil {
		return fmt.Errorf("insert sync record: %w", err)
	}
	return nil
}

// ListSyncRecords implements storage.SyncLog.
func (s *Store) ListSyncRecords(ctx context.Context, tenantID string, limit int) ([]types.SyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, direction, source_type, target_type, last_sync_at, items_synced, status, error
		FROM sync_records WHERE tenant_id = ?
		ORDER BY last_sync_at DESC, id`+limitClause(limit)), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query sync records: %w", err)
	}
	defer rows.Close()

	var out []types.SyncRecord
	for rows.Next() {
		var r types.SyncRecord
		var direction, status string
		if err := rows.Scan(&r.ID, &r.TenantID, &direction, &r.SourceType, &r.TargetType, &r.LastSyncAt, &r.ItemsSynced, &status, &r.Error); err != nil {
			return nil, fmt.Errorf("scan sync record: %w", err)
		}
		r.Direction = types.SyncDirection(direction)
		r.Status = types.SyncStatus(status)
		r.LastSyncAt = r.LastSyncAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetProfile implements storage.ProfileStore.
func (s *Store) GetProfile(ctx context.Context, tenantID, customerID string) (*types.CustomerProfile, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT tenant_id, customer_id, product_affinity, effects, price_sensitivity, price_signals, last_message_at, updated_at
		FROM customer_profiles WHERE tenant_id = ? AND customer_id = ?`), tenantID, customerID)

	var p types.CustomerProfile
	var sensitivity string
	var lastMessage sql.NullTime
	err := row.Scan(&p.TenantID, &p.CustomerID, jsonColumn[map[string]int]{&p.ProductAffinity},
		s.stringsDest(&p.Effects), &sensitivity, &p.PriceSignals, &lastMessage, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: profile %s/%s", storage.ErrNotFound, tenantID, customerID)
	}
	if err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	p.PriceSensitivity = types.PriceSensitivity(sensitivity)
	if lastMessage.Valid {
		p.LastMessageAt = lastMessage.Time.UTC()
	}
	p.UpdatedAt = p.UpdatedAt.UTC()
	if p.ProductAffinity == nil {
		p.ProductAffinity = map[string]int{}
	}
	return &p, nil
}

// PutProfile implements storage.ProfileStore.
func (s *Store) PutProfile(ctx context.Context, p *types.CustomerProfile) error {
	if p == nil || p.CustomerID == "" {
		return fmt.Errorf("%w: customer ID is required", storage.ErrInvalidInput)
	}
	if err := requireTenant(p.TenantID); err != nil {
		return err
	}
	affinity, err := jsonArg(p.ProductAffinity)
	if err != nil {
		return fmt.Errorf("encode product affinity: %w", err)
	}
	if p.PriceSensitivity == "" {
		p.PriceSensitivity = types.PriceSensitivityUnknown
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now()
	}
	p.UpdatedAt = p.UpdatedAt.UTC()

	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO customer_profiles (tenant_id, customer_id, product_affinity, effects, price_sensitivity, price_signals, last_message_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, customer_id) DO UPDATE SET
			product_affinity = excluded.product_affinity,
			effects = excluded.effects,
			price_sensitivity = excluded.price_sensitivity,
			price_signals = excluded.price_signals,
			last_message_at = excluded.last_message_at,
			updated_at = excluded.updated_at`),
		p.TenantID, p.CustomerID, affinity, s.stringsArg(p.Effects), string(p.PriceSensitivity), p.PriceSignals,
		lastMessageArg(p.LastMessageAt), p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert profile: %w", err)
	}
	return nil
}

// PutDocuments implements storage.DocumentStore.
func (s *Store) PutDocuments(ctx context.Context, docs []types.Document) error {
	if len(docs) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`
			INSERT INTO documents (id, tenant_id, collection, content, fields, created_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				content = excluded.content,
				fields = excluded.fields,
				created_at = excluded.created_at`))
		if err != nil {
			return fmt.Errorf("prepare document upsert: %w", err)
		}
		defer stmt.Close()

		now := time.Now().UTC()
		for i := range docs {
			d := &docs[i]
			if err := requireTenant(d.TenantID); err != nil {
				return err
			}
			if d.ID == "" {
				d.ID = uuid.NewString()
			}
			if d.CreatedAt.IsZero() {
				d.CreatedAt = now
			}
			fields, err := jsonArg(nonNilFields(d.Fields))
			if err != nil {
				return fmt.Errorf("encode document fields: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, d.ID, d.TenantID, d.Collection, d.Content, fields, d.CreatedAt.UTC()); err != nil {
				return fmt.Errorf("upsert document %s: %w", d.ID, err)
			}
		}
		return nil
	})
}

func lastMessageArg(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return nullTime(&t)
}

func nonNilFields(f map[string]string) map[string]string {
	if f == nil {
		return map[string]string{}
	}
	return f
}

// SearchDocuments implements storage.DocumentStore.
func (s *Store) SearchDocuments(ctx context.Context, tenantID, query string, limit int) ([]types.Document, error) {
	q := `SELECT id, tenant_id, collection, content, fields, created_at FROM documents WHERE tenant_id = ?`
	args := []any{tenantID}
	for _, term := range strings.Fields(strings.ToLower(query)) {
		q += ` AND LOWER(content) LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(term)+"%")
	}
	q += ` ORDER BY created_at DESC, id` + limitClause(limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("search documents: %w", err)
	}
	defer rows.Close()

	var out []types.Document
	for rows.Next() {
		var d types.Document
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Collection, &d.Content, jsonColumn[map[string]string]{&d.Fields}, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		d.CreatedAt = d.CreatedAt.UTC()
		out = append(out, d)
	}
	return out, rows.Err()
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike makes term match literally inside a LIKE pattern with ESCAPE '\'.
func escapeLike(term string) string { return likeEscaper.Replace(term) }

// CountDocuments implements storage.DocumentStore.
func (s *Store) CountDocuments(ctx context.Context, tenantID, collection string, since time.Time) (int, error) {
	q := `SELECT COUNT(*) FROM documents WHERE tenant_id = ? AND collection = ?`
	args := []any{tenantID, collection}
	if !since.IsZero() {
		q += ` AND created_at >= ?`
		args = append(args, since.UTC())
	}
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(q), args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents in %s: %w", collection, err)
	}
	return n, nil
}

// AddDeadLetter implements storage.DeadLetterStore.
func (s *Store) AddDeadLetter(ctx context.Context, dl *types.DeadLetter) error {
	if dl == nil {
		return storage.ErrInvalidInput
	}
	if err := requireTenant(dl.TenantID); err != nil {
		return err
	}
	if dl.ID == "" {
		dl.ID = uuid.NewString()
	}
	if dl.FailedAt.IsZero() {
		dl.FailedAt = time.Now()
	}
	dl.FailedAt = dl.FailedAt.UTC()

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO dead_letters (id, tenant_id, agent_id, attempts, last_error, failed_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		dl.ID, dl.TenantID, dl.AgentID, dl.Attempts, dl.LastError, dl.FailedAt)
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	return nil
}

// ListDeadLetters implements storage.DeadLetterStore.
func (s *Store) ListDeadLetters(ctx context.Context, tenantID string) ([]types.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, agent_id, attempts, last_error, failed_at
		FROM dead_letters WHERE tenant_id = ? ORDER BY failed_at DESC, id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []types.DeadLetter
	for rows.Next() {
		var dl types.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.TenantID, &dl.AgentID, &dl.Attempts, &dl.LastError, &dl.FailedAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.FailedAt = dl.FailedAt.UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}
