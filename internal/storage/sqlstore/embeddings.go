package sqlstore

import (
	"context"
	"fmt"
	"time"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/tiermem/internal/storage"
	"github.com/scrypster/tiermem/pkg/types"
)

// PutEmbedding implements storage.EmbeddingStore. The JSON column is always
// written; with pgvector available the native vector column is written too.
func (s *Store) PutEmbedding(ctx context.Context, vec types.MemoryVector) error {
	if err := requireTenant(vec.TenantID); err != nil {
		return err
	}
	if vec.ID == "" || len(vec.Embedding) == 0 {
		return fmt.Errorf("%w: memory ID and embedding are required", storage.ErrInvalidInput)
	}
	encoded, err := jsonArg(vec.Embedding)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	now := time.Now().UTC()

	if s.pgvector {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO memory_vectors (tenant_id, id, embedding_json, embedding_vec, updated_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				embedding_json = excluded.embedding_json,
				embedding_vec = excluded.embedding_vec,
				updated_at = excluded.updated_at`),
			vec.TenantID, vec.ID, encoded, pgvector.NewVector(vec.Embedding), now)
	} else {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO memory_vectors (tenant_id, id, embedding_json, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (tenant_id, id) DO UPDATE SET
				embedding_json = excluded.embedding_json,
				updated_at = excluded.updated_at`),
			vec.TenantID, vec.ID, encoded, now)
	}
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// ListEmbeddings implements storage.EmbeddingStore.
func (s *Store) ListEmbeddings(ctx context.Context, tenantID string) ([]types.MemoryVector, error) {
	if s.pgvector {
		return s.listNativeEmbeddings(ctx, tenantID)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, embedding_json FROM memory_vectors WHERE tenant_id = ? ORDER BY id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryVector
	for rows.Next() {
		v := types.MemoryVector{TenantID: tenantID}
		if err := rows.Scan(&v.ID, jsonColumn[[]float32]{&v.Embedding}); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) listNativeEmbeddings(ctx context.Context, tenantID string) ([]types.MemoryVector, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, embedding_vec FROM memory_vectors
		WHERE tenant_id = ? AND embedding_vec IS NOT NULL ORDER BY id`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	defer rows.Close()

	var out []types.MemoryVector
	for rows.Next() {
		var id string
		var vec pgvector.Vector
		if err := rows.Scan(&id, &vec); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		out = append(out, types.MemoryVector{ID: id, TenantID: tenantID, Embedding: vec.Slice()})
	}
	return out, rows.Err()
}
