package search

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/recordvault/recordvault/internal/model"
)

// PostgresIndex persists search documents in the search_documents table so
// the API server and the worker share one index across processes.
type PostgresIndex struct {
	pool *pgxpool.Pool
}

// NewPostgresIndex constructs a PostgresIndex.
func NewPostgresIndex(pool *pgxpool.Pool) *PostgresIndex {
	return &PostgresIndex{pool: pool}
}

// Index upserts a document row.
func (p *PostgresIndex) Index(ctx context.Context, doc model.SearchDocument) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO search_documents (record_id, tokens, patient_id, creator_id, file_type, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (record_id) DO UPDATE SET
			tokens=EXCLUDED.tokens,
			patient_id=EXCLUDED.patient_id,
			creator_id=EXCLUDED.creator_id,
			file_type=EXCLUDED.file_type,
			status=EXCLUDED.status,
			updated_at=EXCLUDED.updated_at
	`, doc.ID, doc.Tokens, doc.PatientID, doc.CreatorID, doc.FileType, doc.Status, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert search document: %w", err)
	}
	return nil
}

// Remove deletes a document row.
func (p *PostgresIndex) Remove(ctx context.Context, recordID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM search_documents WHERE record_id=$1`, recordID)
	if err != nil {
		return fmt.Errorf("delete search document: %w", err)
	}
	return nil
}

// Query ranks matching documents by token overlap in SQL, ties broken by
// most recent update.
func (p *PostgresIndex) Query(ctx context.Context, tokens []string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT record_id
		FROM search_documents d,
			LATERAL (SELECT COUNT(*) AS score FROM unnest(d.tokens) t WHERE t = ANY($1)) s
		WHERE s.score > 0
		ORDER BY s.score DESC, d.updated_at DESC, d.record_id
	`, tokens)
	if err != nil {
		return nil, fmt.Errorf("query search documents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return out, nil
}

var _ Indexer = (*PostgresIndex)(nil)
