// Package vector stores and searches the 1536-dimensional embeddings behind
// semantic retrieval. One row exists per (entity, field); session vectors
// cover the four SOAP sections, client vectors cover medical history and
// notes. Every operation is workspace-scoped; there is no unscoped path.
package vector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/store"
)

// Dimensions is the embedding width accepted by the store.
const Dimensions = 1536

// ErrInvalidDimension rejects vectors that are not 1536 wide.
var ErrInvalidDimension = errors.New("invalid embedding dimension")

// Row is one stored embedding.
type Row struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	EntityID    uuid.UUID
	FieldName   string
	CreatedAt   time.Time
}

// Match pairs a row with its cosine similarity to a query vector.
type Match struct {
	Row        Row
	Similarity float64
}

// Store reads and writes one vector table. SessionVectors and ClientVectors
// are the two instances; they differ only in table, entity column and the
// admissible field names.
type Store struct {
	db           store.Querier
	table        string
	entityColumn string
	fields       map[string]bool
}

// NewSessionVectors covers session SOAP embeddings.
func NewSessionVectors(db store.Querier) *Store {
	return &Store{
		db:           db,
		table:        "session_vectors",
		entityColumn: "session_id",
		fields: map[string]bool{
			string(core.FieldSubjective): true,
			string(core.FieldObjective):  true,
			string(core.FieldAssessment): true,
			string(core.FieldPlan):       true,
		},
	}
}

// NewClientVectors covers client profile embeddings.
func NewClientVectors(db store.Querier) *Store {
	return &Store{
		db:           db,
		table:        "client_vectors",
		entityColumn: "client_id",
		fields: map[string]bool{
			"medical_history": true,
			"notes":           true,
		},
	}
}

// WithTx rebinds the store to a transaction.
func (s *Store) WithTx(q store.Querier) *Store {
	return &Store{db: q, table: s.table, entityColumn: s.entityColumn, fields: s.fields}
}

// Insert writes one embedding, replacing any previous one for the same
// (entity, field). Embeddings are regenerated wholesale, so replacement is
// the only update path.
func (s *Store) Insert(ctx context.Context, workspaceID, entityID uuid.UUID, fieldName string, embedding []float32) error {
	if err := s.check(fieldName, embedding); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, workspace_id, %s, field_name, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (%s, field_name)
		DO UPDATE SET embedding = EXCLUDED.embedding, created_at = EXCLUDED.created_at`,
		s.table, s.entityColumn, s.entityColumn),
		uuid.New(), workspaceID, entityID, fieldName, pgvector.NewVector(embedding), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert %s embedding: %w", s.table, err)
	}
	return nil
}

// InsertBatch writes several fields of one entity atomically: either all
// land or none do. Callers running inside a transaction get atomicity from
// it; otherwise the statements share one round-trip-per-field but the first
// failure aborts the rest.
func (s *Store) InsertBatch(ctx context.Context, workspaceID, entityID uuid.UUID, embeddings map[string][]float32) error {
	for fieldName, embedding := range embeddings {
		if err := s.check(fieldName, embedding); err != nil {
			return err
		}
	}
	for fieldName, embedding := range embeddings {
		if err := s.Insert(ctx, workspaceID, entityID, fieldName, embedding); err != nil {
			return err
		}
	}
	return nil
}

// SearchSimilar returns up to limit rows ordered by cosine similarity
// descending, keeping only matches at or above minSimilarity. fieldFilter,
// when non-empty, restricts to one field name.
func (s *Store) SearchSimilar(ctx context.Context, workspaceID uuid.UUID, query []float32, limit int, fieldFilter string, minSimilarity float64) ([]Match, error) {
	if len(query) != Dimensions {
		return nil, fmt.Errorf("%w: query is %d, need %d", ErrInvalidDimension, len(query), Dimensions)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if minSimilarity < 0 {
		minSimilarity = 0
	}
	if minSimilarity > 1 {
		minSimilarity = 1
	}
	if fieldFilter != "" && !s.fields[fieldFilter] {
		return nil, fmt.Errorf("unknown field %q for %s", fieldFilter, s.table)
	}

	// Cosine similarity is 1 - (embedding <=> query); the similarity floor
	// becomes a distance ceiling so the index can serve the predicate.
	sql := fmt.Sprintf(`
		SELECT id, workspace_id, %s, field_name, created_at,
		       1 - (embedding <=> $2) AS similarity
		FROM %s
		WHERE workspace_id = $1
		  AND (embedding <=> $2) <= $3`, s.entityColumn, s.table)
	args := []interface{}{workspaceID, pgvector.NewVector(query), 1 - minSimilarity}
	if fieldFilter != "" {
		sql += ` AND field_name = $4`
		args = append(args, fieldFilter)
	}
	sql += fmt.Sprintf(` ORDER BY embedding <=> $2 LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Row.ID, &m.Row.WorkspaceID, &m.Row.EntityID,
			&m.Row.FieldName, &m.Row.CreatedAt, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan %s match: %w", s.table, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SearchSimilarWithin is SearchSimilar restricted to a set of entities, used
// when retrieval is scoped to one client: the caller passes the client's
// session ids (or the client id itself for profile vectors).
func (s *Store) SearchSimilarWithin(ctx context.Context, workspaceID uuid.UUID, query []float32, limit int, entityIDs []uuid.UUID, minSimilarity float64) ([]Match, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	if len(query) != Dimensions {
		return nil, fmt.Errorf("%w: query is %d, need %d", ErrInvalidDimension, len(query), Dimensions)
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if minSimilarity < 0 {
		minSimilarity = 0
	}
	if minSimilarity > 1 {
		minSimilarity = 1
	}

	sql := fmt.Sprintf(`
		SELECT id, workspace_id, %s, field_name, created_at,
		       1 - (embedding <=> $2) AS similarity
		FROM %s
		WHERE workspace_id = $1
		  AND (embedding <=> $2) <= $3
		  AND %s = ANY($4)
		ORDER BY embedding <=> $2 LIMIT %d`,
		s.entityColumn, s.table, s.entityColumn, limit)

	rows, err := s.db.QueryContext(ctx, sql,
		workspaceID, pgvector.NewVector(query), 1-minSimilarity, pq.Array(entityIDs))
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", s.table, err)
	}
	defer rows.Close()

	var out []Match
	for rows.Next() {
		var m Match
		if err := rows.Scan(&m.Row.ID, &m.Row.WorkspaceID, &m.Row.EntityID,
			&m.Row.FieldName, &m.Row.CreatedAt, &m.Similarity); err != nil {
			return nil, fmt.Errorf("scan %s match: %w", s.table, err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteFor removes every embedding of one entity. Entity deletion cascades
// in the schema; this explicit path serves re-embedding and GDPR-style
// removal sweeps.
func (s *Store) DeleteFor(ctx context.Context, workspaceID, entityID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE workspace_id = $1 AND %s = $2`, s.table, s.entityColumn),
		workspaceID, entityID)
	if err != nil {
		return fmt.Errorf("delete %s embeddings: %w", s.table, err)
	}
	return nil
}

// CountFor reports the workspace's embedding count for quota telemetry.
func (s *Store) CountFor(ctx context.Context, workspaceID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE workspace_id = $1`, s.table),
		workspaceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s embeddings: %w", s.table, err)
	}
	return n, nil
}

func (s *Store) check(fieldName string, embedding []float32) error {
	if !s.fields[fieldName] {
		return fmt.Errorf("unknown field %q for %s", fieldName, s.table)
	}
	if len(embedding) != Dimensions {
		return fmt.Errorf("%w: %s is %d, need %d", ErrInvalidDimension, fieldName, len(embedding), Dimensions)
	}
	return nil
}
