package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/crypto"
)

// rotateTable names one table's encrypted columns. Embeddings are left out:
// they are derived data and get rebuilt, not re-encrypted.
type rotateTable struct {
	name    string
	columns []string
}

var rotateTables = []rotateTable{
	{"clients", []string{"first_name", "last_name", "email", "phone", "address",
		"medical_history", "emergency_contact", "notes"}},
	{"sessions", []string{"subjective", "objective", "assessment", "plan"}},
	{"workspaces", []string{"provider_config"}},
}

// Rotator rewrites PHI blobs under the keyring's active key version. Blobs
// already on the active version pass through untouched, so a sweep can be
// interrupted and re-run until Rewritten reaches zero.
type Rotator struct {
	db    *DB
	codec *crypto.Codec
}

func NewRotator(db *DB, codec *crypto.Codec) *Rotator {
	return &Rotator{db: db, codec: codec}
}

// RotateResult summarizes one sweep.
type RotateResult struct {
	Scanned   int
	Rewritten int
}

// Sweep walks every encrypted column of every PHI table in id order,
// batchSize rows at a time. A blob that fails to decrypt aborts the sweep
// with the row identified; nothing before it is rolled back, re-running
// resumes where things stand.
func (r *Rotator) Sweep(ctx context.Context, batchSize int) (RotateResult, error) {
	if batchSize <= 0 {
		batchSize = 100
	}

	var result RotateResult
	for _, table := range rotateTables {
		scanned, rewritten, err := r.sweepTable(ctx, table, batchSize)
		result.Scanned += scanned
		result.Rewritten += rewritten
		if err != nil {
			return result, err
		}
		slog.Info("rotation sweep finished table",
			"table", table.name, "scanned", scanned, "rewritten", rewritten)
	}
	return result, nil
}

func (r *Rotator) sweepTable(ctx context.Context, table rotateTable, batchSize int) (scanned, rewritten int, err error) {
	selectSQL := fmt.Sprintf(`SELECT id, %s FROM %s WHERE id > $1 ORDER BY id LIMIT $2`,
		strings.Join(table.columns, ", "), table.name)

	sets := make([]string, len(table.columns))
	for i, col := range table.columns {
		sets[i] = fmt.Sprintf("%s = $%d", col, i+2)
	}
	updateSQL := fmt.Sprintf(`UPDATE %s SET %s WHERE id = $1`, table.name, strings.Join(sets, ", "))

	after := uuid.Nil
	for {
		ids, blobs, err := r.fetchBatch(ctx, selectSQL, table, after, batchSize)
		if err != nil {
			return scanned, rewritten, err
		}
		if len(ids) == 0 {
			return scanned, rewritten, nil
		}

		for i, id := range ids {
			scanned++
			changed := false
			row := blobs[i]
			for j, blob := range row {
				out, rotated, err := r.codec.ReEncrypt(ctx, blob)
				if err != nil {
					return scanned, rewritten, fmt.Errorf("rotate %s %s column %s: %w",
						table.name, id, table.columns[j], err)
				}
				if rotated {
					row[j] = out
					changed = true
				}
			}
			if !changed {
				continue
			}

			args := make([]interface{}, 0, len(row)+1)
			args = append(args, id)
			for _, blob := range row {
				args = append(args, blob)
			}
			if _, err := r.db.ExecContext(ctx, updateSQL, args...); err != nil {
				return scanned, rewritten, fmt.Errorf("rewrite %s %s: %w", table.name, id, err)
			}
			rewritten++
		}

		after = ids[len(ids)-1]
	}
}

func (r *Rotator) fetchBatch(ctx context.Context, query string, table rotateTable, after uuid.UUID, limit int) ([]uuid.UUID, [][][]byte, error) {
	rows, err := r.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", table.name, err)
	}
	defer rows.Close()

	var (
		ids   []uuid.UUID
		blobs [][][]byte
	)
	for rows.Next() {
		var id uuid.UUID
		row := make([][]byte, len(table.columns))
		dest := make([]interface{}, 0, len(row)+1)
		dest = append(dest, &id)
		for i := range row {
			dest = append(dest, &row[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, nil, fmt.Errorf("scan %s row: %w", table.name, err)
		}
		ids = append(ids, id)
		blobs = append(blobs, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("scan %s: %w", table.name, err)
	}
	return ids, blobs, nil
}
