package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
)

// Sessions persists SOAP notes and their immutable version snapshots. The
// four SOAP columns are sealed blobs. Reads exclude soft-deleted rows unless
// asked; lifecycle moves (finalize, amend, restore) go through compare-and-
// set on the version counter so concurrent editors lose cleanly.
type Sessions struct {
	db    Querier
	codec *crypto.Codec
}

// NewSessions builds the store.
func NewSessions(db Querier, codec *crypto.Codec) *Sessions {
	return &Sessions{db: db, codec: codec}
}

// WithTx rebinds the store to a transaction.
func (s *Sessions) WithTx(q Querier) *Sessions {
	return &Sessions{db: q, codec: s.codec}
}

const sessionColumns = `id, workspace_id, client_id, appointment_id, subjective, objective,
	assessment, plan, session_date, duration_minutes, is_draft, draft_last_saved_at,
	finalized_at, amended_at, amendment_count, version, deleted_at, permanent_delete_after,
	deleted_by_user_id, deleted_reason, created_at, updated_at`

// Create inserts a fresh draft.
func (s *Sessions) Create(ctx context.Context, sess *core.Session) error {
	if sess.ID == uuid.Nil {
		sess.ID = uuid.New()
	}
	now := time.Now().UTC()
	sess.CreatedAt, sess.UpdatedAt = now, now
	sess.IsDraft = true
	sess.Version = 1

	fc := newFieldCryptor(ctx, s.codec)
	subjective := fc.seal(sess.Subjective)
	objective := fc.seal(sess.Objective)
	assessment := fc.seal(sess.Assessment)
	plan := fc.seal(sess.Plan)
	if fc.err != nil {
		return fc.err
	}

	var appointmentID interface{}
	if sess.AppointmentID != nil {
		appointmentID = *sess.AppointmentID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workspace_id, client_id, appointment_id, subjective, objective,
			assessment, plan, session_date, duration_minutes, is_draft, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, TRUE, 1, $11, $12)`,
		sess.ID, sess.WorkspaceID, sess.ClientID, appointmentID,
		subjective, objective, assessment, plan,
		sess.SessionDate, nullInt(sess.DurationMinutes), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// Get loads one live session. Soft-deleted rows answer ErrNotFound here;
// restore and permanent-delete go through GetIncludingDeleted.
func (s *Sessions) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NULL`,
		workspaceID, id)
	return s.scan(ctx, row)
}

// GetIncludingDeleted loads a session regardless of soft-delete state.
func (s *Sessions) GetIncludingDeleted(ctx context.Context, workspaceID, id uuid.UUID) (*core.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	return s.scan(ctx, row)
}

// GetBatch loads live sessions by id for RAG hydration.
func (s *Sessions) GetBatch(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*core.Session, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*core.Session{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE workspace_id = $1 AND id = ANY($2) AND deleted_at IS NULL`,
		workspaceID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*core.Session, len(ids))
	for rows.Next() {
		sess, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out[sess.ID] = sess
	}
	return out, rows.Err()
}

// List pages live sessions newest-session-date first, optionally filtered to
// a client.
func (s *Sessions) List(ctx context.Context, workspaceID uuid.UUID, clientID *uuid.UUID, limit, offset int) ([]*core.Session, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE workspace_id = $1 AND deleted_at IS NULL`
	args := []interface{}{workspaceID}
	if clientID != nil {
		query += ` AND client_id = $2`
		args = append(args, *clientID)
	}
	query += fmt.Sprintf(` ORDER BY session_date DESC, created_at DESC LIMIT $%d OFFSET $%d`,
		len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		sess, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListRecent returns up to limit most recent live sessions for the
// decrypt-and-scan search path.
func (s *Sessions) ListRecent(ctx context.Context, workspaceID uuid.UUID, clientID *uuid.UUID, limit int) ([]*core.Session, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	return s.List(ctx, workspaceID, clientID, limit, 0)
}

// ListIDsByClient returns the ids of all live sessions belonging to one
// client. Client-scoped retrieval uses this to restrict vector search.
func (s *Sessions) ListIDsByClient(ctx context.Context, workspaceID, clientID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions
		WHERE workspace_id = $1 AND client_id = $2 AND deleted_at IS NULL`,
		workspaceID, clientID)
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListByAppointment returns live sessions attached to an appointment.
func (s *Sessions) ListByAppointment(ctx context.Context, workspaceID, appointmentID uuid.UUID) ([]*core.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		WHERE workspace_id = $1 AND appointment_id = $2 AND deleted_at IS NULL`,
		workspaceID, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by appointment: %w", err)
	}
	defer rows.Close()

	var out []*core.Session
	for rows.Next() {
		sess, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// UpdateCAS writes the session's mutable fields if and only if the stored
// version still equals expectedVersion, bumping version by one. A lost race
// surfaces ErrVersionConflict; a missing row surfaces ErrNotFound.
func (s *Sessions) UpdateCAS(ctx context.Context, sess *core.Session, expectedVersion int) error {
	sess.UpdatedAt = time.Now().UTC()

	fc := newFieldCryptor(ctx, s.codec)
	subjective := fc.seal(sess.Subjective)
	objective := fc.seal(sess.Objective)
	assessment := fc.seal(sess.Assessment)
	plan := fc.seal(sess.Plan)
	if fc.err != nil {
		return fc.err
	}

	var appointmentID interface{}
	if sess.AppointmentID != nil {
		appointmentID = *sess.AppointmentID
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET appointment_id = $4, subjective = $5, objective = $6, assessment = $7, plan = $8,
			session_date = $9, duration_minutes = $10, is_draft = $11, draft_last_saved_at = $12,
			finalized_at = $13, amended_at = $14, amendment_count = $15,
			version = version + 1, updated_at = $16
		WHERE workspace_id = $1 AND id = $2 AND version = $3 AND deleted_at IS NULL`,
		sess.WorkspaceID, sess.ID, expectedVersion,
		appointmentID, subjective, objective, assessment, plan,
		sess.SessionDate, nullInt(sess.DurationMinutes), sess.IsDraft, nullTime(sess.DraftLastSavedAt),
		nullTime(sess.FinalizedAt), nullTime(sess.AmendedAt), sess.AmendmentCount, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session rows: %w", err)
	}
	if n == 0 {
		// Either the row is gone or another writer moved the version.
		var current int
		err := s.db.QueryRowContext(ctx,
			`SELECT version FROM sessions WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NULL`,
			sess.WorkspaceID, sess.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("session: %w", core.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("recheck session version: %w", err)
		}
		return fmt.Errorf("session version %d, expected %d: %w", current, expectedVersion, ErrVersionConflict)
	}
	sess.Version = expectedVersion + 1
	return nil
}

// SoftDelete opens the grace window. Already-deleted sessions answer
// ErrNotFound because the live-row predicate misses them.
func (s *Sessions) SoftDelete(ctx context.Context, workspaceID, id, deletedBy uuid.UUID, reason string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET deleted_at = $3, permanent_delete_after = $4, deleted_by_user_id = $5,
			deleted_reason = $6, updated_at = $3
		WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NULL`,
		workspaceID, id, at.UTC(), at.UTC().Add(core.SoftDeleteGracePeriod), deletedBy, reason)
	if err != nil {
		return fmt.Errorf("soft-delete session: %w", err)
	}
	return requireRow(res, "session")
}

// Restore clears the soft-delete metadata. The caller has already verified
// the grace window; the predicate re-checks it so a racing purge loses.
func (s *Sessions) Restore(ctx context.Context, workspaceID, id uuid.UUID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET deleted_at = NULL, permanent_delete_after = NULL, deleted_by_user_id = NULL,
			deleted_reason = '', updated_at = $3
		WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NOT NULL
		  AND permanent_delete_after > $3`,
		workspaceID, id, now.UTC())
	if err != nil {
		return fmt.Errorf("restore session: %w", err)
	}
	return requireRow(res, "session")
}

// HardDelete removes a soft-deleted session; versions and vectors cascade.
func (s *Sessions) HardDelete(ctx context.Context, workspaceID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE workspace_id = $1 AND id = $2 AND deleted_at IS NOT NULL`,
		workspaceID, id)
	if err != nil {
		return fmt.Errorf("hard-delete session: %w", err)
	}
	return requireRow(res, "session")
}

// PurgeExpired hard-deletes sessions whose grace period lapsed, at most
// limit per call. Returns how many rows went away.
func (s *Sessions) PurgeExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE id IN (
			SELECT id FROM sessions
			WHERE deleted_at IS NOT NULL AND permanent_delete_after <= $1
			ORDER BY permanent_delete_after
			LIMIT $2
		)`, now.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}

// ============================================================================
// VERSION SNAPSHOTS
// ============================================================================

// InsertVersion snapshots a SOAP payload. (session_id, version_number) is
// unique; a duplicate insert surfaces ErrConflict.
func (s *Sessions) InsertVersion(ctx context.Context, v *core.SessionVersion) error {
	if v.ID == uuid.Nil {
		v.ID = uuid.New()
	}
	v.CreatedAt = time.Now().UTC()

	fc := newFieldCryptor(ctx, s.codec)
	subjective := fc.seal(v.Subjective)
	objective := fc.seal(v.Objective)
	assessment := fc.seal(v.Assessment)
	plan := fc.seal(v.Plan)
	if fc.err != nil {
		return fc.err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO session_versions (id, session_id, version_number, subjective, objective, assessment, plan, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		v.ID, v.SessionID, v.VersionNumber, subjective, objective, assessment, plan, v.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("session version %d exists: %w", v.VersionNumber, core.ErrConflict)
		}
		return fmt.Errorf("insert session version: %w", err)
	}
	return nil
}

// ListVersions returns a session's snapshots in version order. The session
// is re-scoped first so cross-workspace ids answer ErrNotFound.
func (s *Sessions) ListVersions(ctx context.Context, workspaceID, sessionID uuid.UUID) ([]*core.SessionVersion, error) {
	if _, err := s.GetIncludingDeleted(ctx, workspaceID, sessionID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, version_number, subjective, objective, assessment, plan, created_at
		FROM session_versions WHERE session_id = $1 ORDER BY version_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session versions: %w", err)
	}
	defer rows.Close()

	var out []*core.SessionVersion
	for rows.Next() {
		v, err := s.scanVersion(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DeleteVersions removes every snapshot for a session (unfinalize).
func (s *Sessions) DeleteVersions(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM session_versions WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("delete session versions: %w", err)
	}
	return nil
}

// CountVersions reports how many snapshots a session has.
func (s *Sessions) CountVersions(ctx context.Context, sessionID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_versions WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count session versions: %w", err)
	}
	return n, nil
}

func (s *Sessions) scan(ctx context.Context, row interface{ Scan(...interface{}) error }) (*core.Session, error) {
	var (
		sess           core.Session
		appointmentID  sql.NullString
		subjective     []byte
		objective      []byte
		assessment     []byte
		plan           []byte
		duration       sql.NullInt64
		draftSavedAt   sql.NullTime
		finalizedAt    sql.NullTime
		amendedAt      sql.NullTime
		deletedAt      sql.NullTime
		permanentAfter sql.NullTime
		deletedBy      sql.NullString
		deletedReason  sql.NullString
	)
	err := row.Scan(&sess.ID, &sess.WorkspaceID, &sess.ClientID, &appointmentID,
		&subjective, &objective, &assessment, &plan,
		&sess.SessionDate, &duration, &sess.IsDraft, &draftSavedAt,
		&finalizedAt, &amendedAt, &sess.AmendmentCount, &sess.Version,
		&deletedAt, &permanentAfter, &deletedBy, &deletedReason,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "session")
	}

	fc := newFieldCryptor(ctx, s.codec)
	sess.Subjective = fc.open(subjective)
	sess.Objective = fc.open(objective)
	sess.Assessment = fc.open(assessment)
	sess.Plan = fc.open(plan)
	if fc.err != nil {
		return nil, fc.err
	}

	if appointmentID.Valid {
		id, err := uuid.Parse(appointmentID.String)
		if err != nil {
			return nil, fmt.Errorf("session %s appointment id: %w", sess.ID, err)
		}
		sess.AppointmentID = &id
	}
	if deletedBy.Valid {
		id, err := uuid.Parse(deletedBy.String)
		if err != nil {
			return nil, fmt.Errorf("session %s deleted-by id: %w", sess.ID, err)
		}
		sess.DeletedByUserID = &id
	}
	sess.DurationMinutes = intPtr(duration)
	sess.DraftLastSavedAt = timePtr(draftSavedAt)
	sess.FinalizedAt = timePtr(finalizedAt)
	sess.AmendedAt = timePtr(amendedAt)
	sess.DeletedAt = timePtr(deletedAt)
	sess.PermanentDeleteAfter = timePtr(permanentAfter)
	sess.DeletedReason = deletedReason.String
	return &sess, nil
}

func (s *Sessions) scanVersion(ctx context.Context, row interface{ Scan(...interface{}) error }) (*core.SessionVersion, error) {
	var (
		v          core.SessionVersion
		subjective []byte
		objective  []byte
		assessment []byte
		plan       []byte
	)
	err := row.Scan(&v.ID, &v.SessionID, &v.VersionNumber,
		&subjective, &objective, &assessment, &plan, &v.CreatedAt)
	if err != nil {
		return nil, notFound(err, "session version")
	}

	fc := newFieldCryptor(ctx, s.codec)
	v.Subjective = fc.open(subjective)
	v.Objective = fc.open(objective)
	v.Assessment = fc.open(assessment)
	v.Plan = fc.open(plan)
	if fc.err != nil {
		return nil, fc.err
	}
	return &v, nil
}
