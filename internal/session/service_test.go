package session

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pazpaz/backend/internal/ai"
	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/ratelimit"
	"github.com/pazpaz/backend/internal/store"
	"github.com/pazpaz/backend/internal/vector"
)

type fixture struct {
	svc   *Service
	mock  sqlmock.Sqlmock
	codec *crypto.Codec
	mr    *miniredis.Miniredis
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	key := make([]byte, 32)
	_, err = rand.Read(key)
	require.NoError(t, err)
	ring, err := crypto.NewKeyring(crypto.StaticKeySource{1: key}, 1)
	require.NoError(t, err)
	codec := crypto.NewCodec(ring)

	mr := miniredis.RunT(t)
	kvStore := kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	m := metrics.NewMetrics(prometheus.NewRegistry())
	limiter := ratelimit.New(kvStore, m)
	auditor := audit.NewEmitter(db, m)

	wrapped := &store.DB{DB: db}
	svc := NewService(
		wrapped,
		store.NewSessions(db, codec),
		store.NewAppointments(db),
		store.NewClients(db, codec),
		vector.NewSessionVectors(db),
		nil, // no embedding provider in unit tests
		limiter,
		auditor,
	)
	return &fixture{svc: svc, mock: mock, codec: codec, mr: mr}
}

func sessionColumns() []string {
	return []string{
		"id", "workspace_id", "client_id", "appointment_id", "subjective", "objective",
		"assessment", "plan", "session_date", "duration_minutes", "is_draft", "draft_last_saved_at",
		"finalized_at", "amended_at", "amendment_count", "version", "deleted_at", "permanent_delete_after",
		"deleted_by_user_id", "deleted_reason", "created_at", "updated_at",
	}
}

type sessionRow struct {
	id, workspaceID, clientID             uuid.UUID
	subjective, objective                 string
	finalizedAt, deletedAt, permanentTill *time.Time
	amendmentCount, version               int
	isDraft                               bool
}

func (f *fixture) rows(t *testing.T, r sessionRow) *sqlmock.Rows {
	t.Helper()
	ctx := context.Background()
	seal := func(s string) []byte {
		blob, err := f.codec.Encrypt(ctx, s)
		require.NoError(t, err)
		return blob
	}
	now := time.Now().UTC()
	return sqlmock.NewRows(sessionColumns()).AddRow(
		r.id, r.workspaceID, r.clientID, nil, seal(r.subjective), seal(r.objective),
		nil, nil, now, nil, r.isDraft, nil,
		nullableTime(r.finalizedAt), nil, r.amendmentCount, r.version,
		nullableTime(r.deletedAt), nullableTime(r.permanentTill), nil, nil, now, now,
	)
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

// ===== FINALIZE =====

func TestFinalizeRejectsEmptyNote(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "   ", objective: "", isDraft: true, version: 1,
		}))

	_, err := f.svc.Finalize(context.Background(), workspaceID, userID, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnprocessable)
}

func TestFinalizeRejectsAlreadyFinalized(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()
	finalized := time.Now().UTC().Add(-time.Hour)

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", finalizedAt: &finalized, version: 2,
		}))

	_, err := f.svc.Finalize(context.Background(), workspaceID, userID, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyFinalized)
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestFinalizeSnapshotsVersionOne(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", isDraft: true, version: 1,
		}))

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO session_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	sess, err := f.svc.Finalize(context.Background(), workspaceID, userID, id)
	require.NoError(t, err)
	assert.False(t, sess.IsDraft)
	assert.NotNil(t, sess.FinalizedAt)
	assert.Equal(t, 2, sess.Version)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// ===== UNFINALIZE =====

func TestUnfinalizeRejectsDraft(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", isDraft: true, version: 1,
		}))

	_, err := f.svc.Unfinalize(context.Background(), workspaceID, userID, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyDraft)
}

func TestUnfinalizeResetsAmendmentState(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()
	finalized := time.Now().UTC().Add(-time.Hour)

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", finalizedAt: &finalized, amendmentCount: 2, version: 5,
		}))

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`DELETE FROM session_versions`).
		WillReturnResult(sqlmock.NewResult(0, 3))
	f.mock.ExpectExec(`UPDATE sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	sess, err := f.svc.Unfinalize(context.Background(), workspaceID, userID, id)
	require.NoError(t, err)
	assert.True(t, sess.IsDraft)
	assert.Nil(t, sess.FinalizedAt)
	assert.Nil(t, sess.AmendedAt)
	assert.Zero(t, sess.AmendmentCount)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// ===== AMEND =====

func TestUpdateAmendsFinalizedSession(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()
	finalized := time.Now().UTC().Add(-time.Hour)

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", finalizedAt: &finalized, version: 2,
		}))

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`INSERT INTO session_versions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`UPDATE sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	// One audit insert follows the commit.
	f.mock.ExpectExec(`INSERT INTO audit_events`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	patch := core.SessionPatch{Subjective: core.Some("severe pain")}
	sess, err := f.svc.Update(context.Background(), workspaceID, userID, id, patch, nil)
	require.NoError(t, err)
	assert.Equal(t, "severe pain", sess.Subjective)
	assert.Equal(t, 1, sess.AmendmentCount)
	assert.NotNil(t, sess.AmendedAt)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestUpdateDraftDoesNotSnapshot(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", isDraft: true, version: 1,
		}))

	f.mock.ExpectBegin()
	f.mock.ExpectExec(`UPDATE sessions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	patch := core.SessionPatch{Subjective: core.Some("worse pain")}
	sess, err := f.svc.Update(context.Background(), workspaceID, userID, id, patch, nil)
	require.NoError(t, err)
	assert.Zero(t, sess.AmendmentCount)
	assert.Nil(t, sess.AmendedAt)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

// ===== AUTOSAVE =====

func TestAutosaveRateLimited(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()
	ctx := context.Background()

	patch := core.SessionPatch{Subjective: core.Some("note")}

	// Burn the whole budget. Every call past the limiter hits the DB, so
	// fail each one cheaply at the load step.
	for i := 0; i < 60; i++ {
		f.mock.ExpectQuery(`FROM sessions`).
			WillReturnRows(f.rows(t, sessionRow{
				id: id, workspaceID: workspaceID, clientID: uuid.New(),
				subjective: "note", isDraft: true, version: i + 1,
			}))
		f.mock.ExpectExec(`UPDATE sessions`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		_, err := f.svc.Autosave(ctx, workspaceID, userID, id, patch, nil)
		require.NoError(t, err, "save %d", i)
	}

	_, err := f.svc.Autosave(ctx, workspaceID, userID, id, patch, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrRateLimited)
}

// ===== RESTORE =====

func TestRestorePastGraceIsGone(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()

	deleted := time.Now().UTC().Add(-31 * 24 * time.Hour)
	expired := deleted.Add(core.SoftDeleteGracePeriod)

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", deletedAt: &deleted, permanentTill: &expired, version: 2,
		}))

	_, err := f.svc.Restore(context.Background(), workspaceID, userID, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrGone)
}

func TestRestoreOfLiveSessionRejected(t *testing.T) {
	f := newFixture(t)
	workspaceID, userID, id := uuid.New(), uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", isDraft: true, version: 1,
		}))

	_, err := f.svc.Restore(context.Background(), workspaceID, userID, id)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrUnprocessable)
}

// ===== EMBEDDINGS =====

type scriptedEmbedder struct {
	calls int
}

func (s *scriptedEmbedder) Embed(ctx context.Context, text string, inputType ai.InputType) ([]float32, error) {
	s.calls++
	v := make([]float32, vector.Dimensions)
	v[0] = 1
	return v, nil
}

func TestReindexEmbedsPopulatedFieldsOnly(t *testing.T) {
	f := newFixture(t)
	stub := &scriptedEmbedder{}
	f.svc.embedder = stub
	workspaceID, id := uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "lower back pain", objective: "limited ROM", isDraft: true, version: 1,
		}))
	// One upsert per populated SOAP field; assessment and plan are empty.
	f.mock.ExpectExec(`INSERT INTO session_vectors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec(`INSERT INTO session_vectors`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM session_vectors`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(8))

	count, err := f.svc.Reindex(context.Background(), workspaceID, id)

	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
	assert.Equal(t, int64(8), count)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestReindexWithoutEmbedderFails(t *testing.T) {
	f := newFixture(t)
	workspaceID, id := uuid.New(), uuid.New()

	f.mock.ExpectQuery(`FROM sessions`).
		WillReturnRows(f.rows(t, sessionRow{
			id: id, workspaceID: workspaceID, clientID: uuid.New(),
			subjective: "pain", isDraft: true, version: 1,
		}))

	_, err := f.svc.Reindex(context.Background(), workspaceID, id)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no embedding provider")
}

// ===== HELPERS =====

func TestChangedSections(t *testing.T) {
	sess := &core.Session{Subjective: "pain", Objective: "limited ROM"}

	patch := core.SessionPatch{
		Subjective: core.Some("severe pain"), // changed
		Objective:  core.Some("limited ROM"), // set but identical
		Plan:       core.Some("ice"),         // new content
	}
	assert.Equal(t, []string{"subjective", "plan"}, changedSections(sess, patch))

	assert.Empty(t, changedSections(sess, core.SessionPatch{}))
}

func TestHasContent(t *testing.T) {
	assert.False(t, hasContent(&core.Session{}))
	assert.False(t, hasContent(&core.Session{Subjective: "  \n "}))
	assert.True(t, hasContent(&core.Session{Plan: "stretching"}))
	assert.True(t, hasContent(&core.Session{Assessment: "כאבי גב"}))
}

func TestApplyPatchParsesDates(t *testing.T) {
	sess := &core.Session{}

	require.NoError(t, applyPatch(sess, core.SessionPatch{SessionDate: core.Some("2025-01-10")}))
	assert.Equal(t, 2025, sess.SessionDate.Year())

	require.NoError(t, applyPatch(sess, core.SessionPatch{SessionDate: core.Some("2025-02-03T10:30:00Z")}))
	assert.Equal(t, time.Month(2), sess.SessionDate.Month())

	err := applyPatch(sess, core.SessionPatch{SessionDate: core.Some("not-a-date")})
	assert.ErrorIs(t, err, core.ErrUnprocessable)
}
