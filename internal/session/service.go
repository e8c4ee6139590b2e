// Package session implements the SOAP note lifecycle: draft → finalized →
// amended, with immutable version snapshots, optimistic concurrency on the
// version counter, soft deletion with a 30-day grace window, and background
// purge of expired deletions.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/ai"
	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/ratelimit"
	"github.com/pazpaz/backend/internal/store"
	"github.com/pazpaz/backend/internal/vector"
)

var (
	// ErrAlreadyFinalized rejects a second finalize.
	ErrAlreadyFinalized = fmt.Errorf("session already finalized: %w", core.ErrConflict)

	// ErrAlreadyDraft rejects unfinalizing a draft.
	ErrAlreadyDraft = fmt.Errorf("session is not finalized: %w", core.ErrConflict)
)

// embedTimeout bounds the background embedding pass after a lifecycle write.
const embedTimeout = 45 * time.Second

// CreateInput is a new draft note.
type CreateInput struct {
	ClientID        uuid.UUID  `json:"client_id"`
	AppointmentID   *uuid.UUID `json:"appointment_id,omitempty"`
	SessionDate     time.Time  `json:"session_date"`
	DurationMinutes *int       `json:"duration_minutes,omitempty"`

	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`
}

// Service is the session lifecycle engine.
type Service struct {
	db           *store.DB
	sessions     *store.Sessions
	appointments *store.Appointments
	clients      *store.Clients
	vectors      *vector.Store
	embedder     ai.Embedder
	limiter      *ratelimit.Limiter
	audit        *audit.Emitter
	logger       *log.Logger
}

// NewService wires the lifecycle engine. embedder may be nil, which disables
// background embedding (vectors are then only written by explicit reindex).
func NewService(
	db *store.DB,
	sessions *store.Sessions,
	appointments *store.Appointments,
	clients *store.Clients,
	vectors *vector.Store,
	embedder ai.Embedder,
	limiter *ratelimit.Limiter,
	auditor *audit.Emitter,
) *Service {
	return &Service{
		db:           db,
		sessions:     sessions,
		appointments: appointments,
		clients:      clients,
		vectors:      vectors,
		embedder:     embedder,
		limiter:      limiter,
		audit:        auditor,
		logger:       log.New(log.Writer(), "[SESSION] ", log.LstdFlags),
	}
}

// ===== CREATE =====

// Create inserts a draft note. When the note is attached to a scheduled
// appointment, the appointment moves to completed in the same transaction:
// writing the note is the attendance record.
func (s *Service) Create(ctx context.Context, workspaceID, userID uuid.UUID, in CreateInput) (*core.Session, error) {
	if _, err := s.clients.Get(ctx, workspaceID, in.ClientID); err != nil {
		return nil, err
	}
	if in.AppointmentID != nil {
		if _, err := s.appointments.Get(ctx, workspaceID, *in.AppointmentID); err != nil {
			return nil, err
		}
	}

	sessionDate := in.SessionDate
	if sessionDate.IsZero() {
		sessionDate = time.Now().UTC()
	}

	sess := &core.Session{
		WorkspaceID:     workspaceID,
		ClientID:        in.ClientID,
		AppointmentID:   in.AppointmentID,
		Subjective:      in.Subjective,
		Objective:       in.Objective,
		Assessment:      in.Assessment,
		Plan:            in.Plan,
		SessionDate:     sessionDate,
		DurationMinutes: in.DurationMinutes,
	}

	err := s.db.Transact(ctx, func(q store.Querier) error {
		if err := s.sessions.WithTx(q).Create(ctx, sess); err != nil {
			return err
		}
		if in.AppointmentID != nil {
			completed, err := s.appointments.WithTx(q).CompleteIfScheduled(ctx, workspaceID, *in.AppointmentID)
			if err != nil {
				return err
			}
			if completed {
				s.logger.Printf("Appointment %s completed by session %s", *in.AppointmentID, sess.ID)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ===== READS =====

// Get loads one live session.
func (s *Service) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.Session, error) {
	return s.sessions.Get(ctx, workspaceID, id)
}

// List pages live sessions, newest session date first.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID, clientID *uuid.UUID, limit, offset int) ([]*core.Session, error) {
	return s.sessions.List(ctx, workspaceID, clientID, limit, offset)
}

// ListVersions returns a session's immutable snapshots in version order.
func (s *Service) ListVersions(ctx context.Context, workspaceID, sessionID uuid.UUID) ([]*core.SessionVersion, error) {
	return s.sessions.ListVersions(ctx, workspaceID, sessionID)
}

// Search decrypts and scans the most recent sessions (up to 1000) for a
// case-insensitive substring across all four SOAP fields. The verbatim
// search string goes into the audit trail; the matched PHI does not.
func (s *Service) Search(ctx context.Context, workspaceID, userID uuid.UUID, clientID *uuid.UUID, query string, limit, offset int) ([]*core.Session, error) {
	recent, err := s.sessions.ListRecent(ctx, workspaceID, clientID, 1000)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(query))
	var matched []*core.Session
	for _, sess := range recent {
		for _, field := range core.SOAPFields {
			if strings.Contains(strings.ToLower(sess.Field(field)), needle) {
				matched = append(matched, sess)
				break
			}
		}
	}

	s.audit.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditRead,
		ResourceType: audit.ResourceSession,
		Metadata: map[string]interface{}{
			"search":  query,
			"scanned": len(recent),
			"matched": len(matched),
		},
	})

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(matched) {
		return nil, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

// ===== DRAFT AUTOSAVE =====

// Autosave applies a sparse patch to a draft, rate-limited per (user,
// session). expectedVersion, when non-nil, is the version the editor read;
// a concurrent writer then surfaces ErrVersionConflict instead of silently
// losing keystrokes.
func (s *Service) Autosave(ctx context.Context, workspaceID, userID, id uuid.UUID, patch core.SessionPatch, expectedVersion *int) (*core.Session, error) {
	subject := userID.String() + ":" + id.String()
	if err := s.limiter.Allow(ctx, ratelimit.Autosave, subject); err != nil {
		return nil, err
	}

	sess, err := s.sessions.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	expected := sess.Version
	if expectedVersion != nil {
		expected = *expectedVersion
	}

	if err := applyPatch(sess, patch); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	sess.DraftLastSavedAt = &now
	if !sess.IsFinalized() {
		sess.IsDraft = true
	}

	if err := s.sessions.UpdateCAS(ctx, sess, expected); err != nil {
		return nil, err
	}
	return sess, nil
}

// ===== FINALIZE / AMEND / UNFINALIZE =====

// Finalize signs off a draft: at least one SOAP field must carry text. The
// current payload becomes the immutable version 1 snapshot.
func (s *Service) Finalize(ctx context.Context, workspaceID, userID, id uuid.UUID) (*core.Session, error) {
	sess, err := s.sessions.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if sess.IsFinalized() {
		return nil, ErrAlreadyFinalized
	}
	if !hasContent(sess) {
		return nil, fmt.Errorf("cannot finalize an empty session note: %w", core.ErrUnprocessable)
	}

	now := time.Now().UTC()
	expected := sess.Version
	sess.FinalizedAt = &now
	sess.IsDraft = false

	err = s.db.Transact(ctx, func(q store.Querier) error {
		sessions := s.sessions.WithTx(q)
		if err := sessions.UpdateCAS(ctx, sess, expected); err != nil {
			return err
		}
		return sessions.InsertVersion(ctx, &core.SessionVersion{
			SessionID:     sess.ID,
			VersionNumber: 1,
			Subjective:    sess.Subjective,
			Objective:     sess.Objective,
			Assessment:    sess.Assessment,
			Plan:          sess.Plan,
		})
	})
	if err != nil {
		return nil, err
	}

	s.scheduleEmbeddings(sess)
	return sess, nil
}

// Update edits a session. Drafts update in place. Finalized sessions are
// amended: the pre-edit payload is snapshotted as version amendment_count+2
// before the new values land, and the changed sections are audited.
func (s *Service) Update(ctx context.Context, workspaceID, userID, id uuid.UUID, patch core.SessionPatch, expectedVersion *int) (*core.Session, error) {
	sess, err := s.sessions.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	expected := sess.Version
	if expectedVersion != nil {
		expected = *expectedVersion
	}

	sections := changedSections(sess, patch)
	amending := sess.IsFinalized() && len(sections) > 0

	snapshot := core.SessionVersion{
		SessionID:     sess.ID,
		VersionNumber: sess.AmendmentCount + 2,
		Subjective:    sess.Subjective,
		Objective:     sess.Objective,
		Assessment:    sess.Assessment,
		Plan:          sess.Plan,
	}

	if err := applyPatch(sess, patch); err != nil {
		return nil, err
	}
	if amending {
		now := time.Now().UTC()
		sess.AmendedAt = &now
		sess.AmendmentCount++
	}

	err = s.db.Transact(ctx, func(q store.Querier) error {
		sessions := s.sessions.WithTx(q)
		if amending {
			// Snapshot before the new values are visible anywhere.
			if err := sessions.InsertVersion(ctx, &snapshot); err != nil {
				return err
			}
		}
		return sessions.UpdateCAS(ctx, sess, expected)
	})
	if err != nil {
		return nil, err
	}

	if amending {
		s.audit.Emit(ctx, audit.Entry{
			UserID:       &userID,
			WorkspaceID:  workspaceID,
			Action:       core.AuditUpdate,
			ResourceType: audit.ResourceSession,
			ResourceID:   &sess.ID,
			Metadata: map[string]interface{}{
				"amendment":        true,
				"amendment_count":  sess.AmendmentCount,
				"sections_changed": sections,
			},
		})
		s.scheduleEmbeddings(sess)
	}
	return sess, nil
}

// Unfinalize reverts a finalized session to a mutable draft, discarding all
// version snapshots and the amendment history.
func (s *Service) Unfinalize(ctx context.Context, workspaceID, userID, id uuid.UUID) (*core.Session, error) {
	sess, err := s.sessions.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsFinalized() {
		return nil, ErrAlreadyDraft
	}

	expected := sess.Version
	sess.FinalizedAt = nil
	sess.AmendedAt = nil
	sess.AmendmentCount = 0
	sess.IsDraft = true

	err = s.db.Transact(ctx, func(q store.Querier) error {
		sessions := s.sessions.WithTx(q)
		if err := sessions.DeleteVersions(ctx, sess.ID); err != nil {
			return err
		}
		return sessions.UpdateCAS(ctx, sess, expected)
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ===== SOFT DELETE / RESTORE / PERMANENT DELETE =====

// SoftDelete opens the 30-day grace window. Amended sessions may be deleted
// through this direct route; only the appointment cascade refuses them.
func (s *Service) SoftDelete(ctx context.Context, workspaceID, userID, id uuid.UUID, reason string) error {
	if _, err := s.sessions.Get(ctx, workspaceID, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	if err := s.sessions.SoftDelete(ctx, workspaceID, id, userID, reason, now); err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditDelete,
		ResourceType: audit.ResourceSession,
		ResourceID:   &id,
		Metadata: map[string]interface{}{
			"soft_delete":            true,
			"reason":                 reason,
			"permanent_delete_after": now.Add(core.SoftDeleteGracePeriod).Format(time.RFC3339),
		},
	})
	return nil
}

// Restore clears the soft-delete state. Past the grace window the note is
// unrecoverable and the call answers Gone.
func (s *Service) Restore(ctx context.Context, workspaceID, userID, id uuid.UUID) (*core.Session, error) {
	sess, err := s.sessions.GetIncludingDeleted(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !sess.IsDeleted() {
		return nil, fmt.Errorf("session is not deleted: %w", core.ErrUnprocessable)
	}

	now := time.Now().UTC()
	if sess.PermanentDeleteAfter != nil && !now.Before(*sess.PermanentDeleteAfter) {
		return nil, fmt.Errorf("restore window closed: %w", core.ErrGone)
	}

	if err := s.sessions.Restore(ctx, workspaceID, id, now); err != nil {
		return nil, err
	}

	s.audit.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditUpdate,
		ResourceType: audit.ResourceSession,
		ResourceID:   &id,
		Metadata:     map[string]interface{}{"restored": true},
	})
	return s.sessions.Get(ctx, workspaceID, id)
}

// PermanentDelete removes an already-soft-deleted session and its vectors.
// Version snapshots cascade with the row.
func (s *Service) PermanentDelete(ctx context.Context, workspaceID, userID, id uuid.UUID) error {
	sess, err := s.sessions.GetIncludingDeleted(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	if !sess.IsDeleted() {
		return fmt.Errorf("only soft-deleted sessions can be permanently deleted: %w", core.ErrUnprocessable)
	}

	err = s.db.Transact(ctx, func(q store.Querier) error {
		if err := s.vectors.WithTx(q).DeleteFor(ctx, workspaceID, id); err != nil {
			return err
		}
		return s.sessions.WithTx(q).HardDelete(ctx, workspaceID, id)
	})
	if err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditDelete,
		ResourceType: audit.ResourceSession,
		ResourceID:   &id,
		Metadata:     map[string]interface{}{"permanent": true},
	})
	return nil
}

// ===== EMBEDDINGS =====

// Reindex regenerates the session's field embeddings synchronously and
// reports the workspace's total session-vector count afterwards. Used by
// operators after bulk imports; lifecycle writes use the async path.
func (s *Service) Reindex(ctx context.Context, workspaceID, id uuid.UUID) (int64, error) {
	sess, err := s.sessions.Get(ctx, workspaceID, id)
	if err != nil {
		return 0, err
	}
	if err := s.embedFields(ctx, sess); err != nil {
		return 0, err
	}
	return s.vectors.CountFor(ctx, workspaceID)
}

// scheduleEmbeddings regenerates embeddings off the request path. Failures
// log and are retried implicitly by the next lifecycle write.
func (s *Service) scheduleEmbeddings(sess *core.Session) {
	if s.embedder == nil {
		return
	}
	snapshot := *sess
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
		defer cancel()
		if err := s.embedFields(ctx, &snapshot); err != nil {
			s.logger.Printf("⚠️ Embedding pass for session %s failed: %v", snapshot.ID, err)
		}
	}()
}

func (s *Service) embedFields(ctx context.Context, sess *core.Session) error {
	if s.embedder == nil {
		return fmt.Errorf("no embedding provider configured")
	}

	embeddings := make(map[string][]float32, len(core.SOAPFields))
	for _, field := range core.SOAPFields {
		text := strings.TrimSpace(sess.Field(field))
		if text == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, text, ai.InputSearchDocument)
		if err != nil {
			return fmt.Errorf("embed %s: %w", field, err)
		}
		embeddings[string(field)] = vec
	}
	if len(embeddings) == 0 {
		return nil
	}
	return s.vectors.InsertBatch(ctx, sess.WorkspaceID, sess.ID, embeddings)
}

// ===== HELPERS =====

// applyPatch copies the set fields onto the session.
func applyPatch(sess *core.Session, patch core.SessionPatch) error {
	if patch.Subjective.Set {
		sess.Subjective = patch.Subjective.Value
	}
	if patch.Objective.Set {
		sess.Objective = patch.Objective.Value
	}
	if patch.Assessment.Set {
		sess.Assessment = patch.Assessment.Value
	}
	if patch.Plan.Set {
		sess.Plan = patch.Plan.Value
	}
	if patch.SessionDate.Set {
		date, err := time.Parse(time.RFC3339, patch.SessionDate.Value)
		if err != nil {
			// Date-only form from the calendar picker.
			date, err = time.Parse("2006-01-02", patch.SessionDate.Value)
			if err != nil {
				return fmt.Errorf("invalid session_date: %w", core.ErrUnprocessable)
			}
		}
		sess.SessionDate = date.UTC()
	}
	if patch.DurationMinutes.Set {
		sess.DurationMinutes = patch.DurationMinutes.Value
	}
	if patch.AppointmentID.Set {
		sess.AppointmentID = patch.AppointmentID.Value
	}
	return nil
}

// changedSections names the SOAP fields the patch actually changes.
func changedSections(sess *core.Session, patch core.SessionPatch) []string {
	var sections []string
	check := func(field core.SOAPField, opt core.Optional[string]) {
		if opt.Set && opt.Value != sess.Field(field) {
			sections = append(sections, string(field))
		}
	}
	check(core.FieldSubjective, patch.Subjective)
	check(core.FieldObjective, patch.Objective)
	check(core.FieldAssessment, patch.Assessment)
	check(core.FieldPlan, patch.Plan)
	return sections
}

// hasContent reports whether any SOAP field carries non-whitespace text.
func hasContent(sess *core.Session) bool {
	for _, field := range core.SOAPFields {
		if strings.TrimSpace(sess.Field(field)) != "" {
			return true
		}
	}
	return false
}
