// Package clients manages patient records: encrypted PHI round-trips through
// the store codec, soft deletion keeps history reachable, and the profile
// fields that feed retrieval (medical history, notes) are re-embedded after
// every change.
package clients

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
	"github.com/pazpaz/backend/internal/store"
	"github.com/pazpaz/backend/internal/vector"
)

// embedTimeout bounds the background embedding pass after a profile write.
const embedTimeout = 45 * time.Second

// CreateInput is a new patient record.
type CreateInput struct {
	FirstName        string   `json:"first_name"`
	LastName         string   `json:"last_name"`
	Email            string   `json:"email"`
	Phone            string   `json:"phone"`
	Address          string   `json:"address"`
	MedicalHistory   string   `json:"medical_history"`
	EmergencyContact string   `json:"emergency_contact"`
	Notes            string   `json:"notes"`
	DateOfBirth      *string  `json:"date_of_birth"`
	ConsentGiven     bool     `json:"consent_given"`
	Tags             []string `json:"tags"`
}

// Service implements patient-record management.
type Service struct {
	db       *store.DB
	clients  *store.Clients
	vectors  *vector.Store
	embedder ai.Embedder
	audit    *audit.Emitter
	logger   *log.Logger
}

// NewService wires the client service. embedder may be nil, which disables
// background profile embedding.
func NewService(db *store.DB, clients *store.Clients, vectors *vector.Store, embedder ai.Embedder, auditor *audit.Emitter) *Service {
	return &Service{
		db:       db,
		clients:  clients,
		vectors:  vectors,
		embedder: embedder,
		audit:    auditor,
		logger:   log.New(log.Writer(), "[CLIENTS] ", log.LstdFlags),
	}
}

// Create inserts a patient record and schedules profile embeddings.
func (s *Service) Create(ctx context.Context, workspaceID uuid.UUID, in CreateInput) (*core.Client, error) {
	if strings.TrimSpace(in.FirstName) == "" && strings.TrimSpace(in.LastName) == "" {
		return nil, fmt.Errorf("client needs a first or last name: %w", core.ErrUnprocessable)
	}

	dob, err := parseDateOfBirth(in.DateOfBirth)
	if err != nil {
		return nil, err
	}

	c := &core.Client{
		WorkspaceID:      workspaceID,
		FirstName:        in.FirstName,
		LastName:         in.LastName,
		Email:            in.Email,
		Phone:            in.Phone,
		Address:          in.Address,
		MedicalHistory:   in.MedicalHistory,
		EmergencyContact: in.EmergencyContact,
		Notes:            in.Notes,
		DateOfBirth:      dob,
		ConsentGiven:     in.ConsentGiven,
		IsActive:         true,
		Tags:             in.Tags,
	}
	if err := s.clients.Create(ctx, c); err != nil {
		return nil, err
	}

	s.scheduleEmbeddings(c)
	return c, nil
}

// Get loads one client.
func (s *Service) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.Client, error) {
	return s.clients.Get(ctx, workspaceID, id)
}

// List pages clients; inactive (soft-deleted) records are included only on
// request.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID, includeInactive bool, limit, offset int) ([]*core.Client, error) {
	return s.clients.List(ctx, workspaceID, includeInactive, limit, offset)
}

// Update applies a sparse patch. Changes to medical history or notes
// trigger a profile re-embedding.
func (s *Service) Update(ctx context.Context, workspaceID, id uuid.UUID, patch core.ClientPatch) (*core.Client, error) {
	c, err := s.clients.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	reembed := false
	if patch.FirstName.Set {
		c.FirstName = patch.FirstName.Value
	}
	if patch.LastName.Set {
		c.LastName = patch.LastName.Value
	}
	if patch.Email.Set {
		c.Email = patch.Email.Value
	}
	if patch.Phone.Set {
		c.Phone = patch.Phone.Value
	}
	if patch.Address.Set {
		c.Address = patch.Address.Value
	}
	if patch.MedicalHistory.Set && patch.MedicalHistory.Value != c.MedicalHistory {
		c.MedicalHistory = patch.MedicalHistory.Value
		reembed = true
	}
	if patch.EmergencyContact.Set {
		c.EmergencyContact = patch.EmergencyContact.Value
	}
	if patch.Notes.Set && patch.Notes.Value != c.Notes {
		c.Notes = patch.Notes.Value
		reembed = true
	}
	if patch.DateOfBirth.Set {
		dob, err := parseDateOfBirth(patch.DateOfBirth.Value)
		if err != nil {
			return nil, err
		}
		c.DateOfBirth = dob
	}
	if patch.ConsentGiven.Set {
		c.ConsentGiven = patch.ConsentGiven.Value
	}
	if patch.IsActive.Set {
		c.IsActive = patch.IsActive.Value
	}
	if patch.Tags.Set {
		c.Tags = patch.Tags.Value
	}

	if strings.TrimSpace(c.FirstName) == "" && strings.TrimSpace(c.LastName) == "" {
		return nil, fmt.Errorf("client needs a first or last name: %w", core.ErrUnprocessable)
	}

	if err := s.clients.Update(ctx, c); err != nil {
		return nil, err
	}

	if reembed {
		s.scheduleEmbeddings(c)
	}
	return c, nil
}

// SoftDelete deactivates the record. Appointments and session notes stay
// reachable; the client just drops out of active lists.
func (s *Service) SoftDelete(ctx context.Context, workspaceID, userID, id uuid.UUID) error {
	if _, err := s.clients.Get(ctx, workspaceID, id); err != nil {
		return err
	}
	if err := s.clients.SoftDelete(ctx, workspaceID, id); err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditDelete,
		ResourceType: audit.ResourceClient,
		ResourceID:   &id,
		Metadata:     map[string]interface{}{"soft_delete": true},
	})
	return nil
}

// HardDelete removes the client and, via cascade, their appointments and
// vectors. The profile vectors are cleared explicitly in the same
// transaction so the semantic index never outlives the record.
func (s *Service) HardDelete(ctx context.Context, workspaceID, userID, id uuid.UUID) error {
	if _, err := s.clients.Get(ctx, workspaceID, id); err != nil {
		return err
	}

	err := s.db.Transact(ctx, func(q store.Querier) error {
		if err := s.vectors.WithTx(q).DeleteFor(ctx, workspaceID, id); err != nil {
			return err
		}
		return s.clients.WithTx(q).HardDelete(ctx, workspaceID, id)
	})
	if err != nil {
		return err
	}

	s.audit.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditDelete,
		ResourceType: audit.ResourceClient,
		ResourceID:   &id,
		Metadata:     map[string]interface{}{"permanent": true},
	})
	return nil
}

// ===== EMBEDDINGS =====

// scheduleEmbeddings refreshes the medical_history and notes vectors off the
// request path.
func (s *Service) scheduleEmbeddings(c *core.Client) {
	if s.embedder == nil {
		return
	}
	snapshot := *c
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), embedTimeout)
		defer cancel()
		if err := s.embedProfile(ctx, &snapshot); err != nil {
			s.logger.Printf("⚠️ Embedding pass for client %s failed: %v", snapshot.ID, err)
		}
	}()
}

func (s *Service) embedProfile(ctx context.Context, c *core.Client) error {
	fields := map[string]string{
		"medical_history": c.MedicalHistory,
		"notes":           c.Notes,
	}

	embeddings := make(map[string][]float32, len(fields))
	for name, text := range fields {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		vec, err := s.embedder.Embed(ctx, text, ai.InputSearchDocument)
		if err != nil {
			return fmt.Errorf("embed %s: %w", name, err)
		}
		embeddings[name] = vec
	}
	if len(embeddings) == 0 {
		return nil
	}
	return s.vectors.InsertBatch(ctx, c.WorkspaceID, c.ID, embeddings)
}

func parseDateOfBirth(raw *string) (*time.Time, error) {
	if raw == nil || strings.TrimSpace(*raw) == "" {
		return nil, nil
	}
	dob, err := time.Parse("2006-01-02", *raw)
	if err != nil {
		return nil, fmt.Errorf("invalid date_of_birth (want YYYY-MM-DD): %w", core.ErrUnprocessable)
	}
	return &dob, nil
}
