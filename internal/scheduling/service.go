// Package scheduling owns appointment booking: overlap detection against the
// calendar, status transitions, and the masked conflict report exposed to the
// booking UI.
package scheduling

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/store"
)

// ConflictingAppointment is one calendar slot that collides with a requested
// time range. Client identity is masked down to initials.
type ConflictingAppointment struct {
	ID             uuid.UUID              `json:"id"`
	ScheduledStart time.Time              `json:"scheduled_start"`
	ScheduledEnd   time.Time              `json:"scheduled_end"`
	ClientInitials string                 `json:"client_initials"`
	LocationType   core.LocationType      `json:"location_type"`
	Status         core.AppointmentStatus `json:"status"`
}

// ConflictReport answers "is this slot free".
type ConflictReport struct {
	HasConflict bool                     `json:"has_conflict"`
	Conflicting []ConflictingAppointment `json:"conflicting_appointments"`
}

// ConflictError carries the colliding slots up to the HTTP layer, which
// renders them in the 409 body.
type ConflictError struct {
	Conflicting []ConflictingAppointment
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("appointment overlaps %d existing appointment(s)", len(e.Conflicting))
}

// Unwrap ties the error into the Conflict → 409 mapping.
func (e *ConflictError) Unwrap() error { return core.ErrConflict }

// CreateInput is a booking request.
type CreateInput struct {
	ClientID       uuid.UUID `json:"client_id"`
	ScheduledStart time.Time `json:"scheduled_start"`
	ScheduledEnd   time.Time `json:"scheduled_end"`
	LocationType   string    `json:"location_type"`
	PaymentPrice   float64   `json:"payment_price"`

	// AllowConflict skips overlap rejection (double-booking on purpose).
	AllowConflict bool `json:"-"`
}

// Service implements appointment booking on top of the scoped stores.
type Service struct {
	db           *store.DB
	appointments *store.Appointments
	clients      *store.Clients
	sessions     *store.Sessions
	logger       *log.Logger
}

// NewService wires the appointment service.
func NewService(db *store.DB, appointments *store.Appointments, clients *store.Clients, sessions *store.Sessions) *Service {
	return &Service{
		db:           db,
		appointments: appointments,
		clients:      clients,
		sessions:     sessions,
		logger:       log.New(log.Writer(), "[SCHEDULING] ", log.LstdFlags),
	}
}

// Create books an appointment. Overlapping scheduled/attended appointments
// reject the booking unless AllowConflict is set.
func (s *Service) Create(ctx context.Context, workspaceID uuid.UUID, in CreateInput) (*core.Appointment, error) {
	if err := validateRange(in.ScheduledStart, in.ScheduledEnd); err != nil {
		return nil, err
	}
	location, err := core.ParseLocationType(in.LocationType)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, core.ErrUnprocessable)
	}
	if in.PaymentPrice < 0 {
		return nil, fmt.Errorf("payment price must not be negative: %w", core.ErrUnprocessable)
	}

	// The client row doubles as the workspace-membership proof.
	if _, err := s.clients.Get(ctx, workspaceID, in.ClientID); err != nil {
		return nil, err
	}

	if !in.AllowConflict {
		if err := s.rejectOverlaps(ctx, workspaceID, in.ScheduledStart, in.ScheduledEnd, nil); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	appt := &core.Appointment{
		ID:             uuid.New(),
		WorkspaceID:    workspaceID,
		ClientID:       in.ClientID,
		ScheduledStart: in.ScheduledStart.UTC(),
		ScheduledEnd:   in.ScheduledEnd.UTC(),
		LocationType:   location,
		Status:         core.AppointmentScheduled,
		PaymentPrice:   in.PaymentPrice,
		PaymentStatus:  core.PaymentUnpaid,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.appointments.Create(ctx, appt); err != nil {
		return nil, err
	}
	return appt, nil
}

// Get loads one appointment.
func (s *Service) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.Appointment, error) {
	return s.appointments.Get(ctx, workspaceID, id)
}

// CheckConflicts reports which scheduled or attended appointments collide
// with the given range. excludeID omits the appointment being rescheduled.
func (s *Service) CheckConflicts(ctx context.Context, workspaceID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) (*ConflictReport, error) {
	if err := validateRange(start, end); err != nil {
		return nil, err
	}

	overlapping, err := s.appointments.FindOverlapping(ctx, workspaceID, start, end, excludeID)
	if err != nil {
		return nil, err
	}

	masked, err := s.mask(ctx, workspaceID, overlapping)
	if err != nil {
		return nil, err
	}
	return &ConflictReport{
		HasConflict: len(masked) > 0,
		Conflicting: masked,
	}, nil
}

// Update applies a sparse patch. Schedule moves re-run conflict detection
// against the rest of the calendar unless allowConflict is set.
func (s *Service) Update(ctx context.Context, workspaceID, id uuid.UUID, patch core.AppointmentPatch, allowConflict bool) (*core.Appointment, error) {
	appt, err := s.appointments.Get(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	if patch.ScheduledStart.Set {
		appt.ScheduledStart = patch.ScheduledStart.Value.UTC()
	}
	if patch.ScheduledEnd.Set {
		appt.ScheduledEnd = patch.ScheduledEnd.Value.UTC()
	}
	if patch.LocationType.Set {
		location, err := core.ParseLocationType(patch.LocationType.Value)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, core.ErrUnprocessable)
		}
		appt.LocationType = location
	}
	if patch.Status.Set {
		status, err := core.ParseAppointmentStatus(patch.Status.Value)
		if err != nil {
			return nil, fmt.Errorf("%v: %w", err, core.ErrUnprocessable)
		}
		appt.Status = status
	}
	if patch.PaymentPrice.Set {
		if patch.PaymentPrice.Value < 0 {
			return nil, fmt.Errorf("payment price must not be negative: %w", core.ErrUnprocessable)
		}
		appt.PaymentPrice = patch.PaymentPrice.Value
	}
	if patch.PaymentMethod.Set {
		appt.PaymentMethod = patch.PaymentMethod.Value
	}

	if err := validateRange(appt.ScheduledStart, appt.ScheduledEnd); err != nil {
		return nil, err
	}

	// A moved slot, or a revived one (cancelled → scheduled), must re-prove
	// it fits the calendar.
	if (patch.TouchesSchedule() || patch.Status.Set) && appt.Status.CountsForConflict() && !allowConflict {
		if err := s.rejectOverlaps(ctx, workspaceID, appt.ScheduledStart, appt.ScheduledEnd, &appt.ID); err != nil {
			return nil, err
		}
	}

	if err := s.appointments.Update(ctx, appt); err != nil {
		return nil, err
	}
	return appt, nil
}

// Cancel frees the slot. Conflict checks ignore cancelled appointments from
// this point on.
func (s *Service) Cancel(ctx context.Context, workspaceID, id uuid.UUID) error {
	if _, err := s.appointments.Get(ctx, workspaceID, id); err != nil {
		return err
	}
	return s.appointments.SetStatus(ctx, workspaceID, id, core.AppointmentCancelled)
}

// Delete hard-deletes an appointment. Attached session notes survive with
// their appointment reference cleared; when deleteNotes is set they are
// soft-deleted instead, except that amended notes block the whole deletion.
func (s *Service) Delete(ctx context.Context, workspaceID, userID, id uuid.UUID, deleteNotes bool) error {
	if _, err := s.appointments.Get(ctx, workspaceID, id); err != nil {
		return err
	}

	notes, err := s.sessions.ListByAppointment(ctx, workspaceID, id)
	if err != nil {
		return err
	}

	if deleteNotes {
		for _, note := range notes {
			if note.IsAmended() {
				return fmt.Errorf("appointment has an amended session note: %w", core.ErrUnprocessable)
			}
		}
	}

	return s.db.Transact(ctx, func(q store.Querier) error {
		if deleteNotes {
			sessions := s.sessions.WithTx(q)
			now := time.Now().UTC()
			for _, note := range notes {
				if err := sessions.SoftDelete(ctx, workspaceID, note.ID, userID, "appointment deleted", now); err != nil {
					return err
				}
			}
		}
		return s.appointments.WithTx(q).Delete(ctx, workspaceID, id)
	})
}

// rejectOverlaps turns a non-empty overlap set into a ConflictError.
func (s *Service) rejectOverlaps(ctx context.Context, workspaceID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) error {
	overlapping, err := s.appointments.FindOverlapping(ctx, workspaceID, start, end, excludeID)
	if err != nil {
		return err
	}
	if len(overlapping) == 0 {
		return nil
	}

	masked, err := s.mask(ctx, workspaceID, overlapping)
	if err != nil {
		return err
	}
	s.logger.Printf("⚠️ Booking rejected: %d conflicting appointment(s) in %s–%s",
		len(masked), start.Format(time.RFC3339), end.Format(time.RFC3339))
	return &ConflictError{Conflicting: masked}
}

// mask converts appointments into the initials-only conflict view. Client
// names never leave this function un-masked.
func (s *Service) mask(ctx context.Context, workspaceID uuid.UUID, appts []*core.Appointment) ([]ConflictingAppointment, error) {
	if len(appts) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(appts))
	seen := make(map[uuid.UUID]bool, len(appts))
	for _, a := range appts {
		if !seen[a.ClientID] {
			seen[a.ClientID] = true
			ids = append(ids, a.ClientID)
		}
	}
	clients, err := s.clients.GetBatch(ctx, workspaceID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ConflictingAppointment, 0, len(appts))
	for _, a := range appts {
		initials := "?"
		if c, ok := clients[a.ClientID]; ok {
			initials = ClientInitials(c.FirstName, c.LastName)
		}
		out = append(out, ConflictingAppointment{
			ID:             a.ID,
			ScheduledStart: a.ScheduledStart,
			ScheduledEnd:   a.ScheduledEnd,
			ClientInitials: initials,
			LocationType:   a.LocationType,
			Status:         a.Status,
		})
	}
	return out, nil
}

// ClientInitials masks a client name down to dotted initials ("Dana Levi" →
// "D.L."). A client with no usable name becomes "?".
func ClientInitials(firstName, lastName string) string {
	var sb strings.Builder
	for _, name := range []string{firstName, lastName} {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		for _, r := range name {
			sb.WriteRune(r)
			break
		}
		sb.WriteString(".")
	}
	if sb.Len() == 0 {
		return "?"
	}
	return sb.String()
}

func validateRange(start, end time.Time) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("scheduled_start and scheduled_end are required: %w", core.ErrUnprocessable)
	}
	if !end.After(start) {
		return fmt.Errorf("scheduled_end must be after scheduled_start: %w", core.ErrUnprocessable)
	}
	return nil
}
