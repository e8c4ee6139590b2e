package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pazpaz/backend/internal/core"
)

// Appointments persists treatment slots. The payment block lives on the row;
// PHI never does, so no codec is involved here.
type Appointments struct {
	db Querier
}

// NewAppointments builds the store.
func NewAppointments(db Querier) *Appointments {
	return &Appointments{db: db}
}

// WithTx rebinds the store to a transaction.
func (s *Appointments) WithTx(q Querier) *Appointments {
	return &Appointments{db: q}
}

const appointmentColumns = `id, workspace_id, client_id, scheduled_start, scheduled_end,
	location_type, status, payment_price, payment_status, payment_method, paid_at,
	edit_count, created_at, updated_at`

// Create inserts an appointment.
func (s *Appointments) Create(ctx context.Context, a *core.Appointment) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.Status == "" {
		a.Status = core.AppointmentScheduled
	}
	if a.PaymentStatus == "" {
		a.PaymentStatus = core.PaymentUnpaid
	}
	now := time.Now().UTC()
	a.CreatedAt, a.UpdatedAt = now, now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO appointments (id, workspace_id, client_id, scheduled_start, scheduled_end,
			location_type, status, payment_price, payment_status, payment_method, paid_at,
			edit_count, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		a.ID, a.WorkspaceID, a.ClientID, a.ScheduledStart, a.ScheduledEnd,
		string(a.LocationType), string(a.Status), a.PaymentPrice, string(a.PaymentStatus),
		a.PaymentMethod, nullTime(a.PaidAt), a.EditCount, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

// Get loads one appointment in the workspace.
func (s *Appointments) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.Appointment, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	return scanAppointment(row)
}

// FindOverlapping returns appointments whose half-open interval strictly
// intersects [start, end). Back-to-back slots do not match; only scheduled
// and attended appointments participate.
func (s *Appointments) FindOverlapping(ctx context.Context, workspaceID uuid.UUID, start, end time.Time, excludeID *uuid.UUID) ([]*core.Appointment, error) {
	query := `SELECT ` + appointmentColumns + `
		FROM appointments
		WHERE workspace_id = $1
		  AND status IN ('scheduled', 'attended')
		  AND scheduled_start < $3
		  AND $2 < scheduled_end`
	args := []interface{}{workspaceID, start, end}
	if excludeID != nil {
		query += ` AND id <> $4`
		args = append(args, *excludeID)
	}
	query += ` ORDER BY scheduled_start`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find overlapping appointments: %w", err)
	}
	defer rows.Close()

	var out []*core.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListByClient returns a client's appointments newest first.
func (s *Appointments) ListByClient(ctx context.Context, workspaceID, clientID uuid.UUID, limit int) ([]*core.Appointment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+appointmentColumns+` FROM appointments
		WHERE workspace_id = $1 AND client_id = $2
		ORDER BY scheduled_start DESC LIMIT $3`,
		workspaceID, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	defer rows.Close()

	var out []*core.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Update rewrites the scheduling fields and bumps the edit counter.
func (s *Appointments) Update(ctx context.Context, a *core.Appointment) error {
	a.UpdatedAt = time.Now().UTC()
	a.EditCount++

	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments
		SET client_id = $3, scheduled_start = $4, scheduled_end = $5, location_type = $6,
			status = $7, payment_price = $8, edit_count = $9, updated_at = $10
		WHERE workspace_id = $1 AND id = $2`,
		a.WorkspaceID, a.ID, a.ClientID, a.ScheduledStart, a.ScheduledEnd,
		string(a.LocationType), string(a.Status), a.PaymentPrice, a.EditCount, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	return requireRow(res, "appointment")
}

// SetStatus moves the scheduling state.
func (s *Appointments) SetStatus(ctx context.Context, workspaceID, id uuid.UUID, status core.AppointmentStatus) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET status = $3, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, string(status))
	if err != nil {
		return fmt.Errorf("set appointment status: %w", err)
	}
	return requireRow(res, "appointment")
}

// CompleteIfScheduled transitions scheduled → completed and reports whether
// the transition happened. Creating a session note for a scheduled slot uses
// this; a no-op answer means the appointment was already past scheduled.
func (s *Appointments) CompleteIfScheduled(ctx context.Context, workspaceID, id uuid.UUID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments SET status = 'completed', updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2 AND status = 'scheduled'`,
		workspaceID, id)
	if err != nil {
		return false, fmt.Errorf("complete appointment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("complete appointment rows: %w", err)
	}
	return n > 0, nil
}

// SetPaymentStatus updates the payment block. A nil paidAt clears the column.
func (s *Appointments) SetPaymentStatus(ctx context.Context, workspaceID, id uuid.UUID, status core.PaymentStatus, method string, paidAt *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE appointments
		SET payment_status = $3, payment_method = $4, paid_at = $5, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id, string(status), method, nullTime(paidAt))
	if err != nil {
		return fmt.Errorf("set payment status: %w", err)
	}
	return requireRow(res, "appointment")
}

// Delete removes the appointment. Sessions referencing it survive: the
// foreign key is SET NULL, so soft-deleted or finalized notes keep living.
// The caller checks the amended-session guard before invoking this.
func (s *Appointments) Delete(ctx context.Context, workspaceID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM appointments WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("delete appointment: %w", err)
	}
	return requireRow(res, "appointment")
}

// ClientIDsFor resolves the distinct client ids behind a set of appointments.
func (s *Appointments) ClientIDsFor(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]uuid.UUID, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]uuid.UUID{}, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, client_id FROM appointments WHERE workspace_id = $1 AND id = ANY($2)`,
		workspaceID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("resolve appointment clients: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]uuid.UUID, len(ids))
	for rows.Next() {
		var apptID, clientID uuid.UUID
		if err := rows.Scan(&apptID, &clientID); err != nil {
			return nil, fmt.Errorf("scan appointment client: %w", err)
		}
		out[apptID] = clientID
	}
	return out, rows.Err()
}

func scanAppointment(row interface{ Scan(...interface{}) error }) (*core.Appointment, error) {
	var (
		a             core.Appointment
		location      string
		status        string
		paymentStatus string
		method        sql.NullString
		paidAt        sql.NullTime
	)
	err := row.Scan(&a.ID, &a.WorkspaceID, &a.ClientID, &a.ScheduledStart, &a.ScheduledEnd,
		&location, &status, &a.PaymentPrice, &paymentStatus, &method, &paidAt,
		&a.EditCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "appointment")
	}

	if a.LocationType, err = core.ParseLocationType(location); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	if a.Status, err = core.ParseAppointmentStatus(status); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	if a.PaymentStatus, err = core.ParsePaymentStatus(paymentStatus); err != nil {
		return nil, fmt.Errorf("appointment %s: %w", a.ID, err)
	}
	a.PaymentMethod = method.String
	a.PaidAt = timePtr(paidAt)
	return &a, nil
}
