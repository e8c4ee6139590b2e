package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Optional carries a patch field that can be absent, null, or set. JSON
// decoding only invokes UnmarshalJSON for keys present in the document, so
// Set is false exactly when the key was omitted. A JSON null decodes to the
// zero value with Set true, which for pointer-typed T expresses "clear".
type Optional[T any] struct {
	Set   bool
	Value T
}

// Some wraps a value as a present Optional.
func Some[T any](v T) Optional[T] {
	return Optional[T]{Set: true, Value: v}
}

// UnmarshalJSON marks the field present and decodes the value.
func (o *Optional[T]) UnmarshalJSON(b []byte) error {
	o.Set = true
	if string(b) == "null" {
		var zero T
		o.Value = zero
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

// MarshalJSON emits the wrapped value; absent fields marshal as null and
// rely on omitempty at the struct level.
func (o Optional[T]) MarshalJSON() ([]byte, error) {
	if !o.Set {
		return []byte("null"), nil
	}
	return json.Marshal(o.Value)
}

// SessionPatch is a sparse update to a draft or finalized session. Only
// fields with Set=true are applied; the rest keep their current values.
type SessionPatch struct {
	Subjective      Optional[string]     `json:"subjective,omitempty"`
	Objective       Optional[string]     `json:"objective,omitempty"`
	Assessment      Optional[string]     `json:"assessment,omitempty"`
	Plan            Optional[string]     `json:"plan,omitempty"`
	SessionDate     Optional[string]     `json:"session_date,omitempty"`
	DurationMinutes Optional[*int]       `json:"duration_minutes,omitempty"`
	AppointmentID   Optional[*uuid.UUID] `json:"appointment_id,omitempty"`
}

// Empty reports whether the patch touches nothing.
func (p *SessionPatch) Empty() bool {
	return !p.Subjective.Set && !p.Objective.Set && !p.Assessment.Set &&
		!p.Plan.Set && !p.SessionDate.Set && !p.DurationMinutes.Set &&
		!p.AppointmentID.Set
}

// TouchesNotes reports whether the patch changes any SOAP text field, as
// opposed to scheduling metadata only. Amendment snapshots are taken only
// for patches that touch notes.
func (p *SessionPatch) TouchesNotes() bool {
	return p.Subjective.Set || p.Objective.Set || p.Assessment.Set || p.Plan.Set
}

// AppointmentPatch is a sparse update to an appointment. Schedule changes
// re-run conflict detection unless the caller overrides.
type AppointmentPatch struct {
	ScheduledStart Optional[time.Time] `json:"scheduled_start,omitempty"`
	ScheduledEnd   Optional[time.Time] `json:"scheduled_end,omitempty"`
	LocationType   Optional[string]    `json:"location_type,omitempty"`
	Status         Optional[string]    `json:"status,omitempty"`
	PaymentPrice   Optional[float64]   `json:"payment_price,omitempty"`
	PaymentMethod  Optional[string]    `json:"payment_method,omitempty"`
}

// TouchesSchedule reports whether the patch moves the appointment in time.
func (p *AppointmentPatch) TouchesSchedule() bool {
	return p.ScheduledStart.Set || p.ScheduledEnd.Set
}

// ClientPatch is a sparse update to a client record.
type ClientPatch struct {
	FirstName        Optional[string]   `json:"first_name,omitempty"`
	LastName         Optional[string]   `json:"last_name,omitempty"`
	Email            Optional[string]   `json:"email,omitempty"`
	Phone            Optional[string]   `json:"phone,omitempty"`
	Address          Optional[string]   `json:"address,omitempty"`
	MedicalHistory   Optional[string]   `json:"medical_history,omitempty"`
	EmergencyContact Optional[string]   `json:"emergency_contact,omitempty"`
	Notes            Optional[string]   `json:"notes,omitempty"`
	DateOfBirth      Optional[*string]  `json:"date_of_birth,omitempty"`
	ConsentGiven     Optional[bool]     `json:"consent_given,omitempty"`
	IsActive         Optional[bool]     `json:"is_active,omitempty"`
	Tags             Optional[[]string] `json:"tags,omitempty"`
}
