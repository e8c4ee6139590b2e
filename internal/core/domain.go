// Package core holds the domain entities shared by every PazPaz service:
// workspaces, users, clients, appointments, SOAP session notes, payment
// transactions, and the audit trail. All PHI-bearing string fields are held
// decrypted in memory and encrypted by the persistence layer.
package core

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// WORKSPACE
// ============================================================================

// WorkspaceStatus is the lifecycle state of a tenant workspace.
type WorkspaceStatus string

const (
	WorkspaceActive    WorkspaceStatus = "active"
	WorkspaceSuspended WorkspaceStatus = "suspended"
	WorkspaceDeleted   WorkspaceStatus = "deleted"
)

// ParseWorkspaceStatus converts a stored string into a WorkspaceStatus.
func ParseWorkspaceStatus(s string) (WorkspaceStatus, error) {
	switch WorkspaceStatus(s) {
	case WorkspaceActive, WorkspaceSuspended, WorkspaceDeleted:
		return WorkspaceStatus(s), nil
	}
	return "", fmt.Errorf("unknown workspace status %q", s)
}

// Workspace is the tenant boundary. Every PHI-bearing entity references
// exactly one workspace; a query that cannot name its workspace is malformed.
type Workspace struct {
	ID     uuid.UUID       `json:"id"`
	Name   string          `json:"name"`
	Status WorkspaceStatus `json:"status"`

	// Payment configuration block.
	PaymentProvider string            `json:"payment_provider,omitempty"` // e.g. "payplus"
	ProviderConfig  map[string]string `json:"-"`                          // decrypted provider credentials
	PaymentsEnabled bool              `json:"payments_enabled"`
	VATRegistered   bool              `json:"vat_registered"`
	VATRate         float64           `json:"vat_rate"` // percent, e.g. 17.0
	Currency        string            `json:"currency"` // ISO code, default "ILS"
	SendTiming      string            `json:"payment_send_timing,omitempty"`

	// ReceiptCounter is claimed atomically at receipt issuance; the numeric
	// sequence per workspace is gapless across concurrent issuances.
	ReceiptCounter int64 `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// User is a therapist account. A user belongs to exactly one workspace and
// can only authenticate while that workspace is active.
type User struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Email       string    `json:"email"`
	IsActive    bool      `json:"is_active"`
	TOTPEnabled bool      `json:"totp_enabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// ============================================================================
// CLIENT
// ============================================================================

// Client is a therapy patient. The free-text identity and history fields are
// PHI and are stored encrypted; date of birth, consent and tags are plaintext.
type Client struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`

	// PHI, encrypted at rest.
	FirstName        string `json:"first_name"`
	LastName         string `json:"last_name"`
	Email            string `json:"email,omitempty"`
	Phone            string `json:"phone,omitempty"`
	Address          string `json:"address,omitempty"`
	MedicalHistory   string `json:"medical_history,omitempty"`
	EmergencyContact string `json:"emergency_contact,omitempty"`
	Notes            string `json:"notes,omitempty"`

	// Plaintext.
	DateOfBirth  *time.Time `json:"date_of_birth,omitempty"`
	ConsentGiven bool       `json:"consent_given"`
	IsActive     bool       `json:"is_active"`
	Tags         []string   `json:"tags,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FullName returns "First Last", tolerating either part being empty.
func (c *Client) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	}
	return c.FirstName + " " + c.LastName
}

// ============================================================================
// APPOINTMENT
// ============================================================================

// LocationType is where a treatment takes place.
type LocationType string

const (
	LocationClinic LocationType = "clinic"
	LocationHome   LocationType = "home"
	LocationOnline LocationType = "online"
)

// ParseLocationType converts a stored string into a LocationType.
func ParseLocationType(s string) (LocationType, error) {
	switch LocationType(s) {
	case LocationClinic, LocationHome, LocationOnline:
		return LocationType(s), nil
	}
	return "", fmt.Errorf("unknown location type %q", s)
}

// AppointmentStatus is the scheduling state of an appointment.
type AppointmentStatus string

const (
	AppointmentScheduled AppointmentStatus = "scheduled"
	AppointmentAttended  AppointmentStatus = "attended"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNoShow    AppointmentStatus = "no_show"
	AppointmentCompleted AppointmentStatus = "completed"
)

// ParseAppointmentStatus converts a stored string into an AppointmentStatus.
func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	switch AppointmentStatus(s) {
	case AppointmentScheduled, AppointmentAttended, AppointmentCancelled,
		AppointmentNoShow, AppointmentCompleted:
		return AppointmentStatus(s), nil
	}
	return "", fmt.Errorf("unknown appointment status %q", s)
}

// CountsForConflict reports whether an appointment in this status occupies
// its time slot. Cancelled and no-show appointments never conflict.
func (s AppointmentStatus) CountsForConflict() bool {
	return s == AppointmentScheduled || s == AppointmentAttended
}

// PaymentStatus is the payment state carried on an appointment.
type PaymentStatus string

const (
	PaymentUnpaid        PaymentStatus = "unpaid"
	PaymentNotPaid       PaymentStatus = "not_paid"
	PaymentSent          PaymentStatus = "payment_sent"
	PaymentPending       PaymentStatus = "pending"
	PaymentPaid          PaymentStatus = "paid"
	PaymentPartiallyPaid PaymentStatus = "partially_paid"
	PaymentRefunded      PaymentStatus = "refunded"
	PaymentFailed        PaymentStatus = "failed"
	PaymentWaived        PaymentStatus = "waived"
)

// ParsePaymentStatus converts a stored string into a PaymentStatus.
func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch PaymentStatus(s) {
	case PaymentUnpaid, PaymentNotPaid, PaymentSent, PaymentPending, PaymentPaid,
		PaymentPartiallyPaid, PaymentRefunded, PaymentFailed, PaymentWaived:
		return PaymentStatus(s), nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// Appointment is a scheduled treatment slot. Intervals are half-open:
// [ScheduledStart, ScheduledEnd). Exact adjacency is not a conflict.
type Appointment struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	ClientID    uuid.UUID `json:"client_id"`

	ScheduledStart time.Time         `json:"scheduled_start"`
	ScheduledEnd   time.Time         `json:"scheduled_end"`
	LocationType   LocationType      `json:"location_type"`
	Status         AppointmentStatus `json:"status"`

	// Payment block.
	PaymentPrice  float64       `json:"payment_price"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	PaymentMethod string        `json:"payment_method,omitempty"`
	PaidAt        *time.Time    `json:"paid_at,omitempty"`

	EditCount int `json:"edit_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Overlaps reports whether two half-open intervals strictly intersect.
// Back-to-back slots (a.end == b.start) do not overlap.
func Overlaps(aStart, aEnd, bStart, bEnd time.Time) bool {
	return aStart.Before(bEnd) && bStart.Before(aEnd)
}

// ============================================================================
// SESSION
// ============================================================================

// SOAPField names one of the four clinical note sections.
type SOAPField string

const (
	FieldSubjective SOAPField = "subjective"
	FieldObjective  SOAPField = "objective"
	FieldAssessment SOAPField = "assessment"
	FieldPlan       SOAPField = "plan"
)

// SOAPFields lists the four sections in canonical order.
var SOAPFields = []SOAPField{FieldSubjective, FieldObjective, FieldAssessment, FieldPlan}

// ParseSOAPField converts a stored string into a SOAPField.
func ParseSOAPField(s string) (SOAPField, error) {
	switch SOAPField(s) {
	case FieldSubjective, FieldObjective, FieldAssessment, FieldPlan:
		return SOAPField(s), nil
	}
	return "", fmt.Errorf("unknown SOAP field %q", s)
}

// SoftDeleteGracePeriod is how long a soft-deleted session remains
// restorable before the purge job is allowed to remove it.
const SoftDeleteGracePeriod = 30 * 24 * time.Hour

// Session is a SOAP clinical note attached to a client and optionally an
// appointment. The four SOAP fields are PHI and stored encrypted.
//
// Lifecycle: draft (mutable) → finalized (immutable baseline, snapshot v1)
// → amended (each edit snapshots the prior state as version N). Soft
// deletion opens a 30-day grace window during which restore succeeds.
type Session struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	ClientID      uuid.UUID  `json:"client_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`

	// PHI, encrypted at rest.
	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`

	SessionDate     time.Time `json:"session_date"`
	DurationMinutes *int      `json:"duration_minutes,omitempty"`

	IsDraft          bool       `json:"is_draft"`
	DraftLastSavedAt *time.Time `json:"draft_last_saved_at,omitempty"`
	FinalizedAt      *time.Time `json:"finalized_at,omitempty"`
	AmendedAt        *time.Time `json:"amended_at,omitempty"`
	AmendmentCount   int        `json:"amendment_count"`

	// Version is the optimistic-concurrency counter: every write bumps it,
	// and compare-and-set updates apply only if it is unchanged.
	Version int `json:"version"`

	DeletedAt            *time.Time `json:"deleted_at,omitempty"`
	PermanentDeleteAfter *time.Time `json:"permanent_delete_after,omitempty"`
	DeletedByUserID      *uuid.UUID `json:"deleted_by,omitempty"`
	DeletedReason        string     `json:"deleted_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Field returns the named SOAP section's current text.
func (s *Session) Field(f SOAPField) string {
	switch f {
	case FieldSubjective:
		return s.Subjective
	case FieldObjective:
		return s.Objective
	case FieldAssessment:
		return s.Assessment
	case FieldPlan:
		return s.Plan
	}
	return ""
}

// IsFinalized reports whether the note has been signed off at least once.
func (s *Session) IsFinalized() bool { return s.FinalizedAt != nil }

// IsAmended reports whether the note has post-finalization edits.
func (s *Session) IsAmended() bool { return s.AmendmentCount > 0 }

// IsDeleted reports whether the note is in its soft-deleted grace window
// (or past it, awaiting purge).
func (s *Session) IsDeleted() bool { return s.DeletedAt != nil }

// SessionVersion is an immutable snapshot of the SOAP payload at a point in
// the amendment history: v1 at finalization, vN (N≥2) before each amendment.
// Rows are never updated.
type SessionVersion struct {
	ID            uuid.UUID `json:"id"`
	SessionID     uuid.UUID `json:"session_id"`
	VersionNumber int       `json:"version_number"`

	Subjective string `json:"subjective"`
	Objective  string `json:"objective"`
	Assessment string `json:"assessment"`
	Plan       string `json:"plan"`

	CreatedAt time.Time `json:"created_at"`
}

// ============================================================================
// PAYMENT TRANSACTION
// ============================================================================

// TransactionStatus is the lifecycle state of a payment transaction.
// completed, refunded and cancelled are terminal: a transaction never
// leaves a terminal state for an earlier one.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxRefunded  TransactionStatus = "refunded"
	TxCancelled TransactionStatus = "cancelled"
)

// ParseTransactionStatus converts a stored string into a TransactionStatus.
func ParseTransactionStatus(s string) (TransactionStatus, error) {
	switch TransactionStatus(s) {
	case TxPending, TxCompleted, TxFailed, TxRefunded, TxCancelled:
		return TransactionStatus(s), nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// Terminal reports whether the status pins the transaction: once reached,
// replayed webhooks must not regress it.
func (s TransactionStatus) Terminal() bool {
	return s == TxCompleted || s == TxRefunded || s == TxCancelled
}

// PaymentTransaction records one payment-link issuance and its settlement.
// Invariant: BaseAmount + VATAmount = TotalAmount within rounding.
type PaymentTransaction struct {
	ID            uuid.UUID  `json:"id"`
	WorkspaceID   uuid.UUID  `json:"workspace_id"`
	AppointmentID *uuid.UUID `json:"appointment_id,omitempty"`

	BaseAmount  float64 `json:"base_amount"`
	VATAmount   float64 `json:"vat_amount"`
	TotalAmount float64 `json:"total_amount"`
	Currency    string  `json:"currency"`

	PaymentMethod string            `json:"payment_method"`
	Status        TransactionStatus `json:"status"`

	Provider              string `json:"provider"`
	ProviderTransactionID string `json:"provider_transaction_id"`
	ProviderPaymentLink   string `json:"provider_payment_link,omitempty"`

	ReceiptNumber *int64 `json:"receipt_number,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`

	FailureReason    string                 `json:"failure_reason,omitempty"`
	ProviderMetadata map[string]interface{} `json:"provider_metadata,omitempty"`
}

// ============================================================================
// AUDIT EVENT
// ============================================================================

// AuditAction is the coarse category of an audited operation.
type AuditAction string

const (
	AuditCreate AuditAction = "create"
	AuditRead   AuditAction = "read"
	AuditUpdate AuditAction = "update"
	AuditDelete AuditAction = "delete"
)

// ParseAuditAction converts a stored string into an AuditAction.
func ParseAuditAction(s string) (AuditAction, error) {
	switch AuditAction(s) {
	case AuditCreate, AuditRead, AuditUpdate, AuditDelete:
		return AuditAction(s), nil
	}
	return "", fmt.Errorf("unknown audit action %q", s)
}

// AuditEvent is one append-only log row. Metadata never carries PHI text;
// free-text query strings are hashed before they reach it.
type AuditEvent struct {
	ID           uuid.UUID              `json:"id"`
	UserID       *uuid.UUID             `json:"user_id,omitempty"`
	WorkspaceID  uuid.UUID              `json:"workspace_id"`
	Action       AuditAction            `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   *uuid.UUID             `json:"resource_id,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}
