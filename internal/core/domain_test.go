package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ===== SPARSE PATCHES =====

func TestOptionalDistinguishesAbsentNullAndSet(t *testing.T) {
	var p SessionPatch
	require.NoError(t, json.Unmarshal([]byte(`{
		"subjective": "pain improving",
		"objective": null,
		"duration_minutes": null
	}`), &p))

	assert.True(t, p.Subjective.Set)
	assert.Equal(t, "pain improving", p.Subjective.Value)

	// null means "clear": present, zero value.
	assert.True(t, p.Objective.Set)
	assert.Equal(t, "", p.Objective.Value)
	assert.True(t, p.DurationMinutes.Set)
	assert.Nil(t, p.DurationMinutes.Value)

	// Omitted keys never mark the field present.
	assert.False(t, p.Assessment.Set)
	assert.False(t, p.Plan.Set)
	assert.False(t, p.AppointmentID.Set)
}

func TestSessionPatchEmptyAndTouchesNotes(t *testing.T) {
	var empty SessionPatch
	assert.True(t, empty.Empty())
	assert.False(t, empty.TouchesNotes())

	scheduleOnly := SessionPatch{SessionDate: Some("2025-01-10")}
	assert.False(t, scheduleOnly.Empty())
	assert.False(t, scheduleOnly.TouchesNotes())

	notes := SessionPatch{Plan: Some("home exercises")}
	assert.True(t, notes.TouchesNotes())
}

func TestOptionalMarshalsAbsentAsNull(t *testing.T) {
	out, err := json.Marshal(SessionPatch{Subjective: Some("x")})
	require.NoError(t, err)
	assert.Contains(t, string(out), `"subjective":"x"`)
	assert.Contains(t, string(out), `"objective":null`)
}

// ===== INTERVALS =====

func TestOverlapsIsHalfOpen(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 1, 10, h, m, 0, 0, time.UTC)
	}

	tests := []struct {
		name                       string
		aStart, aEnd, bStart, bEnd time.Time
		want                       bool
	}{
		{"strict overlap", at(10, 0), at(11, 0), at(10, 30), at(11, 30), true},
		{"containment", at(10, 0), at(12, 0), at(10, 30), at(11, 0), true},
		{"identical", at(10, 0), at(11, 0), at(10, 0), at(11, 0), true},
		{"back to back", at(10, 0), at(11, 0), at(11, 0), at(12, 0), false},
		{"disjoint", at(10, 0), at(11, 0), at(13, 0), at(14, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.aStart, tt.aEnd, tt.bStart, tt.bEnd))
			assert.Equal(t, tt.want, Overlaps(tt.bStart, tt.bEnd, tt.aStart, tt.aEnd), "must be symmetric")
		})
	}
}

func TestCountsForConflict(t *testing.T) {
	assert.True(t, AppointmentScheduled.CountsForConflict())
	assert.True(t, AppointmentAttended.CountsForConflict())
	assert.False(t, AppointmentCancelled.CountsForConflict())
	assert.False(t, AppointmentNoShow.CountsForConflict())
	assert.False(t, AppointmentCompleted.CountsForConflict())
}

// ===== STATUS MACHINES =====

func TestTransactionStatusTerminal(t *testing.T) {
	assert.True(t, TxCompleted.Terminal())
	assert.True(t, TxRefunded.Terminal())
	assert.True(t, TxCancelled.Terminal())
	assert.False(t, TxPending.Terminal())
	assert.False(t, TxFailed.Terminal(), "failed transactions may still complete on a late webhook")
}

func TestParseRejectsUnknownValues(t *testing.T) {
	_, err := ParseAppointmentStatus("tentative")
	assert.Error(t, err)
	_, err = ParseTransactionStatus("chargeback")
	assert.Error(t, err)
	_, err = ParseSOAPField("impression")
	assert.Error(t, err)

	got, err := ParsePaymentStatus("payment_sent")
	require.NoError(t, err)
	assert.Equal(t, PaymentSent, got)
}

// ===== ENTITY HELPERS =====

func TestClientFullName(t *testing.T) {
	assert.Equal(t, "Dana Levi", (&Client{FirstName: "Dana", LastName: "Levi"}).FullName())
	assert.Equal(t, "Dana", (&Client{FirstName: "Dana"}).FullName())
	assert.Equal(t, "Levi", (&Client{LastName: "Levi"}).FullName())
	assert.Equal(t, "", (&Client{}).FullName())
}

func TestSessionFieldAccess(t *testing.T) {
	s := &Session{Subjective: "s", Objective: "o", Assessment: "a", Plan: "p"}
	for _, f := range SOAPFields {
		assert.NotEmpty(t, s.Field(f))
	}
	assert.Equal(t, "a", s.Field(FieldAssessment))
	assert.Equal(t, "", s.Field(SOAPField("nonsense")))
}

func TestSessionLifecyclePredicates(t *testing.T) {
	now := time.Now()
	s := &Session{IsDraft: true}
	assert.False(t, s.IsFinalized())
	assert.False(t, s.IsDeleted())

	s.FinalizedAt = &now
	assert.True(t, s.IsFinalized())
	assert.False(t, s.IsAmended())

	s.AmendmentCount = 2
	assert.True(t, s.IsAmended())

	s.DeletedAt = &now
	assert.True(t, s.IsDeleted())
}
