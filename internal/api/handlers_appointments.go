package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/scheduling"
)

// AppointmentsHandler serves the calendar surface.
type AppointmentsHandler struct {
	service *scheduling.Service
}

// NewAppointmentsHandler builds the handler.
func NewAppointmentsHandler(service *scheduling.Service) *AppointmentsHandler {
	return &AppointmentsHandler{service: service}
}

// conflictBody is the structured 409 answer carrying the colliding slots.
type conflictBody struct {
	Message     string                              `json:"message"`
	Conflicting []scheduling.ConflictingAppointment `json:"conflicting_appointments"`
}

// writeConflict renders overlap rejections; everything else falls through to
// the standard mapping.
func writeConflict(w http.ResponseWriter, r *http.Request, err error) {
	var conflict *scheduling.ConflictError
	if errors.As(err, &conflict) {
		httperr.WriteJSON(w, http.StatusConflict, conflictBody{
			Message:     conflict.Error(),
			Conflicting: conflict.Conflicting,
		})
		return
	}
	httperr.Write(w, r, err)
}

// POST /appointments
func (h *AppointmentsHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req scheduling.CreateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	appt, err := h.service.Create(r.Context(), identity.WorkspaceID, req)
	if err != nil {
		writeConflict(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusCreated, appt)
}

// GET /appointments/conflicts?scheduled_start=&scheduled_end=&exclude_appointment_id=
func (h *AppointmentsHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}

	start, err := parseTimeParam(r, "scheduled_start")
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	end, err := parseTimeParam(r, "scheduled_end")
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	exclude, err := queryUUID(r, "exclude_appointment_id")
	if err != nil {
		httperr.Write(w, r, err)
		return
	}

	report, err := h.service.CheckConflicts(r.Context(), identity.WorkspaceID, start, end, exclude)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, report)
}

// GET /appointments/{id}
func (h *AppointmentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	appt, err := h.service.Get(r.Context(), identity.WorkspaceID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, appt)
}

// PUT /appointments/{id}?allow_conflict=true
func (h *AppointmentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var patch core.AppointmentPatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	allowConflict := r.URL.Query().Get("allow_conflict") == "true"

	appt, err := h.service.Update(r.Context(), identity.WorkspaceID, id, patch, allowConflict)
	if err != nil {
		writeConflict(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, appt)
}

// POST /appointments/{id}/cancel
func (h *AppointmentsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.Cancel(r.Context(), identity.WorkspaceID, id); err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": string(core.AppointmentCancelled)})
}

// DELETE /appointments/{id}?delete_notes=true
func (h *AppointmentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	deleteNotes := r.URL.Query().Get("delete_notes") == "true"

	if err := h.service.Delete(r.Context(), identity.WorkspaceID, identity.UserID, id, deleteNotes); err != nil {
		httperr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%s is required: %w", name, core.ErrBadRequest)
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339: %w", name, core.ErrBadRequest)
	}
	return t, nil
}
