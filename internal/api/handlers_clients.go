package api

import (
	"net/http"

	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/clients"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/middleware"
)

// ClientsHandler serves patient records. Reads of full records are PHI
// access and emit explicit read events on top of the automatic trail.
type ClientsHandler struct {
	service *clients.Service
	auditor *audit.Emitter
}

// NewClientsHandler builds the handler.
func NewClientsHandler(service *clients.Service, auditor *audit.Emitter) *ClientsHandler {
	return &ClientsHandler{service: service, auditor: auditor}
}

// POST /clients
func (h *ClientsHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req clients.CreateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	client, err := h.service.Create(r.Context(), identity.WorkspaceID, req)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusCreated, client)
}

// GET /clients?include_inactive=&limit=&offset=
func (h *ClientsHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	includeInactive := r.URL.Query().Get("include_inactive") == "true"
	limit, offset := pagination(r, 50)

	items, err := h.service.List(r.Context(), identity.WorkspaceID, includeInactive, limit, offset)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items), Limit: limit, Offset: offset})
}

// GET /clients/{id}
func (h *ClientsHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	client, err := h.service.Get(r.Context(), identity.WorkspaceID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}

	h.auditor.Emit(r.Context(), audit.Entry{
		UserID:       &identity.UserID,
		WorkspaceID:  identity.WorkspaceID,
		Action:       core.AuditRead,
		ResourceType: audit.ResourceClient,
		ResourceID:   &client.ID,
		IPAddress:    middleware.ClientIP(r),
	})
	httperr.WriteJSON(w, http.StatusOK, client)
}

// PATCH /clients/{id}
func (h *ClientsHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var patch core.ClientPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	client, err := h.service.Update(r.Context(), identity.WorkspaceID, id, patch)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, client)
}

// DELETE /clients/{id}
func (h *ClientsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.SoftDelete(r.Context(), identity.WorkspaceID, identity.UserID, id); err != nil {
		httperr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DELETE /clients/{id}/permanent
func (h *ClientsHandler) PermanentDelete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.HardDelete(r.Context(), identity.WorkspaceID, identity.UserID, id); err != nil {
		httperr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
