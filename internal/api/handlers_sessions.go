package api

import (
	"net/http"
	"strings"

	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/middleware"
	"github.com/pazpaz/backend/internal/session"
)

// SessionsHandler serves the SOAP note lifecycle.
type SessionsHandler struct {
	service *session.Service
	auditor *audit.Emitter
}

// NewSessionsHandler builds the handler.
func NewSessionsHandler(service *session.Service, auditor *audit.Emitter) *SessionsHandler {
	return &SessionsHandler{service: service, auditor: auditor}
}

// sessionPatchRequest couples a sparse update with the optimistic version
// the client last saw. A stale version answers 409.
type sessionPatchRequest struct {
	core.SessionPatch
	ExpectedVersion *int `json:"expected_version"`
}

// POST /sessions
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req session.CreateInput
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.service.Create(r.Context(), identity.WorkspaceID, identity.UserID, req)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusCreated, sess)
}

// GET /sessions?client_id=&search=&limit=&offset=
//
// With search present this decrypts and scans recent notes; the service
// emits the read audit event carrying the verbatim query. Plain lists get
// their read event here.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	clientID, err := queryUUID(r, "client_id")
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	limit, offset := pagination(r, 50)

	var items []*core.Session
	if search := strings.TrimSpace(r.URL.Query().Get("search")); search != "" {
		items, err = h.service.Search(r.Context(), identity.WorkspaceID, identity.UserID, clientID, search, limit, offset)
	} else {
		items, err = h.service.List(r.Context(), identity.WorkspaceID, clientID, limit, offset)
		if err == nil {
			h.auditor.Emit(r.Context(), audit.Entry{
				UserID:       &identity.UserID,
				WorkspaceID:  identity.WorkspaceID,
				Action:       core.AuditRead,
				ResourceType: audit.ResourceSession,
				Metadata:     map[string]interface{}{"count": len(items)},
				IPAddress:    middleware.ClientIP(r),
			})
		}
	}
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items), Limit: limit, Offset: offset})
}

// GET /sessions/{id}
func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.service.Get(r.Context(), identity.WorkspaceID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}

	h.auditor.Emit(r.Context(), audit.Entry{
		UserID:       &identity.UserID,
		WorkspaceID:  identity.WorkspaceID,
		Action:       core.AuditRead,
		ResourceType: audit.ResourceSession,
		ResourceID:   &sess.ID,
		IPAddress:    middleware.ClientIP(r),
	})
	httperr.WriteJSON(w, http.StatusOK, sess)
}

// PATCH /sessions/{id}/draft
func (h *SessionsHandler) Autosave(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req sessionPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.service.Autosave(r.Context(), identity.WorkspaceID, identity.UserID, id, req.SessionPatch, req.ExpectedVersion)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, sess)
}

// POST /sessions/{id}/finalize
func (h *SessionsHandler) Finalize(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.service.Finalize(r.Context(), identity.WorkspaceID, identity.UserID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, sess)
}

// POST /sessions/{id}/unfinalize
func (h *SessionsHandler) Unfinalize(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.service.Unfinalize(r.Context(), identity.WorkspaceID, identity.UserID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, sess)
}

// PUT /sessions/{id}
//
// On a finalized note this is an amendment: the prior payload is snapshotted
// before the update lands.
func (h *SessionsHandler) Update(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req sessionPatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.service.Update(r.Context(), identity.WorkspaceID, identity.UserID, id, req.SessionPatch, req.ExpectedVersion)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, sess)
}

// DELETE /sessions/{id}
func (h *SessionsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	// The reason is optional and the body may be absent entirely.
	var req struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if !decodeJSON(w, r, &req) {
			return
		}
	}

	if err := h.service.SoftDelete(r.Context(), identity.WorkspaceID, identity.UserID, id, req.Reason); err != nil {
		httperr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /sessions/{id}/restore
func (h *SessionsHandler) Restore(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	sess, err := h.service.Restore(r.Context(), identity.WorkspaceID, identity.UserID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, sess)
}

// DELETE /sessions/{id}/permanent
func (h *SessionsHandler) PermanentDelete(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.service.PermanentDelete(r.Context(), identity.WorkspaceID, identity.UserID, id); err != nil {
		httperr.Write(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// POST /sessions/{id}/reindex
//
// Synchronous embedding regeneration for one note, for operator use after
// bulk imports or an embedding model change.
func (h *SessionsHandler) Reindex(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	count, err := h.service.Reindex(r.Context(), identity.WorkspaceID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":        id,
		"workspace_vectors": count,
	})
}

// GET /sessions/{id}/versions
func (h *SessionsHandler) ListVersions(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	versions, err := h.service.ListVersions(r.Context(), identity.WorkspaceID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, listResponse{Items: versions, Count: len(versions)})
}
