package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/core"
)

// auditResources maps a route path segment onto the resource type recorded
// on automatic events.
var auditResources = map[string]string{
	"clients":      audit.ResourceClient,
	"appointments": audit.ResourceAppointment,
	"sessions":     audit.ResourceSession,
	"payments":     audit.ResourceTransaction,
}

// AuditTrail emits one generic event after every successful state-changing
// request by an authenticated caller. Services layer richer events (search
// strings, sections changed, deletion reasons) on top of these.
type AuditTrail struct {
	emitter *audit.Emitter
}

// NewAuditTrail builds the middleware.
func NewAuditTrail(emitter *audit.Emitter) *AuditTrail {
	return &AuditTrail{emitter: emitter}
}

// Middleware records create/update/delete events for 2xx responses.
func (a *AuditTrail) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		action, ok := actionFor(r.Method)
		if !ok || rec.status < 200 || rec.status >= 300 {
			return
		}
		identity, ok := auth.IdentityFrom(r.Context())
		if !ok {
			return
		}
		resource, ok := resourceFor(r)
		if !ok {
			return
		}

		a.emitter.Emit(r.Context(), audit.Entry{
			UserID:       &identity.UserID,
			WorkspaceID:  identity.WorkspaceID,
			Action:       action,
			ResourceType: resource,
			ResourceID:   pathResourceID(r),
			Metadata: map[string]interface{}{
				"method": r.Method,
				"route":  routeTemplate(r),
			},
			IPAddress: ClientIP(r),
		})
	})
}

func actionFor(method string) (core.AuditAction, bool) {
	switch method {
	case http.MethodPost:
		return core.AuditCreate, true
	case http.MethodPut, http.MethodPatch:
		return core.AuditUpdate, true
	case http.MethodDelete:
		return core.AuditDelete, true
	}
	return "", false
}

// resourceFor walks every path segment so the mapping holds regardless of
// the mount prefix (/api/v1/...).
func resourceFor(r *http.Request) (string, bool) {
	for _, segment := range strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/") {
		if resource, ok := auditResources[segment]; ok {
			return resource, true
		}
	}
	return "", false
}

func pathResourceID(r *http.Request) *uuid.UUID {
	raw, ok := mux.Vars(r)["id"]
	if !ok {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil
	}
	return &id
}
