package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pazpaz/backend/internal/circuitbreaker"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/store"
)

// healthCheckTimeout bounds each dependency probe.
const healthCheckTimeout = 5 * time.Second

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db       *store.DB
	kv       *kv.Store
	breakers *circuitbreaker.Registry
}

// NewHealthHandler builds the handler. kv and breakers may be nil.
func NewHealthHandler(db *store.DB, kvStore *kv.Store, breakers *circuitbreaker.Registry) *HealthHandler {
	return &HealthHandler{db: db, kv: kvStore, breakers: breakers}
}

// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GET /readyz
//
// Ready means the database answers. The KV store degrades gracefully
// everywhere it is used, so its state is reported but does not gate
// readiness; breaker states ride along for operators.
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	body := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if err := h.db.PingContext(ctx); err != nil {
		body["status"] = "degraded"
		body["database"] = "unreachable"
		status = http.StatusServiceUnavailable
	} else {
		body["database"] = "ok"
	}

	if h.kv != nil {
		if err := h.kv.Ping(ctx); err != nil {
			body["kv"] = "unreachable"
		} else {
			body["kv"] = "ok"
		}
	}

	if h.breakers != nil {
		body["breakers"] = h.breakers.Stats()
	}

	httperr.WriteJSON(w, status, body)
}
