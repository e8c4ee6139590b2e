// Package api exposes the backend over REST/JSON: gorilla/mux routing, one
// handler type per domain, shared error mapping through httperr. Route
// groups differ only in middleware: the public group (login, webhooks) runs
// bare, everything else goes through CSRF → authentication → audit trail.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/circuitbreaker"
	"github.com/pazpaz/backend/internal/clients"
	"github.com/pazpaz/backend/internal/config"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/middleware"
	"github.com/pazpaz/backend/internal/payments"
	"github.com/pazpaz/backend/internal/rag"
	"github.com/pazpaz/backend/internal/scheduling"
	"github.com/pazpaz/backend/internal/session"
	"github.com/pazpaz/backend/internal/store"
)

// Deps carries everything the HTTP surface needs. All fields are required
// unless noted.
type Deps struct {
	Config   *config.Config
	DB       *store.DB
	KV       *kv.Store
	Metrics  *metrics.Metrics
	Registry *prometheus.Registry
	Breakers *circuitbreaker.Registry

	Signer  *auth.Signer
	Auditor *audit.Emitter

	Auth       *auth.Service
	Clients    *clients.Service
	Scheduling *scheduling.Service
	Sessions   *session.Service
	RAG        *rag.Service
	Payments   *payments.Service
}

// Server is the assembled router.
type Server struct {
	router *mux.Router
}

// NewServer builds the route table.
func NewServer(d Deps) *Server {
	secureCookies := d.Config.IsProduction()

	authH := NewAuthHandler(d.Auth, d.Signer, secureCookies)
	clientsH := NewClientsHandler(d.Clients, d.Auditor)
	apptsH := NewAppointmentsHandler(d.Scheduling)
	sessionsH := NewSessionsHandler(d.Sessions, d.Auditor)
	paymentsH := NewPaymentsHandler(d.Payments)
	ragH := NewRAGHandler(d.RAG)
	healthH := NewHealthHandler(d.DB, d.KV, d.Breakers)

	r := mux.NewRouter()
	r.Use(middleware.Recover, middleware.Logging(d.Metrics))

	// Operational endpoints live outside the API prefix.
	r.HandleFunc("/healthz", healthH.Healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", healthH.Readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()

	// Public group: no session, no CSRF. The webhook authenticates by
	// signature, the login routes by possession of the emailed token.
	public := api.NewRoute().Subrouter()
	public.HandleFunc("/auth/magic-link", authH.RequestMagicLink).Methods(http.MethodPost)
	public.HandleFunc("/auth/verify", authH.Verify).Methods(http.MethodGet)
	public.HandleFunc("/auth/logout", authH.Logout).Methods(http.MethodPost)
	public.HandleFunc("/payments/webhook/{provider}", paymentsH.Webhook).Methods(http.MethodPost)

	// Everything else requires a session. CSRF runs first so an
	// unauthenticated mutation answers 403, not 401.
	protected := api.NewRoute().Subrouter()
	protected.Use(
		middleware.NewCSRF(d.Signer).Middleware,
		middleware.NewAuthenticator(d.Signer).Middleware,
		middleware.NewAuditTrail(d.Auditor).Middleware,
	)

	protected.HandleFunc("/auth/me", authH.Me).Methods(http.MethodGet)

	protected.HandleFunc("/clients", clientsH.Create).Methods(http.MethodPost)
	protected.HandleFunc("/clients", clientsH.List).Methods(http.MethodGet)
	protected.HandleFunc("/clients/{id}", clientsH.Get).Methods(http.MethodGet)
	protected.HandleFunc("/clients/{id}", clientsH.Update).Methods(http.MethodPatch)
	protected.HandleFunc("/clients/{id}", clientsH.Delete).Methods(http.MethodDelete)
	protected.HandleFunc("/clients/{id}/permanent", clientsH.PermanentDelete).Methods(http.MethodDelete)

	protected.HandleFunc("/appointments", apptsH.Create).Methods(http.MethodPost)
	protected.HandleFunc("/appointments/conflicts", apptsH.Conflicts).Methods(http.MethodGet)
	protected.HandleFunc("/appointments/{id}", apptsH.Get).Methods(http.MethodGet)
	protected.HandleFunc("/appointments/{id}", apptsH.Update).Methods(http.MethodPut)
	protected.HandleFunc("/appointments/{id}/cancel", apptsH.Cancel).Methods(http.MethodPost)
	protected.HandleFunc("/appointments/{id}", apptsH.Delete).Methods(http.MethodDelete)
	protected.HandleFunc("/appointments/{id}/mark-paid", paymentsH.MarkPaid).Methods(http.MethodPost)
	protected.HandleFunc("/appointments/{id}/mark-unpaid", paymentsH.MarkUnpaid).Methods(http.MethodPost)
	protected.HandleFunc("/appointments/{id}/transactions", paymentsH.ListTransactions).Methods(http.MethodGet)

	protected.HandleFunc("/sessions", sessionsH.Create).Methods(http.MethodPost)
	protected.HandleFunc("/sessions", sessionsH.List).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}", sessionsH.Get).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/draft", sessionsH.Autosave).Methods(http.MethodPatch)
	protected.HandleFunc("/sessions/{id}/finalize", sessionsH.Finalize).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}/unfinalize", sessionsH.Unfinalize).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}", sessionsH.Update).Methods(http.MethodPut)
	protected.HandleFunc("/sessions/{id}", sessionsH.Delete).Methods(http.MethodDelete)
	protected.HandleFunc("/sessions/{id}/restore", sessionsH.Restore).Methods(http.MethodPost)
	protected.HandleFunc("/sessions/{id}/permanent", sessionsH.PermanentDelete).Methods(http.MethodDelete)
	protected.HandleFunc("/sessions/{id}/versions", sessionsH.ListVersions).Methods(http.MethodGet)
	protected.HandleFunc("/sessions/{id}/reindex", sessionsH.Reindex).Methods(http.MethodPost)

	protected.HandleFunc("/payments/create-request", paymentsH.CreateRequest).Methods(http.MethodPost)

	protected.HandleFunc("/ai/query", ragH.Query).Methods(http.MethodPost)

	return &Server{router: r}
}

// Router exposes the handler tree for an http.Server.
func (s *Server) Router() *mux.Router { return s.router }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
