package api

import (
	"fmt"
	"net/http"

	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/middleware"
)

// AuthHandler serves the passwordless login flow and session cookies.
type AuthHandler struct {
	service *auth.Service
	signer  *auth.Signer
	secure  bool
}

// NewAuthHandler builds the handler. secure controls the cookie Secure flag
// and is on in production.
func NewAuthHandler(service *auth.Service, signer *auth.Signer, secure bool) *AuthHandler {
	return &AuthHandler{service: service, signer: signer, secure: secure}
}

// POST /auth/magic-link
//
// The response is identical whether or not the address exists; only rate
// limiting and malformed input produce errors.
func (h *AuthHandler) RequestMagicLink(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	if err := h.service.RequestMagicLink(r.Context(), req.Email, middleware.ClientIP(r)); err != nil {
		httperr.Write(w, r, err)
		return
	}

	httperr.WriteJSON(w, http.StatusOK, map[string]string{
		"message": "If the address exists, a login link is on its way.",
	})
}

// GET /auth/verify?token=...
func (h *AuthHandler) Verify(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		httperr.Write(w, r, fmt.Errorf("token is required: %w", core.ErrBadRequest))
		return
	}

	session, err := h.service.VerifyMagicLink(r.Context(), token, middleware.ClientIP(r))
	if err != nil {
		httperr.Write(w, r, err)
		return
	}

	h.setSessionCookies(w, session)
	httperr.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      session.Identity.UserID,
		"workspace_id": session.Identity.WorkspaceID,
		"email":        session.Identity.Email,
		"expires_at":   session.ExpiresAt,
		"csrf_token":   session.CSRFToken,
	})
}

// POST /auth/logout
//
// Sessions are stateless, so logout is cookie clearing. An absent session
// still answers 200; the outcome is the same either way.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.clearSessionCookies(w)
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":      identity.UserID,
		"workspace_id": identity.WorkspaceID,
		"email":        identity.Email,
	})
}

func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, session *auth.Session) {
	http.SetCookie(w, &http.Cookie{
		Name:     auth.SessionCookie,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
	// The CSRF cookie is readable by the frontend, which echoes its value in
	// the request header.
	http.SetCookie(w, &http.Cookie{
		Name:     auth.CSRFCookie,
		Value:    session.CSRFToken,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: false,
		Secure:   h.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	for _, name := range []string{auth.SessionCookie, auth.CSRFCookie} {
		http.SetCookie(w, &http.Cookie{
			Name:     name,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: name == auth.SessionCookie,
			Secure:   h.secure,
			SameSite: http.SameSiteLaxMode,
		})
	}
}
