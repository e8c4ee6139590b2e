package middleware

import (
	"fmt"
	"net/http"

	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
)

// CSRF enforces the double-submit token on state-changing routes. The token
// is the HMAC of the session nonce, so it cannot be minted without the
// server secret and cannot be replayed against another session.
//
// The check runs before authentication: a mutation without a valid token is
// answered 403 whether or not a session exists. Bearer-token requests are
// exempt; they carry no ambient credential a cross-site page could ride on.
type CSRF struct {
	signer *auth.Signer
}

// NewCSRF builds the guard around the session signer.
func NewCSRF(signer *auth.Signer) *CSRF {
	return &CSRF{signer: signer}
}

// Middleware passes safe methods through and requires a matching token on
// everything else.
func (c *CSRF) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) || bearerToken(r) != "" {
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(auth.SessionCookie)
		if err != nil {
			httperr.Write(w, r, fmt.Errorf("csrf check: no session: %w", core.ErrForbidden))
			return
		}
		identity, err := c.signer.Verify(cookie.Value)
		if err != nil {
			httperr.Write(w, r, fmt.Errorf("csrf check: %w", core.ErrForbidden))
			return
		}
		if !c.signer.VerifyCSRF(identity.Nonce, r.Header.Get(auth.CSRFHeader)) {
			httperr.Write(w, r, fmt.Errorf("csrf token missing or invalid: %w", core.ErrForbidden))
			return
		}

		next.ServeHTTP(w, r)
	})
}
