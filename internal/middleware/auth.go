package middleware

import (
	"fmt"
	"net/http"

	"github.com/pazpaz/backend/internal/auth"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
)

// Authenticator resolves the caller's identity from the signed session
// cookie, or from a bearer token carrying the same credential for
// non-browser clients, and injects it into the request context.
type Authenticator struct {
	signer *auth.Signer
}

// NewAuthenticator builds the middleware around the session signer.
func NewAuthenticator(signer *auth.Signer) *Authenticator {
	return &Authenticator{signer: signer}
}

// Middleware rejects requests without a verifiable session with 401.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			cookie, err := r.Cookie(auth.SessionCookie)
			if err != nil {
				httperr.Write(w, r, fmt.Errorf("no session: %w", core.ErrUnauthenticated))
				return
			}
			token = cookie.Value
		}

		identity, err := a.signer.Verify(token)
		if err != nil {
			httperr.Write(w, r, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), identity)))
	})
}
