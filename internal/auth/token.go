// Package auth implements passwordless login: single-use magic links stored
// hashed in the key-value store, HMAC-signed session cookies, and the CSRF
// tokens derived from them. Sessions are stateless; logout is cookie
// clearing at the HTTP layer.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
)

// Cookie and header names shared with the HTTP layer.
const (
	SessionCookie = "pazpaz_session"
	CSRFCookie    = "pazpaz_csrf"
	CSRFHeader    = "X-CSRF-Token"
)

// Identity is the authenticated principal attached to a request context.
type Identity struct {
	UserID      uuid.UUID
	WorkspaceID uuid.UUID
	Email       string

	// Nonce is minted per login and binds CSRF tokens to this session.
	Nonce string
}

type contextKey struct{ name string }

var identityContextKey = contextKey{"identity"}

// WithIdentity attaches the authenticated principal to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFrom returns the authenticated principal, if any.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// Session is a minted login: the signed cookie value, its CSRF twin and the
// expiry both share.
type Session struct {
	Token     string
	CSRFToken string
	ExpiresAt time.Time
	Identity  Identity
}

type sessionClaims struct {
	UserID      uuid.UUID `json:"uid"`
	WorkspaceID uuid.UUID `json:"wid"`
	Email       string    `json:"eml"`
	Nonce       string    `json:"nce"`
	ExpiresAt   int64     `json:"exp"`
}

// Signer mints and verifies session tokens. A token is
// base64url(claims) + "." + base64url(HMAC-SHA256(claims)); nothing in it is
// secret, only unforgeable.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewSigner builds a signer from the session secret.
func NewSigner(secret []byte, ttl time.Duration) *Signer {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Signer{secret: secret, ttl: ttl, now: time.Now}
}

// Mint issues a session for the user with a fresh nonce.
func (s *Signer) Mint(user *core.User) (*Session, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("mint session nonce: %w", err)
	}

	identity := Identity{
		UserID:      user.ID,
		WorkspaceID: user.WorkspaceID,
		Email:       user.Email,
		Nonce:       base64.RawURLEncoding.EncodeToString(nonce),
	}
	expiresAt := s.now().Add(s.ttl)

	payload, err := json.Marshal(sessionClaims{
		UserID:      identity.UserID,
		WorkspaceID: identity.WorkspaceID,
		Email:       identity.Email,
		Nonce:       identity.Nonce,
		ExpiresAt:   expiresAt.Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal session claims: %w", err)
	}

	body := base64.RawURLEncoding.EncodeToString(payload)
	return &Session{
		Token:     body + "." + s.sign(body),
		CSRFToken: s.CSRFToken(identity.Nonce),
		ExpiresAt: expiresAt,
		Identity:  identity,
	}, nil
}

// Verify parses a session token and returns the identity it carries. Every
// failure mode answers core.ErrUnauthenticated.
func (s *Signer) Verify(token string) (*Identity, error) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok || body == "" || sig == "" {
		return nil, fmt.Errorf("malformed session token: %w", core.ErrUnauthenticated)
	}

	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("malformed session signature: %w", core.ErrUnauthenticated)
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return nil, fmt.Errorf("session signature mismatch: %w", core.ErrUnauthenticated)
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("malformed session payload: %w", core.ErrUnauthenticated)
	}
	var claims sessionClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("parse session claims: %w", core.ErrUnauthenticated)
	}

	if time.Unix(claims.ExpiresAt, 0).Before(s.now()) {
		return nil, fmt.Errorf("session expired: %w", core.ErrUnauthenticated)
	}

	return &Identity{
		UserID:      claims.UserID,
		WorkspaceID: claims.WorkspaceID,
		Email:       claims.Email,
		Nonce:       claims.Nonce,
	}, nil
}

func (s *Signer) sign(body string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// CSRFToken derives the double-submit value for a session nonce. The token
// is handed to the client in a readable cookie and must come back in the
// X-CSRF-Token header on every state-changing request.
func (s *Signer) CSRFToken(nonce string) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte("csrf:" + nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyCSRF checks a submitted token against the session nonce.
func (s *Signer) VerifyCSRF(nonce, token string) bool {
	return hmac.Equal([]byte(token), []byte(s.CSRFToken(nonce)))
}
