package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/mail"
	"github.com/pazpaz/backend/internal/ratelimit"
	"github.com/pazpaz/backend/internal/store"
)

const (
	magicKeyPrefix   = "auth:magic:"
	magicIDBytes     = 16
	magicSecretBytes = 32
)

// magicRecord is the value stored behind a pending login link. Only the
// bcrypt hash of the secret is at rest; the cleartext lives in the email.
type magicRecord struct {
	UserID      string `json:"user_id"`
	WorkspaceID string `json:"workspace_id"`
	Email       string `json:"email"`
	SecretHash  []byte `json:"secret_hash"`
}

// Service implements the magic-link flow. Issuance is rate limited per
// source IP and never reveals whether an address exists; verification is
// single-use and counts failures toward the global brute-force lockout.
type Service struct {
	users      *store.Users
	workspaces *store.Workspaces
	kv         *kv.Store
	limiter    *ratelimit.Limiter
	signer     *Signer
	mail       *mail.Dispatcher
	auditor    *audit.Emitter
	baseURL    string
	ttl        time.Duration
	logger     *log.Logger
}

// NewService wires the login flow.
func NewService(users *store.Users, workspaces *store.Workspaces, kvStore *kv.Store,
	limiter *ratelimit.Limiter, signer *Signer, mailer *mail.Dispatcher, auditor *audit.Emitter,
	baseURL string, magicTTL time.Duration) *Service {
	if magicTTL <= 0 {
		magicTTL = 15 * time.Minute
	}
	return &Service{
		users:      users,
		workspaces: workspaces,
		kv:         kvStore,
		limiter:    limiter,
		signer:     signer,
		mail:       mailer,
		auditor:    auditor,
		baseURL:    strings.TrimRight(baseURL, "/"),
		ttl:        magicTTL,
		logger:     log.New(log.Writer(), "[AUTH] ", log.LstdFlags),
	}
}

// RequestMagicLink mints a single-use login link for the address and mails
// it. The caller gets the same nil answer whether or not the address exists.
func (s *Service) RequestMagicLink(ctx context.Context, email, ip string) error {
	if err := s.limiter.Allow(ctx, ratelimit.MagicLink, ip); err != nil {
		return err
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return fmt.Errorf("email is required: %w", core.ErrUnprocessable)
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			s.logger.Printf("magic link requested for unknown address")
			return nil
		}
		return err
	}
	if !user.IsActive {
		s.logger.Printf("magic link requested for inactive user %s", user.ID)
		return nil
	}

	token, err := s.mintMagicToken(ctx, user)
	if err != nil {
		return err
	}

	link := fmt.Sprintf("%s/auth/verify?token=%s", s.baseURL, token)
	if s.mail != nil {
		sent := s.mail.Enqueue(mail.Message{
			To:      user.Email,
			Subject: "Your login link",
			Body: fmt.Sprintf("Click to sign in:\n%s\n\nThe link works once and expires in %d minutes.\n",
				link, int(s.ttl.Minutes())),
		})
		if !sent {
			s.logger.Printf("⚠️ magic link email dropped user=%s", user.ID)
		}
	}

	s.auditor.Emit(ctx, audit.Entry{
		UserID:       &user.ID,
		WorkspaceID:  user.WorkspaceID,
		Action:       core.AuditCreate,
		ResourceType: audit.ResourceUser,
		ResourceID:   &user.ID,
		Metadata:     map[string]interface{}{"event": "magic_link_requested"},
		IPAddress:    ip,
	})
	s.logger.Printf("✅ magic link issued user=%s", user.ID)
	return nil
}

// mintMagicToken stores the hashed secret and returns the wire token
// "<id>.<secret>". The id locates the record; the secret proves possession.
func (s *Service) mintMagicToken(ctx context.Context, user *core.User) (string, error) {
	id := make([]byte, magicIDBytes)
	secret := make([]byte, magicSecretBytes)
	if _, err := rand.Read(id); err != nil {
		return "", fmt.Errorf("mint login token: %w", err)
	}
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("mint login token: %w", err)
	}
	idStr := base64.RawURLEncoding.EncodeToString(id)
	secretStr := base64.RawURLEncoding.EncodeToString(secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secretStr), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash login secret: %w", err)
	}

	raw, err := json.Marshal(magicRecord{
		UserID:      user.ID.String(),
		WorkspaceID: user.WorkspaceID.String(),
		Email:       user.Email,
		SecretHash:  hash,
	})
	if err != nil {
		return "", fmt.Errorf("marshal login record: %w", err)
	}
	if err := s.kv.Set(ctx, magicKeyPrefix+idStr, raw, s.ttl); err != nil {
		return "", fmt.Errorf("store login token: %w", err)
	}
	return idStr + "." + secretStr, nil
}

// VerifyMagicLink redeems a login token for a session. The stored record is
// consumed on first lookup whatever the outcome, so a guessed or leaked
// token cannot be retried against the same record.
func (s *Service) VerifyMagicLink(ctx context.Context, token, ip string) (*Session, error) {
	if err := s.limiter.CheckVerificationLockout(ctx); err != nil {
		return nil, err
	}

	idStr, secretStr, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || idStr == "" || secretStr == "" {
		s.limiter.NoteFailedVerification(ctx)
		return nil, fmt.Errorf("malformed login token: %w", core.ErrUnauthenticated)
	}

	raw, found, err := s.kv.GetDel(ctx, magicKeyPrefix+idStr)
	if err != nil {
		return nil, fmt.Errorf("load login token: %w", err)
	}
	if !found {
		s.limiter.NoteFailedVerification(ctx)
		return nil, fmt.Errorf("login token expired or already used: %w", core.ErrUnauthenticated)
	}

	var record magicRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		s.limiter.NoteFailedVerification(ctx)
		return nil, fmt.Errorf("corrupt login record: %w", core.ErrUnauthenticated)
	}
	if bcrypt.CompareHashAndPassword(record.SecretHash, []byte(secretStr)) != nil {
		s.limiter.NoteFailedVerification(ctx)
		return nil, fmt.Errorf("login token mismatch: %w", core.ErrUnauthenticated)
	}

	workspaceID, err := uuid.Parse(record.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("corrupt login record workspace: %w", core.ErrUnauthenticated)
	}
	userID, err := uuid.Parse(record.UserID)
	if err != nil {
		return nil, fmt.Errorf("corrupt login record user: %w", core.ErrUnauthenticated)
	}

	user, err := s.users.Get(ctx, workspaceID, userID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("user no longer exists: %w", core.ErrUnauthenticated)
		}
		return nil, err
	}
	if !user.IsActive {
		return nil, fmt.Errorf("account disabled: %w", core.ErrForbidden)
	}
	if _, err := s.workspaces.GetActive(ctx, user.WorkspaceID); err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("workspace no longer exists: %w", core.ErrForbidden)
		}
		return nil, err
	}

	session, err := s.signer.Mint(user)
	if err != nil {
		return nil, err
	}

	s.auditor.Emit(ctx, audit.Entry{
		UserID:       &user.ID,
		WorkspaceID:  user.WorkspaceID,
		Action:       core.AuditCreate,
		ResourceType: audit.ResourceUser,
		ResourceID:   &user.ID,
		Metadata:     map[string]interface{}{"event": "login"},
		IPAddress:    ip,
	})
	s.logger.Printf("✅ user %s logged in", user.ID)
	return session, nil
}
