package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
)

// Workspaces persists tenant roots. Provider credentials are PHI-grade
// secrets and ride through the same codec as clinical text.
type Workspaces struct {
	db    Querier
	codec *crypto.Codec
}

// NewWorkspaces builds the store.
func NewWorkspaces(db Querier, codec *crypto.Codec) *Workspaces {
	return &Workspaces{db: db, codec: codec}
}

// WithTx rebinds the store to a transaction.
func (s *Workspaces) WithTx(q Querier) *Workspaces {
	return &Workspaces{db: q, codec: s.codec}
}

const workspaceColumns = `id, name, status, payment_provider, provider_config, payments_enabled,
	vat_registered, vat_rate, currency, payment_send_timing, receipt_counter, created_at, updated_at`

// Create inserts a workspace, sealing the provider config if present.
func (s *Workspaces) Create(ctx context.Context, w *core.Workspace) error {
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	if w.Status == "" {
		w.Status = core.WorkspaceActive
	}
	if w.Currency == "" {
		w.Currency = "ILS"
	}
	now := time.Now().UTC()
	w.CreatedAt, w.UpdatedAt = now, now

	configBlob, err := s.sealConfig(ctx, w.ProviderConfig)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workspaces (id, name, status, payment_provider, provider_config, payments_enabled,
			vat_registered, vat_rate, currency, payment_send_timing, receipt_counter, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		w.ID, w.Name, string(w.Status), w.PaymentProvider, configBlob, w.PaymentsEnabled,
		w.VATRegistered, w.VATRate, w.Currency, w.SendTiming, w.ReceiptCounter, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// Get loads a workspace by id, decrypting its provider config.
func (s *Workspaces) Get(ctx context.Context, id uuid.UUID) (*core.Workspace, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	return s.scan(ctx, row)
}

// GetActive loads a workspace and requires it to be active. Suspended and
// deleted workspaces answer ErrForbidden so the caller can distinguish
// "no such tenant" from "tenant turned off".
func (s *Workspaces) GetActive(ctx context.Context, id uuid.UUID) (*core.Workspace, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != core.WorkspaceActive {
		return nil, fmt.Errorf("workspace is %s: %w", w.Status, core.ErrForbidden)
	}
	return w, nil
}

// UpdatePaymentSettings replaces the payment configuration block.
func (s *Workspaces) UpdatePaymentSettings(ctx context.Context, w *core.Workspace) error {
	configBlob, err := s.sealConfig(ctx, w.ProviderConfig)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET payment_provider = $2, provider_config = $3, payments_enabled = $4,
			vat_registered = $5, vat_rate = $6, currency = $7, payment_send_timing = $8,
			updated_at = $9
		WHERE id = $1`,
		w.ID, w.PaymentProvider, configBlob, w.PaymentsEnabled,
		w.VATRegistered, w.VATRate, w.Currency, w.SendTiming, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("update workspace payment settings: %w", err)
	}
	return requireRow(res, "workspace")
}

// ClaimReceiptNumber atomically increments the workspace's receipt counter
// and returns the claimed value. The row lock taken by UPDATE makes the
// sequence gapless across concurrent issuances.
func (s *Workspaces) ClaimReceiptNumber(ctx context.Context, id uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE workspaces
		SET receipt_counter = receipt_counter + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING receipt_counter`, id).Scan(&n)
	if err != nil {
		return 0, notFound(err, "workspace")
	}
	return n, nil
}

func (s *Workspaces) sealConfig(ctx context.Context, config map[string]string) ([]byte, error) {
	if len(config) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("marshal provider config: %w", err)
	}
	blob, err := s.codec.Encrypt(ctx, string(raw))
	if err != nil {
		return nil, fmt.Errorf("seal provider config: %w", err)
	}
	return blob, nil
}

func (s *Workspaces) scan(ctx context.Context, row interface{ Scan(...interface{}) error }) (*core.Workspace, error) {
	var (
		w          core.Workspace
		status     string
		configBlob []byte
	)
	err := row.Scan(&w.ID, &w.Name, &status, &w.PaymentProvider, &configBlob, &w.PaymentsEnabled,
		&w.VATRegistered, &w.VATRate, &w.Currency, &w.SendTiming, &w.ReceiptCounter,
		&w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "workspace")
	}

	w.Status, err = core.ParseWorkspaceStatus(status)
	if err != nil {
		return nil, fmt.Errorf("workspace %s: %w", w.ID, err)
	}

	if len(configBlob) > 0 {
		raw, err := s.codec.Decrypt(ctx, configBlob)
		if err != nil {
			return nil, fmt.Errorf("open provider config: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &w.ProviderConfig); err != nil {
			return nil, fmt.Errorf("parse provider config: %w", err)
		}
	}
	return &w, nil
}

// ============================================================================
// USERS
// ============================================================================

// Users persists therapist accounts.
type Users struct {
	db Querier
}

// NewUsers builds the store.
func NewUsers(db Querier) *Users {
	return &Users{db: db}
}

// Create inserts a user.
func (s *Users) Create(ctx context.Context, u *core.User) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, workspace_id, email, is_active, totp_enabled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ID, u.WorkspaceID, u.Email, u.IsActive, u.TOTPEnabled, u.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// Get loads a user scoped to a workspace.
func (s *Users) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, is_active, totp_enabled, created_at
		FROM users WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	return scanUser(row)
}

// GetByEmail resolves a user by address across workspaces. Used only by the
// identity layer, which has no workspace yet; everything downstream of
// authentication is scoped.
func (s *Users) GetByEmail(ctx context.Context, email string) (*core.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, email, is_active, totp_enabled, created_at
		FROM users WHERE lower(email) = lower($1)`, email)
	return scanUser(row)
}

func scanUser(row interface{ Scan(...interface{}) error }) (*core.User, error) {
	var u core.User
	err := row.Scan(&u.ID, &u.WorkspaceID, &u.Email, &u.IsActive, &u.TOTPEnabled, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}
