package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
)

// Clients persists therapy patients. The eight identity and history fields
// are sealed per-field on write and opened on scan; plaintext never touches
// the wire to Postgres.
type Clients struct {
	db    Querier
	codec *crypto.Codec
}

// NewClients builds the store.
func NewClients(db Querier, codec *crypto.Codec) *Clients {
	return &Clients{db: db, codec: codec}
}

// WithTx rebinds the store to a transaction.
func (s *Clients) WithTx(q Querier) *Clients {
	return &Clients{db: q, codec: s.codec}
}

const clientColumns = `id, workspace_id, first_name, last_name, email, phone, address,
	medical_history, emergency_contact, notes, date_of_birth, consent_given, is_active,
	tags, created_at, updated_at`

// Create inserts a client.
func (s *Clients) Create(ctx context.Context, c *core.Client) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now

	fc := newFieldCryptor(ctx, s.codec)
	firstName := fc.seal(c.FirstName)
	lastName := fc.seal(c.LastName)
	email := fc.seal(c.Email)
	phone := fc.seal(c.Phone)
	address := fc.seal(c.Address)
	history := fc.seal(c.MedicalHistory)
	emergency := fc.seal(c.EmergencyContact)
	notes := fc.seal(c.Notes)
	if fc.err != nil {
		return fc.err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (id, workspace_id, first_name, last_name, email, phone, address,
			medical_history, emergency_contact, notes, date_of_birth, consent_given, is_active,
			tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		c.ID, c.WorkspaceID, firstName, lastName, email, phone, address,
		history, emergency, notes, nullTime(c.DateOfBirth), c.ConsentGiven, c.IsActive,
		pq.Array(c.Tags), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert client: %w", err)
	}
	return nil
}

// Get loads one client in the workspace.
func (s *Clients) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.Client, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE workspace_id = $1 AND id = $2`,
		workspaceID, id)
	return s.scan(ctx, row)
}

// GetBatch loads several clients in one query, preserving no particular
// order. Ids from other workspaces are silently absent from the result.
func (s *Clients) GetBatch(ctx context.Context, workspaceID uuid.UUID, ids []uuid.UUID) (map[uuid.UUID]*core.Client, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]*core.Client{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM clients WHERE workspace_id = $1 AND id = ANY($2)`,
		workspaceID, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load clients: %w", err)
	}
	defer rows.Close()

	out := make(map[uuid.UUID]*core.Client, len(ids))
	for rows.Next() {
		c, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// List returns active clients in the workspace ordered by creation time.
func (s *Clients) List(ctx context.Context, workspaceID uuid.UUID, includeInactive bool, limit, offset int) ([]*core.Client, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := `SELECT ` + clientColumns + ` FROM clients WHERE workspace_id = $1`
	if !includeInactive {
		query += ` AND is_active`
	}
	query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`

	rows, err := s.db.QueryContext(ctx, query, workspaceID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []*core.Client
	for rows.Next() {
		c, err := s.scan(ctx, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update rewrites the full row from the in-memory entity. The service layer
// applies patches before calling this.
func (s *Clients) Update(ctx context.Context, c *core.Client) error {
	c.UpdatedAt = time.Now().UTC()

	fc := newFieldCryptor(ctx, s.codec)
	firstName := fc.seal(c.FirstName)
	lastName := fc.seal(c.LastName)
	email := fc.seal(c.Email)
	phone := fc.seal(c.Phone)
	address := fc.seal(c.Address)
	history := fc.seal(c.MedicalHistory)
	emergency := fc.seal(c.EmergencyContact)
	notes := fc.seal(c.Notes)
	if fc.err != nil {
		return fc.err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE clients
		SET first_name = $3, last_name = $4, email = $5, phone = $6, address = $7,
			medical_history = $8, emergency_contact = $9, notes = $10, date_of_birth = $11,
			consent_given = $12, is_active = $13, tags = $14, updated_at = $15
		WHERE workspace_id = $1 AND id = $2`,
		c.WorkspaceID, c.ID, firstName, lastName, email, phone, address,
		history, emergency, notes, nullTime(c.DateOfBirth),
		c.ConsentGiven, c.IsActive, pq.Array(c.Tags), c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update client: %w", err)
	}
	return requireRow(res, "client")
}

// SoftDelete marks the client inactive.
func (s *Clients) SoftDelete(ctx context.Context, workspaceID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE clients SET is_active = FALSE, updated_at = NOW()
		WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("soft-delete client: %w", err)
	}
	return requireRow(res, "client")
}

// HardDelete removes the row; appointments and client vectors cascade via
// foreign keys.
func (s *Clients) HardDelete(ctx context.Context, workspaceID, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM clients WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	if err != nil {
		return fmt.Errorf("delete client: %w", err)
	}
	return requireRow(res, "client")
}

func (s *Clients) scan(ctx context.Context, row interface{ Scan(...interface{}) error }) (*core.Client, error) {
	var (
		c         core.Client
		firstName []byte
		lastName  []byte
		email     []byte
		phone     []byte
		address   []byte
		history   []byte
		emergency []byte
		notes     []byte
		dob       sql.NullTime
		tags      pq.StringArray
	)
	err := row.Scan(&c.ID, &c.WorkspaceID, &firstName, &lastName, &email, &phone, &address,
		&history, &emergency, &notes, &dob, &c.ConsentGiven, &c.IsActive,
		&tags, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, notFound(err, "client")
	}

	fc := newFieldCryptor(ctx, s.codec)
	c.FirstName = fc.open(firstName)
	c.LastName = fc.open(lastName)
	c.Email = fc.open(email)
	c.Phone = fc.open(phone)
	c.Address = fc.open(address)
	c.MedicalHistory = fc.open(history)
	c.EmergencyContact = fc.open(emergency)
	c.Notes = fc.open(notes)
	if fc.err != nil {
		return nil, fc.err
	}

	c.DateOfBirth = timePtr(dob)
	c.Tags = tags
	return &c, nil
}
