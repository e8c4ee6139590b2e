package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/core"
)

// Transactions persists payment transactions. Settlement writes are guarded
// by a monotonic status ladder in SQL: once a row reaches a terminal state,
// replayed webhooks cannot move it, whatever the idempotency cache says.
type Transactions struct {
	db Querier
}

// NewTransactions builds the store.
func NewTransactions(db Querier) *Transactions {
	return &Transactions{db: db}
}

// WithTx rebinds the store to a transaction.
func (s *Transactions) WithTx(q Querier) *Transactions {
	return &Transactions{db: q}
}

const transactionColumns = `id, workspace_id, appointment_id, base_amount, vat_amount,
	total_amount, currency, payment_method, status, provider, provider_transaction_id,
	provider_payment_link, receipt_number, created_at, completed_at, failed_at, refunded_at,
	failure_reason, provider_metadata`

// Create inserts a transaction.
func (s *Transactions) Create(ctx context.Context, t *core.PaymentTransaction) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.CreatedAt = time.Now().UTC()

	metadata, err := marshalMetadata(t.ProviderMetadata)
	if err != nil {
		return err
	}
	var appointmentID interface{}
	if t.AppointmentID != nil {
		appointmentID = *t.AppointmentID
	}
	var receipt interface{}
	if t.ReceiptNumber != nil {
		receipt = *t.ReceiptNumber
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO payment_transactions (id, workspace_id, appointment_id, base_amount, vat_amount,
			total_amount, currency, payment_method, status, provider, provider_transaction_id,
			provider_payment_link, receipt_number, created_at, completed_at, failed_at, refunded_at,
			failure_reason, provider_metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		t.ID, t.WorkspaceID, appointmentID, t.BaseAmount, t.VATAmount,
		t.TotalAmount, t.Currency, t.PaymentMethod, string(t.Status), t.Provider,
		t.ProviderTransactionID, t.ProviderPaymentLink, receipt, t.CreatedAt,
		nullTime(t.CompletedAt), nullTime(t.FailedAt), nullTime(t.RefundedAt),
		t.FailureReason, metadata,
	)
	if err != nil {
		return fmt.Errorf("insert payment transaction: %w", err)
	}
	return nil
}

// Get loads one transaction in the workspace.
func (s *Transactions) Get(ctx context.Context, workspaceID, id uuid.UUID) (*core.PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE workspace_id = $1 AND id = $2`, workspaceID, id)
	return scanTransaction(row)
}

// GetByProviderTxID resolves the row a webhook refers to.
func (s *Transactions) GetByProviderTxID(ctx context.Context, workspaceID uuid.UUID, providerTxID string) (*core.PaymentTransaction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE workspace_id = $1 AND provider_transaction_id = $2`,
		workspaceID, providerTxID)
	return scanTransaction(row)
}

// ListByAppointment returns an appointment's transactions newest first.
func (s *Transactions) ListByAppointment(ctx context.Context, workspaceID, appointmentID uuid.UUID) ([]*core.PaymentTransaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM payment_transactions
		WHERE workspace_id = $1 AND appointment_id = $2
		ORDER BY created_at DESC`, workspaceID, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list payment transactions: %w", err)
	}
	defer rows.Close()

	var out []*core.PaymentTransaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Settle applies a webhook-driven status move. The WHERE clause excludes
// terminal rows, so a replayed or late webhook against a completed, refunded
// or cancelled transaction changes nothing and reports applied=false.
func (s *Transactions) Settle(ctx context.Context, t *core.PaymentTransaction) (bool, error) {
	metadata, err := marshalMetadata(t.ProviderMetadata)
	if err != nil {
		return false, err
	}
	var receipt interface{}
	if t.ReceiptNumber != nil {
		receipt = *t.ReceiptNumber
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE payment_transactions
		SET status = $3, completed_at = $4, failed_at = $5, refunded_at = $6,
			failure_reason = $7, provider_metadata = COALESCE($8, provider_metadata),
			receipt_number = COALESCE($9, receipt_number)
		WHERE workspace_id = $1 AND id = $2
		  AND status NOT IN ('completed', 'refunded', 'cancelled')`,
		t.WorkspaceID, t.ID, string(t.Status),
		nullTime(t.CompletedAt), nullTime(t.FailedAt), nullTime(t.RefundedAt),
		t.FailureReason, metadata, receipt,
	)
	if err != nil {
		return false, fmt.Errorf("settle payment transaction: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("settle rows affected: %w", err)
	}
	return n > 0, nil
}

func marshalMetadata(m map[string]interface{}) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal provider metadata: %w", err)
	}
	return raw, nil
}

func scanTransaction(row interface{ Scan(...interface{}) error }) (*core.PaymentTransaction, error) {
	var (
		t             core.PaymentTransaction
		appointmentID sql.NullString
		status        string
		link          sql.NullString
		receipt       sql.NullInt64
		completedAt   sql.NullTime
		failedAt      sql.NullTime
		refundedAt    sql.NullTime
		failureReason sql.NullString
		metadata      []byte
	)
	err := row.Scan(&t.ID, &t.WorkspaceID, &appointmentID, &t.BaseAmount, &t.VATAmount,
		&t.TotalAmount, &t.Currency, &t.PaymentMethod, &status, &t.Provider,
		&t.ProviderTransactionID, &link, &receipt, &t.CreatedAt,
		&completedAt, &failedAt, &refundedAt, &failureReason, &metadata)
	if err != nil {
		return nil, notFound(err, "payment transaction")
	}

	if t.Status, err = core.ParseTransactionStatus(status); err != nil {
		return nil, fmt.Errorf("transaction %s: %w", t.ID, err)
	}
	if appointmentID.Valid {
		id, err := uuid.Parse(appointmentID.String)
		if err != nil {
			return nil, fmt.Errorf("transaction %s appointment id: %w", t.ID, err)
		}
		t.AppointmentID = &id
	}
	if receipt.Valid {
		n := receipt.Int64
		t.ReceiptNumber = &n
	}
	t.ProviderPaymentLink = link.String
	t.CompletedAt = timePtr(completedAt)
	t.FailedAt = timePtr(failedAt)
	t.RefundedAt = timePtr(refundedAt)
	t.FailureReason = failureReason.String
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &t.ProviderMetadata); err != nil {
			return nil, fmt.Errorf("transaction %s metadata: %w", t.ID, err)
		}
	}
	return &t, nil
}
