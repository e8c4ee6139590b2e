package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pazpaz/backend/internal/core"
)

// ===== SETTLEMENT LADDER =====

func TestSettleAppliesToPendingTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewTransactions(db)
	now := time.Now().UTC()

	tx := &core.PaymentTransaction{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		Status:      core.TxCompleted,
		CompletedAt: &now,
	}

	mock.ExpectExec(`UPDATE payment_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	applied, err := store.Settle(context.Background(), tx)

	require.NoError(t, err)
	assert.True(t, applied)
}

func TestSettleSkipsTerminalTransaction(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewTransactions(db)

	// Terminal rows fall outside the WHERE clause, so a replayed webhook
	// changes nothing and reports as not applied.
	mock.ExpectExec(`UPDATE payment_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := store.Settle(context.Background(), &core.PaymentTransaction{
		ID:          uuid.New(),
		WorkspaceID: uuid.New(),
		Status:      core.TxCompleted,
	})

	require.NoError(t, err)
	assert.False(t, applied)
}

// ===== WEBHOOK LOOKUP =====

func TestGetByProviderTxIDMissingIsNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	store := NewTransactions(db)

	mock.ExpectQuery(`provider_transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetByProviderTxID(context.Background(), uuid.New(), "pp-12345")

	require.ErrorIs(t, err, core.ErrNotFound)
}
