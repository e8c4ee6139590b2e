package payments

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/circuitbreaker"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/mail"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/store"
)

// webhookIdempotencyTTL is how long a processed delivery blocks replays in
// the key-value store. The status ladder in SQL backstops anything older.
const webhookIdempotencyTTL = 24 * time.Hour

// errAlreadySettled aborts a settlement transaction that lost the race to a
// concurrent delivery, rolling back any receipt number claimed inside it.
var errAlreadySettled = errors.New("transaction already settled")

// Service orchestrates payment-link issuance and webhook settlement.
//
// Link creation and its appointment update commit together; the follow-up
// email is best-effort. Webhook settlement is idempotent twice over: a
// key-value idempotency key short-circuits replays, and the conditional
// settle statement refuses to move a terminal transaction.
type Service struct {
	db           *store.DB
	workspaces   *store.Workspaces
	appointments *store.Appointments
	clients      *store.Clients
	transactions *store.Transactions
	kv           *kv.Store
	breaker      *circuitbreaker.CircuitBreaker
	mail         *mail.Dispatcher
	auditor      *audit.Emitter
	metrics      *metrics.Metrics
	logger       *log.Logger
	now          func() time.Time
	newProvider  func(*core.Workspace) (Provider, error)
}

// NewService wires the payment orchestrator.
func NewService(
	db *store.DB,
	workspaces *store.Workspaces,
	appointments *store.Appointments,
	clients *store.Clients,
	transactions *store.Transactions,
	kvStore *kv.Store,
	breaker *circuitbreaker.CircuitBreaker,
	mailer *mail.Dispatcher,
	auditor *audit.Emitter,
	m *metrics.Metrics,
) *Service {
	return &Service{
		db:           db,
		workspaces:   workspaces,
		appointments: appointments,
		clients:      clients,
		transactions: transactions,
		kv:           kvStore,
		breaker:      breaker,
		mail:         mailer,
		auditor:      auditor,
		metrics:      m,
		logger:       log.New(log.Writer(), "[PAYMENTS] ", log.LstdFlags),
		now:          time.Now,
		newProvider:  ForWorkspace,
	}
}

// ============================================================================
// CREATE PAYMENT REQUEST
// ============================================================================

// CreateRequest asks for a payment link covering one appointment.
type CreateRequest struct {
	WorkspaceID   uuid.UUID
	UserID        uuid.UUID
	AppointmentID uuid.UUID

	// CustomerEmail overrides the client's stored address when set.
	CustomerEmail string

	IPAddress string
}

// CreatePaymentRequest issues a provider payment link for the appointment's
// price, records a pending transaction, and marks the appointment
// payment_sent. Provider rejections still leave a failed transaction behind
// before the error propagates.
func (s *Service) CreatePaymentRequest(ctx context.Context, req CreateRequest) (*core.PaymentTransaction, error) {
	ws, err := s.workspaces.GetActive(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !ws.PaymentsEnabled {
		return nil, fmt.Errorf("payments are not enabled for this workspace: %w", core.ErrUnprocessable)
	}

	appt, err := s.appointments.Get(ctx, ws.ID, req.AppointmentID)
	if err != nil {
		return nil, err
	}
	if appt.PaymentPrice <= 0 {
		return nil, fmt.Errorf("appointment %s has price %.2f: %w", appt.ID, appt.PaymentPrice, ErrInvalidAmount)
	}

	client, err := s.clients.Get(ctx, ws.ID, appt.ClientID)
	if err != nil {
		return nil, err
	}
	email := strings.TrimSpace(req.CustomerEmail)
	if email == "" {
		email = client.Email
	}

	breakdown, err := SplitVAT(appt.PaymentPrice, ws.VATRegistered, ws.VATRate)
	if err != nil {
		return nil, err
	}
	currency := ws.Currency
	if currency == "" {
		currency = "ILS"
	}

	provider, err := s.newProvider(ws)
	if err != nil {
		return nil, err
	}

	link, err := circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (*PaymentLink, error) {
		return provider.CreatePaymentLink(ctx, LinkRequest{
			Amount:        breakdown.Total,
			Currency:      currency,
			Description:   fmt.Sprintf("Treatment for %s on %s", client.FullName(), appt.ScheduledStart.Format("2006-01-02 15:04")),
			CustomerEmail: email,
			Metadata: map[string]string{
				"workspace_id":   ws.ID.String(),
				"appointment_id": appt.ID.String(),
			},
		})
	})
	if err != nil {
		s.metrics.RecordPaymentLink(provider.Name(), false)
		s.logger.Printf("❌ payment link failed (appt=%s provider=%s): %v", appt.ID, provider.Name(), err)

		var pErr *ProviderError
		if errors.Is(err, ErrInvalidCredentials) || errors.As(err, &pErr) {
			s.recordFailedLink(ctx, ws, appt, provider.Name(), breakdown, currency, err)
		}
		return nil, err
	}

	tx := &core.PaymentTransaction{
		WorkspaceID:           ws.ID,
		AppointmentID:         &appt.ID,
		BaseAmount:            breakdown.Base,
		VATAmount:             breakdown.VAT,
		TotalAmount:           breakdown.Total,
		Currency:              currency,
		PaymentMethod:         "online_card",
		Status:                core.TxPending,
		Provider:              provider.Name(),
		ProviderTransactionID: link.ProviderTransactionID,
		ProviderPaymentLink:   link.URL,
	}
	err = s.db.Transact(ctx, func(q store.Querier) error {
		if err := s.transactions.WithTx(q).Create(ctx, tx); err != nil {
			return err
		}
		return s.appointments.WithTx(q).SetPaymentStatus(ctx, ws.ID, appt.ID, core.PaymentSent, "online_card", nil)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordPaymentLink(provider.Name(), true)
	s.auditor.Emit(ctx, audit.Entry{
		UserID:       &req.UserID,
		WorkspaceID:  ws.ID,
		Action:       core.AuditCreate,
		ResourceType: audit.ResourceTransaction,
		ResourceID:   &tx.ID,
		Metadata: map[string]interface{}{
			"appointment_id": appt.ID.String(),
			"provider":       provider.Name(),
			"total_amount":   breakdown.Total,
		},
		IPAddress: req.IPAddress,
	})

	s.sendPaymentRequestMail(email, client.FullName(), appt.ScheduledStart, link.URL, breakdown.Total, currency)
	s.logger.Printf("✅ payment link created tx=%s appt=%s total=%.2f %s", tx.ID, appt.ID, breakdown.Total, currency)
	return tx, nil
}

// recordFailedLink persists the failed attempt so the appointment's payment
// history shows it. Best-effort: the typed provider error is what propagates.
func (s *Service) recordFailedLink(ctx context.Context, ws *core.Workspace, appt *core.Appointment,
	providerName string, breakdown VATBreakdown, currency string, cause error) {
	now := s.now().UTC()
	failed := &core.PaymentTransaction{
		WorkspaceID:   ws.ID,
		AppointmentID: &appt.ID,
		BaseAmount:    breakdown.Base,
		VATAmount:     breakdown.VAT,
		TotalAmount:   breakdown.Total,
		Currency:      currency,
		PaymentMethod: "online_card",
		Status:        core.TxFailed,
		Provider:      providerName,
		FailedAt:      &now,
		FailureReason: cause.Error(),
	}
	if err := s.transactions.Create(ctx, failed); err != nil {
		s.logger.Printf("⚠️ could not record failed payment attempt (appt=%s): %v", appt.ID, err)
	}
}

func (s *Service) sendPaymentRequestMail(to, clientName string, start time.Time, linkURL string, total float64, currency string) {
	if s.mail == nil || to == "" {
		return
	}
	msg := mail.Message{
		To:      to,
		Subject: fmt.Sprintf("Payment request - %.2f %s", total, currency),
		Body: fmt.Sprintf("Hi %s,\n\nPlease complete the payment for your appointment on %s:\n%s\n\nTotal: %.2f %s\n",
			clientName, start.Format("Mon, 02 Jan 2006 15:04"), linkURL, total, currency),
	}
	if !s.mail.Enqueue(msg) {
		s.logger.Printf("⚠️ payment request email dropped to=%s", to)
	}
}

// ============================================================================
// WEBHOOK SETTLEMENT
// ============================================================================

// ProcessWebhook verifies, parses and applies one provider delivery. The
// returned transaction reflects the post-settlement row. Callers translate
// every error into a 200 response; errors here are for logs and metrics.
func (s *Service) ProcessWebhook(ctx context.Context, workspaceID uuid.UUID, providerName string, body []byte, header http.Header) (*core.PaymentTransaction, error) {
	ws, err := s.workspaces.Get(ctx, workspaceID)
	if err != nil {
		return nil, err
	}

	provider, err := s.newProvider(ws)
	if err != nil {
		return nil, err
	}
	if provider.Name() != providerName {
		return nil, fmt.Errorf("delivery addressed provider %q but workspace uses %q: %w",
			providerName, provider.Name(), ErrProviderNotConfigured)
	}

	ok, err := provider.VerifyWebhook(body, header)
	if err != nil {
		s.metrics.RecordWebhookEvent(providerName, "invalid_signature")
		s.logger.Printf("🚨 webhook signature header rejected (ws=%s): %v", ws.ID, err)
		return nil, err
	}
	if !ok {
		s.metrics.RecordWebhookEvent(providerName, "invalid_signature")
		s.logger.Printf("🚨 webhook signature mismatch (ws=%s provider=%s)", ws.ID, providerName)
		return nil, ErrWebhookVerification
	}

	data, err := provider.ParseWebhookPayment(body)
	if err != nil {
		s.metrics.RecordWebhookEvent(providerName, "parse_error")
		return nil, err
	}

	// Idempotency key. A lost key-value store degrades to the status ladder.
	claimed := true
	if s.kv != nil {
		won, err := s.kv.SetNX(ctx, "webhook:"+data.ProviderTransactionID, []byte("1"), webhookIdempotencyTTL)
		if err != nil {
			s.logger.Printf("⚠️ idempotency store unavailable, relying on status ladder: %v", err)
		} else {
			claimed = won
		}
	}
	if !claimed {
		s.metrics.RecordWebhookEvent(providerName, "duplicate")
		s.logger.Printf("webhook replay short-circuited ptid=%s", data.ProviderTransactionID)
		return s.loadByProviderTxID(ctx, ws.ID, data.ProviderTransactionID)
	}

	tx, err := s.loadByProviderTxID(ctx, ws.ID, data.ProviderTransactionID)
	if err != nil {
		s.metrics.RecordWebhookEvent(providerName, "unknown_transaction")
		return nil, err
	}
	if tx.Status.Terminal() {
		s.metrics.RecordWebhookEvent(providerName, "replayed")
		s.logger.Printf("webhook for terminal transaction ignored tx=%s status=%s", tx.ID, tx.Status)
		return tx, nil
	}

	now := s.now().UTC()
	tx.Status = data.Status
	switch data.Status {
	case core.TxCompleted:
		at := now
		if data.CompletedAt != nil {
			at = data.CompletedAt.UTC()
		}
		tx.CompletedAt = &at
	case core.TxFailed:
		tx.FailedAt = &now
		tx.FailureReason = data.FailureReason
	case core.TxRefunded:
		tx.RefundedAt = &now
	}
	if len(data.Metadata) > 0 {
		tx.ProviderMetadata = data.Metadata
	}

	// A receipt is issued once, at the moment the payment completes.
	needReceipt := data.Status == core.TxCompleted && ws.VATRegistered && tx.ReceiptNumber == nil

	err = s.db.Transact(ctx, func(q store.Querier) error {
		if needReceipt {
			n, err := s.workspaces.WithTx(q).ClaimReceiptNumber(ctx, ws.ID)
			if err != nil {
				return err
			}
			tx.ReceiptNumber = &n
		}

		applied, err := s.transactions.WithTx(q).Settle(ctx, tx)
		if err != nil {
			return err
		}
		if !applied {
			// Roll back so a claimed receipt number is never burned.
			return errAlreadySettled
		}

		if tx.AppointmentID == nil {
			return nil
		}
		appts := s.appointments.WithTx(q)
		switch data.Status {
		case core.TxCompleted:
			return appts.SetPaymentStatus(ctx, ws.ID, *tx.AppointmentID, core.PaymentPaid, "online_card", &now)
		case core.TxFailed, core.TxRefunded:
			return appts.SetPaymentStatus(ctx, ws.ID, *tx.AppointmentID, core.PaymentNotPaid, tx.PaymentMethod, nil)
		}
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		s.metrics.RecordWebhookEvent(providerName, "replayed")
		s.logger.Printf("webhook lost settlement race tx=%s", tx.ID)
		return s.loadByProviderTxID(ctx, ws.ID, data.ProviderTransactionID)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.RecordWebhookEvent(providerName, "settled")
	s.auditor.Emit(ctx, audit.Entry{
		WorkspaceID:  ws.ID,
		Action:       core.AuditUpdate,
		ResourceType: audit.ResourceTransaction,
		ResourceID:   &tx.ID,
		Metadata: map[string]interface{}{
			"provider":                providerName,
			"status":                  string(data.Status),
			"provider_transaction_id": data.ProviderTransactionID,
		},
	})
	s.logger.Printf("✅ webhook settled tx=%s status=%s", tx.ID, tx.Status)
	return tx, nil
}

func (s *Service) loadByProviderTxID(ctx context.Context, workspaceID uuid.UUID, providerTxID string) (*core.PaymentTransaction, error) {
	tx, err := s.transactions.GetByProviderTxID(ctx, workspaceID, providerTxID)
	if err != nil {
		if errors.Is(err, core.ErrNotFound) {
			return nil, fmt.Errorf("provider transaction %q: %w", providerTxID, ErrTransactionNotFound)
		}
		return nil, err
	}
	return tx, nil
}

// ============================================================================
// MANUAL PAID / UNPAID
// ============================================================================

// MarkPaid records an out-of-band payment on an appointment. No transaction
// row is produced; the appointment's payment block is the record.
func (s *Service) MarkPaid(ctx context.Context, workspaceID, userID, appointmentID uuid.UUID, method string, paidAt *time.Time, ip string) error {
	method = strings.TrimSpace(method)
	if method == "" {
		return fmt.Errorf("payment method is required: %w", core.ErrUnprocessable)
	}

	at := s.now().UTC()
	if paidAt != nil {
		at = paidAt.UTC()
	}
	if err := s.appointments.SetPaymentStatus(ctx, workspaceID, appointmentID, core.PaymentPaid, method, &at); err != nil {
		return err
	}

	s.auditor.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditUpdate,
		ResourceType: audit.ResourceAppointment,
		ResourceID:   &appointmentID,
		Metadata: map[string]interface{}{
			"payment_status": string(core.PaymentPaid),
			"payment_method": method,
		},
		IPAddress: ip,
	})
	s.logger.Printf("✅ appointment %s marked paid (%s)", appointmentID, method)
	return nil
}

// MarkUnpaid reverts an appointment to not paid and clears paid_at. The
// recorded method survives for history.
func (s *Service) MarkUnpaid(ctx context.Context, workspaceID, userID, appointmentID uuid.UUID, ip string) error {
	appt, err := s.appointments.Get(ctx, workspaceID, appointmentID)
	if err != nil {
		return err
	}
	if err := s.appointments.SetPaymentStatus(ctx, workspaceID, appointmentID, core.PaymentNotPaid, appt.PaymentMethod, nil); err != nil {
		return err
	}

	s.auditor.Emit(ctx, audit.Entry{
		UserID:       &userID,
		WorkspaceID:  workspaceID,
		Action:       core.AuditUpdate,
		ResourceType: audit.ResourceAppointment,
		ResourceID:   &appointmentID,
		Metadata: map[string]interface{}{
			"payment_status": string(core.PaymentNotPaid),
		},
		IPAddress: ip,
	})
	s.logger.Printf("✅ appointment %s marked unpaid", appointmentID)
	return nil
}

// ListTransactions returns an appointment's payment history newest first.
func (s *Service) ListTransactions(ctx context.Context, workspaceID, appointmentID uuid.UUID) ([]*core.PaymentTransaction, error) {
	return s.transactions.ListByAppointment(ctx, workspaceID, appointmentID)
}
