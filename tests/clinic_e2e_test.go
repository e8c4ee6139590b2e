// Package tests exercises the clinic workflows end to end, across service
// boundaries: payment link issuance and signed webhook settlement against a
// stubbed gateway, calendar conflict detection, the session amendment trail,
// the deletion grace window, and the cached assistant answer path.
package tests

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/pazpaz/backend/internal/ai"
	"github.com/pazpaz/backend/internal/audit"
	"github.com/pazpaz/backend/internal/circuitbreaker"
	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/crypto"
	"github.com/pazpaz/backend/internal/kv"
	"github.com/pazpaz/backend/internal/mail"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/payments"
	"github.com/pazpaz/backend/internal/rag"
	"github.com/pazpaz/backend/internal/ratelimit"
	"github.com/pazpaz/backend/internal/scheduling"
	"github.com/pazpaz/backend/internal/session"
	"github.com/pazpaz/backend/internal/store"
	"github.com/pazpaz/backend/internal/vector"
)

// =============================================================================
// HARNESS
// =============================================================================

// harness is the infrastructure every workflow here builds its services on: a
// scripted SQL driver, an in-process Redis, and a live AES-GCM codec so PHI
// crosses the driver boundary sealed exactly as it does in production.
type harness struct {
	t       *testing.T
	db      *store.DB
	mock    sqlmock.Sqlmock
	codec   *crypto.Codec
	mr      *miniredis.Miniredis
	kv      *kv.Store
	metrics *metrics.Metrics
	auditor *audit.Emitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	sqlDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	ring, err := crypto.NewKeyring(crypto.StaticKeySource{1: bytes.Repeat([]byte{0x42}, crypto.KeySize)}, 1)
	if err != nil {
		t.Fatalf("keyring: %v", err)
	}

	mr := miniredis.RunT(t)
	db := &store.DB{DB: sqlDB}
	m := metrics.NewMetrics(prometheus.NewRegistry())
	return &harness{
		t:       t,
		db:      db,
		mock:    mock,
		codec:   crypto.NewCodec(ring),
		mr:      mr,
		kv:      kv.NewFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})),
		metrics: m,
		auditor: audit.NewEmitter(db, m),
	}
}

func (h *harness) paymentsService(sender mail.Sender) *payments.Service {
	var dispatcher *mail.Dispatcher
	if sender != nil {
		dispatcher = mail.NewDispatcher(sender, 1, 8)
		h.t.Cleanup(dispatcher.Stop)
	}
	return payments.NewService(
		h.db,
		store.NewWorkspaces(h.db, h.codec),
		store.NewAppointments(h.db),
		store.NewClients(h.db, h.codec),
		store.NewTransactions(h.db),
		h.kv,
		circuitbreaker.New(circuitbreaker.DefaultConfig("payments_e2e")),
		dispatcher,
		h.auditor,
		h.metrics,
	)
}

func (h *harness) schedulingService() *scheduling.Service {
	return scheduling.NewService(h.db,
		store.NewAppointments(h.db),
		store.NewClients(h.db, h.codec),
		store.NewSessions(h.db, h.codec))
}

func (h *harness) sessionService() *session.Service {
	return session.NewService(h.db,
		store.NewSessions(h.db, h.codec),
		store.NewAppointments(h.db),
		store.NewClients(h.db, h.codec),
		vector.NewSessionVectors(h.db),
		nil,
		ratelimit.New(h.kv, h.metrics),
		h.auditor)
}

func (h *harness) ragService(embedder ai.Embedder, chat ai.ChatModel) *rag.Service {
	return rag.NewService(embedder, chat,
		vector.NewSessionVectors(h.db), vector.NewClientVectors(h.db),
		store.NewSessions(h.db, h.codec), store.NewClients(h.db, h.codec),
		h.kv, h.auditor, h.metrics, rag.Config{})
}

// seal encrypts a PHI value for a scripted row; empty text stays a NULL blob.
func (h *harness) seal(s string) interface{} {
	h.t.Helper()
	if s == "" {
		return nil
	}
	blob, err := h.codec.Encrypt(context.Background(), s)
	if err != nil {
		h.t.Fatalf("seal: %v", err)
	}
	return blob
}

func (h *harness) expectAudit() {
	h.mock.ExpectExec(`INSERT INTO audit_events`).WillReturnResult(sqlmock.NewResult(1, 1))
}

// ===== ROW BUILDERS =====

var rowStamp = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func (h *harness) workspaceRows(ws *core.Workspace) *sqlmock.Rows {
	status := ws.Status
	if status == "" {
		status = core.WorkspaceActive
	}
	var config interface{}
	if len(ws.ProviderConfig) > 0 {
		raw, err := json.Marshal(ws.ProviderConfig)
		if err != nil {
			h.t.Fatalf("marshal provider config: %v", err)
		}
		config = h.seal(string(raw))
	}
	return sqlmock.NewRows([]string{
		"id", "name", "status", "payment_provider", "provider_config", "payments_enabled",
		"vat_registered", "vat_rate", "currency", "payment_send_timing", "receipt_counter",
		"created_at", "updated_at",
	}).AddRow(
		ws.ID, ws.Name, string(status), ws.PaymentProvider, config, ws.PaymentsEnabled,
		ws.VATRegistered, ws.VATRate, ws.Currency, ws.SendTiming, ws.ReceiptCounter,
		rowStamp, rowStamp,
	)
}

func (h *harness) clientRows(workspaceID uuid.UUID, c *core.Client) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "first_name", "last_name", "email", "phone", "address",
		"medical_history", "emergency_contact", "notes", "date_of_birth", "consent_given",
		"is_active", "tags", "created_at", "updated_at",
	}).AddRow(
		c.ID, workspaceID, h.seal(c.FirstName), h.seal(c.LastName), h.seal(c.Email), nil, nil,
		nil, nil, nil, nil, true,
		true, "{}", rowStamp, rowStamp,
	)
}

func (h *harness) appointmentRows(appts ...*core.Appointment) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "workspace_id", "client_id", "scheduled_start", "scheduled_end",
		"location_type", "status", "payment_price", "payment_status", "payment_method",
		"paid_at", "edit_count", "created_at", "updated_at",
	})
	for _, a := range appts {
		status := string(a.Status)
		if status == "" {
			status = "scheduled"
		}
		rows.AddRow(a.ID, a.WorkspaceID, a.ClientID, a.ScheduledStart, a.ScheduledEnd,
			"clinic", status, a.PaymentPrice, "unpaid", nil,
			nil, 0, rowStamp, rowStamp)
	}
	return rows
}

func (h *harness) sessionRows(sess *core.Session) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "client_id", "appointment_id", "subjective", "objective",
		"assessment", "plan", "session_date", "duration_minutes", "is_draft", "draft_last_saved_at",
		"finalized_at", "amended_at", "amendment_count", "version", "deleted_at", "permanent_delete_after",
		"deleted_by_user_id", "deleted_reason", "created_at", "updated_at",
	}).AddRow(
		sess.ID, sess.WorkspaceID, sess.ClientID, nullableID(sess.AppointmentID),
		h.seal(sess.Subjective), h.seal(sess.Objective), h.seal(sess.Assessment), h.seal(sess.Plan),
		sess.SessionDate, nil, sess.IsDraft, nil,
		nullableTime(sess.FinalizedAt), nullableTime(sess.AmendedAt), sess.AmendmentCount, sess.Version,
		nullableTime(sess.DeletedAt), nullableTime(sess.PermanentDeleteAfter), nil, sess.DeletedReason,
		rowStamp, rowStamp,
	)
}

func (h *harness) transactionRows(tx *core.PaymentTransaction) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "workspace_id", "appointment_id", "base_amount", "vat_amount", "total_amount",
		"currency", "payment_method", "status", "provider", "provider_transaction_id",
		"provider_payment_link", "receipt_number", "created_at", "completed_at", "failed_at",
		"refunded_at", "failure_reason", "provider_metadata",
	}).AddRow(
		tx.ID, tx.WorkspaceID, nullableID(tx.AppointmentID), tx.BaseAmount, tx.VATAmount, tx.TotalAmount,
		tx.Currency, tx.PaymentMethod, string(tx.Status), tx.Provider, tx.ProviderTransactionID,
		tx.ProviderPaymentLink, nullableInt64(tx.ReceiptNumber), rowStamp, nullableTime(tx.CompletedAt),
		nullableTime(tx.FailedAt), nullableTime(tx.RefundedAt), tx.FailureReason, nil,
	)
}

type vectorHit struct {
	entityID   uuid.UUID
	field      string
	similarity float64
}

func vectorRows(entityColumn string, workspaceID uuid.UUID, hits ...vectorHit) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "workspace_id", entityColumn, "field_name", "created_at", "similarity"})
	for _, hit := range hits {
		rows.AddRow(uuid.New(), workspaceID, hit.entityID, hit.field, rowStamp, hit.similarity)
	}
	return rows
}

func nullableID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return *id
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableInt64(n *int64) interface{} {
	if n == nil {
		return nil
	}
	return *n
}

// ===== DRIVER-BOUNDARY MATCHERS =====

// opensTo matches a bound ciphertext argument by decrypting it and comparing
// the plaintext. A NULL argument opens to the empty string.
type opensTo struct {
	codec *crypto.Codec
	want  string
}

func (o opensTo) Match(v driver.Value) bool {
	if v == nil {
		return o.want == ""
	}
	blob, ok := v.([]byte)
	if !ok {
		return false
	}
	got, err := o.codec.Decrypt(context.Background(), blob)
	return err == nil && got == o.want
}

func (h *harness) opensTo(want string) opensTo { return opensTo{codec: h.codec, want: want} }

// jsonWith matches a bound JSON argument that contains the fragment.
type jsonWith struct{ fragment string }

func (j jsonWith) Match(v driver.Value) bool {
	switch b := v.(type) {
	case []byte:
		return strings.Contains(string(b), j.fragment)
	case string:
		return strings.Contains(b, j.fragment)
	}
	return false
}

// ===== GATEWAY STUB =====

// gatewayStub plays the hosted-payment-page provider: it records the link
// requests it serves and answers with a fixed page link. Webhook deliveries
// never reach it; those are driven by the tests with signed bodies.
type gatewayStub struct {
	mu       sync.Mutex
	srv      *httptest.Server
	calls    int
	lastAuth string
	lastBody []byte

	status      string
	description string
	requestUID  string
	pageLink    string
}

func newGatewayStub(t *testing.T) *gatewayStub {
	g := &gatewayStub{status: "success", requestUID: "pp-e2e-1", pageLink: "https://pay.example/e2e-1"}
	g.srv = httptest.NewServer(http.HandlerFunc(g.serveLink))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *gatewayStub) serveLink(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v1.0/PaymentPages/generateLink" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	g.mu.Lock()
	g.calls++
	g.lastAuth = r.Header.Get("Authorization")
	g.lastBody = body
	out := fmt.Sprintf(`{"results":{"status":%q,"description":%q},"data":{"page_request_uid":%q,"payment_page_link":%q}}`,
		g.status, g.description, g.requestUID, g.pageLink)
	g.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, out)
}

func (g *gatewayStub) reject(description string) {
	g.mu.Lock()
	g.status = "error"
	g.description = description
	g.mu.Unlock()
}

func (g *gatewayStub) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *gatewayStub) lastAuthHeader() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastAuth
}

func (g *gatewayStub) lastRequestBody() []byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastBody
}

// paymentsWorkspace is a VAT-registered workspace whose provider credentials
// point at the stub.
func paymentsWorkspace(gateway *gatewayStub) *core.Workspace {
	return &core.Workspace{
		ID:              uuid.New(),
		Name:            "Rehov Clinic",
		Status:          core.WorkspaceActive,
		PaymentProvider: "payplus",
		ProviderConfig: map[string]string{
			"api_key":          "pk_e2e",
			"secret_key":       "sk_e2e",
			"payment_page_uid": "page-7001",
			"base_url":         gateway.srv.URL,
		},
		PaymentsEnabled: true,
		VATRegistered:   true,
		VATRate:         17,
		Currency:        "ILS",
	}
}

// ===== MODEL FAKES =====

type scriptedEmbedder struct {
	mu    sync.Mutex
	calls int
	vec   []float32
}

func (e *scriptedEmbedder) Embed(ctx context.Context, text string, inputType ai.InputType) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return e.vec, nil
}

func (e *scriptedEmbedder) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls
}

type scriptedChat struct {
	mu    sync.Mutex
	calls int
	text  string
}

func (c *scriptedChat) Chat(ctx context.Context, req ai.ChatRequest) (*ai.ChatResponse, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return &ai.ChatResponse{Text: c.text, Usage: &ai.Usage{InputTokens: 900, OutputTokens: 60}}, nil
}

func (c *scriptedChat) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func unitVector() []float32 {
	vec := make([]float32, vector.Dimensions)
	vec[0] = 1
	return vec
}

// ===== MAIL CAPTURE =====

type captureSender struct {
	mu   sync.Mutex
	msgs []mail.Message
}

func (c *captureSender) Send(ctx context.Context, msg mail.Message) error {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	return nil
}

func (c *captureSender) all() []mail.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mail.Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// =============================================================================
// 1. PAYMENT LIFECYCLE — link issuance through signed settlement
// =============================================================================

func TestPaymentLifecycle_LinkThroughSettlementAndReplay(t *testing.T) {
	h := newHarness(t)
	gateway := newGatewayStub(t)
	sender := &captureSender{}
	svc := h.paymentsService(sender)

	ws := paymentsWorkspace(gateway)
	userID := uuid.New()
	client := &core.Client{ID: uuid.New(), FirstName: "Dana", LastName: "Levi", Email: "dana@example.com"}
	appt := &core.Appointment{
		ID:             uuid.New(),
		WorkspaceID:    ws.ID,
		ClientID:       client.ID,
		ScheduledStart: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		PaymentPrice:   117,
	}

	// Link issuance: three scoped reads, then the pending transaction and the
	// appointment's payment_sent update commit together.
	h.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(h.workspaceRows(ws))
	h.mock.ExpectQuery(`FROM appointments`).WillReturnRows(h.appointmentRows(appt))
	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(ws.ID, client))
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`INSERT INTO payment_transactions`).WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec(`UPDATE appointments`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
	h.expectAudit()

	tx, err := svc.CreatePaymentRequest(context.Background(), payments.CreateRequest{
		WorkspaceID:   ws.ID,
		UserID:        userID,
		AppointmentID: appt.ID,
	})
	if err != nil {
		t.Fatalf("CreatePaymentRequest: %v", err)
	}
	if tx.Status != core.TxPending {
		t.Errorf("transaction status = %s, want %s", tx.Status, core.TxPending)
	}
	if tx.ProviderPaymentLink != "https://pay.example/e2e-1" {
		t.Errorf("payment link = %q, want the gateway's page link", tx.ProviderPaymentLink)
	}
	if math.Abs(tx.BaseAmount-100) > 0.001 || math.Abs(tx.VATAmount-17) > 0.001 {
		t.Errorf("VAT split = %.2f + %.2f, want 100.00 + 17.00", tx.BaseAmount, tx.VATAmount)
	}

	if n := gateway.callCount(); n != 1 {
		t.Fatalf("gateway calls = %d, want 1", n)
	}
	var linkReq struct {
		PaymentPageUID string  `json:"payment_page_uid"`
		Amount         float64 `json:"amount"`
		CurrencyCode   string  `json:"currency_code"`
	}
	if err := json.Unmarshal(gateway.lastRequestBody(), &linkReq); err != nil {
		t.Fatalf("decode gateway request: %v", err)
	}
	if linkReq.PaymentPageUID != "page-7001" || linkReq.Amount != 117 || linkReq.CurrencyCode != "ILS" {
		t.Errorf("gateway request = %+v, want page-7001 / 117.00 / ILS", linkReq)
	}
	if !strings.Contains(gateway.lastAuthHeader(), `"api_key":"pk_e2e"`) {
		t.Errorf("gateway auth header %q does not carry the workspace api key", gateway.lastAuthHeader())
	}

	waitFor(t, "payment request email", func() bool { return len(sender.all()) == 1 })
	if body := sender.all()[0].Body; !strings.Contains(body, tx.ProviderPaymentLink) {
		t.Errorf("payment email does not carry the link:\n%s", body)
	}

	// The signed gateway delivery settles the transaction, issues the receipt
	// and flips the appointment to paid in one commit.
	body := []byte(fmt.Sprintf(
		`{"page_request_uid":%q,"status":"approved","amount":117,"currency":"ILS","completed_at":"2026-04-02T10:12:00Z"}`,
		tx.ProviderTransactionID))
	header := http.Header{}
	header.Set(payments.SignatureHeader, payments.SignBody(body, "sk_e2e"))

	h.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(h.workspaceRows(ws))
	h.mock.ExpectQuery(`FROM payment_transactions`).WillReturnRows(h.transactionRows(tx))
	h.mock.ExpectBegin()
	h.mock.ExpectQuery(`RETURNING receipt_counter`).
		WillReturnRows(sqlmock.NewRows([]string{"receipt_counter"}).AddRow(int64(1001)))
	h.mock.ExpectExec(`UPDATE payment_transactions`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`UPDATE appointments`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
	h.expectAudit()

	settled, err := svc.ProcessWebhook(context.Background(), ws.ID, "payplus", body, header)
	if err != nil {
		t.Fatalf("ProcessWebhook: %v", err)
	}
	if settled.Status != core.TxCompleted {
		t.Errorf("settled status = %s, want %s", settled.Status, core.TxCompleted)
	}
	if settled.ReceiptNumber == nil || *settled.ReceiptNumber != 1001 {
		t.Errorf("receipt number = %v, want 1001", settled.ReceiptNumber)
	}
	wantAt := time.Date(2026, 4, 2, 10, 12, 0, 0, time.UTC)
	if settled.CompletedAt == nil || !settled.CompletedAt.Equal(wantAt) {
		t.Errorf("completed_at = %v, want %s", settled.CompletedAt, wantAt)
	}
	if !h.mr.Exists("webhook:" + tx.ProviderTransactionID) {
		t.Error("idempotency key missing after settlement")
	}

	// The replayed delivery is answered from the idempotency key: two reads,
	// no transaction, no second receipt.
	h.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(h.workspaceRows(ws))
	h.mock.ExpectQuery(`FROM payment_transactions`).WillReturnRows(h.transactionRows(settled))

	replayed, err := svc.ProcessWebhook(context.Background(), ws.ID, "payplus", body, header)
	if err != nil {
		t.Fatalf("ProcessWebhook replay: %v", err)
	}
	if replayed.ID != tx.ID {
		t.Errorf("replay returned transaction %s, want the settled row %s", replayed.ID, tx.ID)
	}
	if replayed.ReceiptNumber == nil || *replayed.ReceiptNumber != 1001 {
		t.Errorf("replay receipt = %v, want the original 1001", replayed.ReceiptNumber)
	}
	if n := gateway.callCount(); n != 1 {
		t.Errorf("gateway calls after settlement = %d, want still 1", n)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestPaymentLifecycle_GatewayRejectionLeavesFailedAttempt(t *testing.T) {
	h := newHarness(t)
	gateway := newGatewayStub(t)
	gateway.reject("payment page disabled")
	svc := h.paymentsService(nil)

	ws := paymentsWorkspace(gateway)
	client := &core.Client{ID: uuid.New(), FirstName: "Noa", Email: "noa@example.com"}
	appt := &core.Appointment{
		ID:             uuid.New(),
		WorkspaceID:    ws.ID,
		ClientID:       client.ID,
		ScheduledStart: time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2026, 4, 3, 10, 0, 0, 0, time.UTC),
		PaymentPrice:   234,
	}

	h.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(h.workspaceRows(ws))
	h.mock.ExpectQuery(`FROM appointments`).WillReturnRows(h.appointmentRows(appt))
	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(ws.ID, client))
	// The failed attempt still lands, outside any transaction.
	h.mock.ExpectExec(`INSERT INTO payment_transactions`).WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := svc.CreatePaymentRequest(context.Background(), payments.CreateRequest{
		WorkspaceID:   ws.ID,
		UserID:        uuid.New(),
		AppointmentID: appt.ID,
	})

	var pErr *payments.ProviderError
	if !errors.As(err, &pErr) {
		t.Fatalf("error = %v, want a provider error", err)
	}
	if pErr.Message != "payment page disabled" {
		t.Errorf("provider message = %q, want the gateway's description", pErr.Message)
	}
	if !errors.Is(err, core.ErrBadRequest) {
		t.Error("gateway rejection should map onto a bad-request error")
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

// =============================================================================
// 2. CALENDAR CONFLICTS — overlap detection with masked identities
// =============================================================================

func TestCalendarConflicts_OverlapRejectedWithMaskedInitials(t *testing.T) {
	h := newHarness(t)
	svc := h.schedulingService()

	workspaceID := uuid.New()
	busyClient := &core.Client{ID: uuid.New(), FirstName: "Dana", LastName: "Levi"}
	newClient := &core.Client{ID: uuid.New(), FirstName: "Noa", LastName: "Peretz"}
	busy := &core.Appointment{
		ID:             uuid.New(),
		WorkspaceID:    workspaceID,
		ClientID:       busyClient.ID,
		ScheduledStart: time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2026, 4, 6, 11, 0, 0, 0, time.UTC),
	}

	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(workspaceID, newClient))
	h.mock.ExpectQuery(`status IN \('scheduled', 'attended'\)`).WillReturnRows(h.appointmentRows(busy))
	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(workspaceID, busyClient))

	_, err := svc.Create(context.Background(), workspaceID, scheduling.CreateInput{
		ClientID:       newClient.ID,
		ScheduledStart: time.Date(2026, 4, 6, 10, 30, 0, 0, time.UTC),
		ScheduledEnd:   time.Date(2026, 4, 6, 11, 30, 0, 0, time.UTC),
		LocationType:   "clinic",
	})

	var conflict *scheduling.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error = %v, want a conflict report", err)
	}
	if !errors.Is(err, core.ErrConflict) {
		t.Error("conflict error should unwrap to core.ErrConflict")
	}
	if len(conflict.Conflicting) != 1 {
		t.Fatalf("conflicting slots = %d, want 1", len(conflict.Conflicting))
	}
	if got := conflict.Conflicting[0].ClientInitials; got != "D.L." {
		t.Errorf("conflict exposes %q, want the masked initials D.L.", got)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("booking was written despite the conflict: %v", err)
	}
}

func TestCalendarConflicts_BackToBackSlotsBook(t *testing.T) {
	h := newHarness(t)
	svc := h.schedulingService()

	workspaceID := uuid.New()
	client := &core.Client{ID: uuid.New(), FirstName: "Noa"}
	start := time.Date(2026, 4, 6, 11, 0, 0, 0, time.UTC)

	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(workspaceID, client))
	// The half-open overlap predicate runs over the requested range; an
	// adjacent slot produces no rows.
	h.mock.ExpectQuery(`scheduled_start < \$3`).
		WithArgs(workspaceID, start, start.Add(time.Hour)).
		WillReturnRows(h.appointmentRows())
	h.mock.ExpectExec(`INSERT INTO appointments`).WillReturnResult(sqlmock.NewResult(1, 1))

	appt, err := svc.Create(context.Background(), workspaceID, scheduling.CreateInput{
		ClientID:       client.ID,
		ScheduledStart: start,
		ScheduledEnd:   start.Add(time.Hour),
		LocationType:   "clinic",
		PaymentPrice:   350,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if appt.Status != core.AppointmentScheduled {
		t.Errorf("status = %s, want scheduled", appt.Status)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestCalendarConflicts_CancelledSlotsDoNotBlock(t *testing.T) {
	h := newHarness(t)
	svc := h.schedulingService()
	workspaceID := uuid.New()

	// The overlap query excludes cancelled rows in its predicate; a calendar
	// holding only a cancelled slot answers clean.
	h.mock.ExpectQuery(`status IN \('scheduled', 'attended'\)`).WillReturnRows(h.appointmentRows())

	report, err := svc.CheckConflicts(context.Background(), workspaceID,
		time.Date(2026, 4, 6, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 6, 11, 0, 0, 0, time.UTC), nil)
	if err != nil {
		t.Fatalf("CheckConflicts: %v", err)
	}
	if report.HasConflict {
		t.Error("cancelled appointments should not produce conflicts")
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

// =============================================================================
// 3. AMENDMENT TRAIL — finalize, amend, immutable snapshots
// =============================================================================

func TestAmendmentTrail_FinalizeSnapshotsVersionOne(t *testing.T) {
	h := newHarness(t)
	svc := h.sessionService()

	workspaceID, userID := uuid.New(), uuid.New()
	draft := &core.Session{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ClientID:    uuid.New(),
		Subjective:  "Reports reduced night pain.",
		Objective:   "Cervical rotation 70 degrees bilaterally.",
		Assessment:  "Improving mechanical neck pain.",
		Plan:        "Continue mobilization, review in two weeks.",
		SessionDate: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC),
		IsDraft:     true,
		Version:     2,
	}

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(draft))
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`UPDATE sessions`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectExec(`INSERT INTO session_versions`).
		WithArgs(sqlmock.AnyArg(), draft.ID, 1,
			h.opensTo(draft.Subjective), h.opensTo(draft.Objective),
			h.opensTo(draft.Assessment), h.opensTo(draft.Plan), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectCommit()

	finalized, err := svc.Finalize(context.Background(), workspaceID, userID, draft.ID)
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if finalized.FinalizedAt == nil || finalized.IsDraft {
		t.Error("finalize should stamp finalized_at and clear the draft flag")
	}
	if finalized.Version != 3 {
		t.Errorf("version = %d, want 3 after the compare-and-set bump", finalized.Version)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestAmendmentTrail_AmendPreservesPriorPayload(t *testing.T) {
	h := newHarness(t)
	svc := h.sessionService()

	workspaceID, userID := uuid.New(), uuid.New()
	finalizedAt := time.Date(2026, 4, 6, 9, 30, 0, 0, time.UTC)
	sess := &core.Session{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ClientID:    uuid.New(),
		Subjective:  "Reports reduced night pain.",
		Assessment:  "Improving mechanical neck pain.",
		Plan:        "Continue mobilization.",
		SessionDate: finalizedAt,
		FinalizedAt: &finalizedAt,
		Version:     3,
	}
	amendedText := "Improving mechanical neck pain; add isometric loading."

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(sess))
	h.mock.ExpectBegin()
	// The snapshot lands before the new values and carries the pre-edit text.
	h.mock.ExpectExec(`INSERT INTO session_versions`).
		WithArgs(sqlmock.AnyArg(), sess.ID, 2,
			h.opensTo("Reports reduced night pain."), h.opensTo(""),
			h.opensTo("Improving mechanical neck pain."), h.opensTo("Continue mobilization."),
			sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	h.mock.ExpectExec(`UPDATE sessions`).
		WithArgs(workspaceID, sess.ID, 3, nil,
			h.opensTo("Reports reduced night pain."), h.opensTo(""),
			h.opensTo(amendedText), h.opensTo("Continue mobilization."),
			sqlmock.AnyArg(), nil, false, nil,
			sqlmock.AnyArg(), sqlmock.AnyArg(), 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
	h.mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), userID, workspaceID, "update", "session", sess.ID,
			jsonWith{`"sections_changed":["assessment"]`}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	amended, err := svc.Update(context.Background(), workspaceID, userID, sess.ID,
		core.SessionPatch{Assessment: core.Some(amendedText)}, nil)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if amended.AmendmentCount != 1 {
		t.Errorf("amendment_count = %d, want 1", amended.AmendmentCount)
	}
	if amended.AmendedAt == nil {
		t.Error("amended_at should be stamped")
	}
	if amended.Assessment != amendedText {
		t.Errorf("assessment = %q, want the amended text", amended.Assessment)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestAmendmentTrail_SecondFinalizeRefused(t *testing.T) {
	h := newHarness(t)
	svc := h.sessionService()

	workspaceID := uuid.New()
	finalizedAt := time.Date(2026, 4, 6, 9, 30, 0, 0, time.UTC)
	sess := &core.Session{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ClientID:    uuid.New(),
		Assessment:  "Improving mechanical neck pain.",
		SessionDate: finalizedAt,
		FinalizedAt: &finalizedAt,
		Version:     3,
	}

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(sess))

	_, err := svc.Finalize(context.Background(), workspaceID, uuid.New(), sess.ID)
	if !errors.Is(err, session.ErrAlreadyFinalized) {
		t.Fatalf("error = %v, want ErrAlreadyFinalized", err)
	}
	if !errors.Is(err, core.ErrConflict) {
		t.Error("second finalize should answer conflict")
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("second finalize reached the database: %v", err)
	}
}

// =============================================================================
// 4. DELETION GRACE WINDOW — soft delete, restore, permanent removal
// =============================================================================

func TestDeletionWindow_SoftDeleteThenRestore(t *testing.T) {
	h := newHarness(t)
	svc := h.sessionService()

	workspaceID, userID := uuid.New(), uuid.New()
	live := &core.Session{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ClientID:    uuid.New(),
		Assessment:  "Charted on the wrong client.",
		SessionDate: time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC),
		IsDraft:     true,
		Version:     1,
	}

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(live))
	h.mock.ExpectExec(`SET deleted_at = \$3`).
		WithArgs(workspaceID, live.ID, sqlmock.AnyArg(), sqlmock.AnyArg(), userID, "wrong client").
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectAudit()

	if err := svc.SoftDelete(context.Background(), workspaceID, userID, live.ID, "wrong client"); err != nil {
		t.Fatalf("SoftDelete: %v", err)
	}

	deletedAt := time.Now().UTC().Add(-24 * time.Hour)
	windowEnd := deletedAt.Add(core.SoftDeleteGracePeriod)
	deleted := *live
	deleted.DeletedAt = &deletedAt
	deleted.PermanentDeleteAfter = &windowEnd

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(&deleted))
	h.mock.ExpectExec(`SET deleted_at = NULL`).WillReturnResult(sqlmock.NewResult(0, 1))
	h.expectAudit()
	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(live))

	restored, err := svc.Restore(context.Background(), workspaceID, userID, live.ID)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored.IsDeleted() {
		t.Error("restored session still reads as deleted")
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

func TestDeletionWindow_RestoreAfterWindowAnswersGone(t *testing.T) {
	h := newHarness(t)
	svc := h.sessionService()

	workspaceID := uuid.New()
	deletedAt := time.Now().UTC().Add(-31 * 24 * time.Hour)
	windowEnd := deletedAt.Add(core.SoftDeleteGracePeriod)
	expired := &core.Session{
		ID:                   uuid.New(),
		WorkspaceID:          workspaceID,
		ClientID:             uuid.New(),
		Assessment:           "Old note.",
		SessionDate:          deletedAt,
		Version:              1,
		DeletedAt:            &deletedAt,
		PermanentDeleteAfter: &windowEnd,
	}

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(expired))

	_, err := svc.Restore(context.Background(), workspaceID, uuid.New(), expired.ID)
	if !errors.Is(err, core.ErrGone) {
		t.Fatalf("error = %v, want Gone after the grace window", err)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("restore wrote despite the closed window: %v", err)
	}
}

func TestDeletionWindow_PermanentDeleteTakesVectorsAlong(t *testing.T) {
	h := newHarness(t)
	svc := h.sessionService()

	workspaceID, userID := uuid.New(), uuid.New()
	deletedAt := time.Now().UTC().Add(-24 * time.Hour)
	windowEnd := deletedAt.Add(core.SoftDeleteGracePeriod)
	deleted := &core.Session{
		ID:                   uuid.New(),
		WorkspaceID:          workspaceID,
		ClientID:             uuid.New(),
		Assessment:           "To be erased.",
		SessionDate:          deletedAt,
		Version:              1,
		DeletedAt:            &deletedAt,
		PermanentDeleteAfter: &windowEnd,
	}

	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(deleted))
	h.mock.ExpectBegin()
	h.mock.ExpectExec(`DELETE FROM session_vectors`).
		WithArgs(workspaceID, deleted.ID).
		WillReturnResult(sqlmock.NewResult(0, 4))
	h.mock.ExpectExec(`DELETE FROM sessions`).
		WithArgs(workspaceID, deleted.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	h.mock.ExpectCommit()
	h.expectAudit()

	if err := svc.PermanentDelete(context.Background(), workspaceID, userID, deleted.ID); err != nil {
		t.Fatalf("PermanentDelete: %v", err)
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

// =============================================================================
// 5. ANSWER CACHE — repeat questions bypass the retrieval pipeline
// =============================================================================

func TestAnswerCache_RepeatQuestionSkipsProviders(t *testing.T) {
	h := newHarness(t)
	embedder := &scriptedEmbedder{vec: unitVector()}
	chat := &scriptedChat{text: "Neck pain improved steadily across the last three sessions."}
	svc := h.ragService(embedder, chat)

	workspaceID, userID := uuid.New(), uuid.New()
	client := &core.Client{ID: uuid.New(), FirstName: "Dana", LastName: "Levi"}
	sess := &core.Session{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ClientID:    client.ID,
		Assessment:  "Improving mechanical neck pain.",
		SessionDate: time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC),
		Version:     1,
	}
	question := rag.Query{WorkspaceID: workspaceID, UserID: userID, Text: "How is the neck pain trending?"}

	h.mock.ExpectQuery(`FROM session_vectors`).
		WillReturnRows(vectorRows("session_id", workspaceID, vectorHit{sess.ID, "assessment", 0.87}))
	h.mock.ExpectQuery(`FROM client_vectors`).
		WillReturnRows(vectorRows("client_id", workspaceID))
	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(sess))
	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(workspaceID, client))
	h.expectAudit()

	first, err := svc.Answer(context.Background(), question)
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if first.Cached {
		t.Error("first answer should not come from cache")
	}
	if len(first.Citations) != 1 {
		t.Fatalf("citations = %d, want 1", len(first.Citations))
	}
	if first.Citations[0].ClientName != "Dana Levi" {
		t.Errorf("citation names %q, want the decrypted client name", first.Citations[0].ClientName)
	}

	// The identical question again: no embedding, no vector search, no
	// synthesis. Only the audit record is written, flagged as cached.
	h.mock.ExpectExec(`INSERT INTO audit_events`).
		WithArgs(sqlmock.AnyArg(), userID, workspaceID, "read", "ai_agent", nil,
			jsonWith{`"cached":true`}, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	second, err := svc.Answer(context.Background(), question)
	if err != nil {
		t.Fatalf("Answer (cached): %v", err)
	}
	if !second.Cached {
		t.Error("second answer should be served from cache")
	}
	if second.Answer != first.Answer {
		t.Errorf("cached answer differs:\nfirst:  %q\nsecond: %q", first.Answer, second.Answer)
	}
	if embedder.callCount() != 1 || chat.callCount() != 1 {
		t.Errorf("provider calls = %d embed / %d chat, want 1 each", embedder.callCount(), chat.callCount())
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("cached answer reached the database: %v", err)
	}
}

func TestAnswerCache_ClientScopeDoesNotShareCache(t *testing.T) {
	h := newHarness(t)
	embedder := &scriptedEmbedder{vec: unitVector()}
	chat := &scriptedChat{text: "Shoulder mobility is back to baseline."}
	svc := h.ragService(embedder, chat)

	workspaceID, userID := uuid.New(), uuid.New()
	client := &core.Client{ID: uuid.New(), FirstName: "Dana", LastName: "Levi"}
	sess := &core.Session{
		ID:          uuid.New(),
		WorkspaceID: workspaceID,
		ClientID:    client.ID,
		Assessment:  "Shoulder mobility restored.",
		SessionDate: time.Date(2026, 3, 30, 9, 0, 0, 0, time.UTC),
		Version:     1,
	}

	h.mock.ExpectQuery(`FROM session_vectors`).
		WillReturnRows(vectorRows("session_id", workspaceID, vectorHit{sess.ID, "assessment", 0.91}))
	h.mock.ExpectQuery(`FROM client_vectors`).
		WillReturnRows(vectorRows("client_id", workspaceID))
	h.mock.ExpectQuery(`FROM sessions`).WillReturnRows(h.sessionRows(sess))
	h.mock.ExpectQuery(`FROM clients`).WillReturnRows(h.clientRows(workspaceID, client))
	h.expectAudit()

	workspaceWide, err := svc.Answer(context.Background(), rag.Query{
		WorkspaceID: workspaceID, UserID: userID, Text: "How is the shoulder doing?",
	})
	if err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if workspaceWide.Cached {
		t.Fatal("first answer should not come from cache")
	}

	// The same text scoped to one client keys a different cache entry, so the
	// pipeline runs again, restricted to that client's records.
	otherClient := uuid.New()
	h.mock.ExpectQuery(`SELECT id FROM sessions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	h.mock.ExpectQuery(`FROM client_vectors`).
		WillReturnRows(vectorRows("client_id", workspaceID))
	h.expectAudit()

	scoped, err := svc.Answer(context.Background(), rag.Query{
		WorkspaceID: workspaceID, UserID: userID, ClientID: &otherClient, Text: "How is the shoulder doing?",
	})
	if err != nil {
		t.Fatalf("Answer (scoped): %v", err)
	}
	if scoped.Cached {
		t.Error("client-scoped query must not reuse the workspace-wide cache entry")
	}
	if scoped.TotalRetrieved != 0 {
		t.Errorf("scoped retrieval = %d contexts, want 0 for a client with no records", scoped.TotalRetrieved)
	}
	if embedder.callCount() != 2 {
		t.Errorf("embed calls = %d, want 2 (one per cache scope)", embedder.callCount())
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unexpected database traffic: %v", err)
	}
}

// =============================================================================
// 6. WEBHOOK FORGERY — unsigned and tampered deliveries change nothing
// =============================================================================

func TestWebhookForgery_TamperedBodyRejectedBeforeAnyWrite(t *testing.T) {
	h := newHarness(t)
	gateway := newGatewayStub(t)
	svc := h.paymentsService(nil)
	ws := paymentsWorkspace(gateway)

	genuine := []byte(`{"page_request_uid":"pp-e2e-9","status":"approved","amount":117}`)
	header := http.Header{}
	header.Set(payments.SignatureHeader, payments.SignBody(genuine, "sk_e2e"))
	tampered := []byte(`{"page_request_uid":"pp-e2e-9","status":"approved","amount":11700}`)

	h.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(h.workspaceRows(ws))

	_, err := svc.ProcessWebhook(context.Background(), ws.ID, "payplus", tampered, header)
	if !errors.Is(err, payments.ErrWebhookVerification) {
		t.Fatalf("error = %v, want a webhook verification failure", err)
	}
	if h.mr.Exists("webhook:pp-e2e-9") {
		t.Error("forged delivery must not claim the idempotency key")
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("forged delivery reached the database: %v", err)
	}
}

func TestWebhookForgery_MissingSignatureHeaderRejected(t *testing.T) {
	h := newHarness(t)
	gateway := newGatewayStub(t)
	svc := h.paymentsService(nil)
	ws := paymentsWorkspace(gateway)

	body := []byte(`{"page_request_uid":"pp-e2e-10","status":"approved","amount":117}`)

	h.mock.ExpectQuery(`FROM workspaces`).WillReturnRows(h.workspaceRows(ws))

	_, err := svc.ProcessWebhook(context.Background(), ws.ID, "payplus", body, http.Header{})
	if !errors.Is(err, payments.ErrWebhookVerification) {
		t.Fatalf("error = %v, want a webhook verification failure", err)
	}
	if h.mr.Exists("webhook:pp-e2e-10") {
		t.Error("unsigned delivery must not claim the idempotency key")
	}
	if err := h.mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unsigned delivery reached the database: %v", err)
	}
}
