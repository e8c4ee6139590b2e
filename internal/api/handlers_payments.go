package api

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/pazpaz/backend/internal/core"
	"github.com/pazpaz/backend/internal/httperr"
	"github.com/pazpaz/backend/internal/middleware"
	"github.com/pazpaz/backend/internal/payments"
)

// maxWebhookBytes caps provider callback bodies.
const maxWebhookBytes = 64 << 10

// PaymentsHandler serves payment-link issuance, the provider webhook and
// the manual paid/unpaid path.
type PaymentsHandler struct {
	service *payments.Service
	logger  *log.Logger
}

// NewPaymentsHandler builds the handler.
func NewPaymentsHandler(service *payments.Service) *PaymentsHandler {
	return &PaymentsHandler{
		service: service,
		logger:  log.New(log.Writer(), "[PAYMENTS] ", log.LstdFlags),
	}
}

// POST /payments/create-request
func (h *PaymentsHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	var req struct {
		AppointmentID uuid.UUID `json:"appointment_id"`
		CustomerEmail string    `json:"customer_email"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AppointmentID == uuid.Nil {
		httperr.Write(w, r, fmt.Errorf("appointment_id is required: %w", core.ErrUnprocessable))
		return
	}

	tx, err := h.service.CreatePaymentRequest(r.Context(), payments.CreateRequest{
		WorkspaceID:   identity.WorkspaceID,
		UserID:        identity.UserID,
		AppointmentID: req.AppointmentID,
		CustomerEmail: req.CustomerEmail,
		IPAddress:     middleware.ClientIP(r),
	})
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusCreated, tx)
}

// POST /payments/webhook/{provider}
//
// Providers retry on non-200 answers, and a malformed or fraudulent
// delivery must not trigger retries, so this route answers 200 whatever
// happens. Failures are logged and counted; the settlement ladder and
// idempotency key make redeliveries of genuine events harmless.
func (h *PaymentsHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBytes))
	if err != nil {
		h.logger.Printf("⚠️ webhook body read failed provider=%s: %v", provider, err)
		h.ack(w)
		return
	}

	workspaceID, err := webhookWorkspace(r, body)
	if err != nil {
		h.logger.Printf("⚠️ webhook without workspace provider=%s: %v", provider, err)
		h.ack(w)
		return
	}

	if _, err := h.service.ProcessWebhook(r.Context(), workspaceID, provider, body, r.Header); err != nil {
		// Already logged and counted inside the service with the failure
		// class; nothing else to do here.
		h.logger.Printf("webhook not settled provider=%s ws=%s: %v", provider, workspaceID, err)
	}
	h.ack(w)
}

func (h *PaymentsHandler) ack(w http.ResponseWriter) {
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// webhookWorkspace resolves the tenant for a delivery: the workspace_id
// query parameter on the registered callback URL, or the metadata the
// provider echoes back. The value is untrusted either way; signature
// verification against that workspace's secret is what authenticates it.
func webhookWorkspace(r *http.Request, body []byte) (uuid.UUID, error) {
	if raw := r.URL.Query().Get("workspace_id"); raw != "" {
		return uuid.Parse(raw)
	}

	var peek struct {
		Metadata struct {
			WorkspaceID string `json:"workspace_id"`
		} `json:"metadata"`
	}
	if err := json.Unmarshal(body, &peek); err != nil {
		return uuid.Nil, fmt.Errorf("parse webhook body: %w", err)
	}
	if peek.Metadata.WorkspaceID == "" {
		return uuid.Nil, fmt.Errorf("no workspace_id in callback URL or metadata")
	}
	return uuid.Parse(peek.Metadata.WorkspaceID)
}

// POST /appointments/{id}/mark-paid
func (h *PaymentsHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		PaymentMethod string     `json:"payment_method"`
		PaidAt        *time.Time `json:"paid_at"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	err := h.service.MarkPaid(r.Context(), identity.WorkspaceID, identity.UserID, id,
		req.PaymentMethod, req.PaidAt, middleware.ClientIP(r))
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"payment_status": string(core.PaymentPaid)})
}

// POST /appointments/{id}/mark-unpaid
func (h *PaymentsHandler) MarkUnpaid(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	err := h.service.MarkUnpaid(r.Context(), identity.WorkspaceID, identity.UserID, id, middleware.ClientIP(r))
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, map[string]string{"payment_status": string(core.PaymentNotPaid)})
}

// GET /appointments/{id}/transactions
func (h *PaymentsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	identity, ok := requireIdentity(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	items, err := h.service.ListTransactions(r.Context(), identity.WorkspaceID, id)
	if err != nil {
		httperr.Write(w, r, err)
		return
	}
	httperr.WriteJSON(w, http.StatusOK, listResponse{Items: items, Count: len(items)})
}
