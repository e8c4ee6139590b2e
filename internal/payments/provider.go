// Package payments issues payment links, settles provider webhooks and keeps
// appointment payment state consistent with the transaction ledger. Provider
// adapters are polymorphic over three capabilities: create a hosted payment
// link, verify a webhook signature, normalize a webhook payload.
package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/pazpaz/backend/internal/core"
)

// Error kinds the provider layer raises. Credentials failures map to 401,
// provider-reported failures to 400; the webhook endpoint swallows all of
// them behind a 200.
var (
	ErrInvalidCredentials    = fmt.Errorf("payment provider rejected credentials: %w", core.ErrUnauthenticated)
	ErrProviderNotConfigured = fmt.Errorf("payment provider not configured: %w", core.ErrUnprocessable)
	ErrInvalidAmount         = fmt.Errorf("invalid payment amount: %w", core.ErrUnprocessable)
	ErrWebhookVerification   = errors.New("webhook signature verification failed")
	ErrTransactionNotFound   = fmt.Errorf("payment transaction not found: %w", core.ErrNotFound)
)

// ProviderError is a failure the provider reported for a structurally valid
// request. The message is safe to surface to the caller.
type ProviderError struct {
	Provider string
	Message  string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// Unwrap maps provider-reported failures to 400.
func (e *ProviderError) Unwrap() error { return core.ErrBadRequest }

// LinkRequest is what an adapter needs to issue a hosted payment page.
type LinkRequest struct {
	Amount        float64
	Currency      string
	Description   string
	CustomerEmail string
	Metadata      map[string]string
}

// PaymentLink is the provider's answer to a link request.
type PaymentLink struct {
	URL                   string
	ProviderTransactionID string
	ExpiresAt             *time.Time
}

// WebhookPaymentData is a provider-neutral settlement event.
type WebhookPaymentData struct {
	ProviderTransactionID string
	Status                core.TransactionStatus
	Amount                float64
	Currency              string
	CompletedAt           *time.Time
	FailureReason         string
	Metadata              map[string]interface{}
}

// Provider is one payment gateway.
type Provider interface {
	// Name identifies the gateway in logs, metrics and transaction rows.
	Name() string

	// CreatePaymentLink requests a hosted payment page. Fails with
	// ErrInvalidCredentials, ErrProviderNotConfigured or *ProviderError.
	CreatePaymentLink(ctx context.Context, req LinkRequest) (*PaymentLink, error)

	// VerifyWebhook checks the delivery signature against the raw body.
	// A missing or malformed signature header is an ErrWebhookVerification
	// error; a well-formed signature that simply does not match returns
	// (false, nil).
	VerifyWebhook(body []byte, header http.Header) (bool, error)

	// ParseWebhookPayment normalizes a verified webhook body.
	ParseWebhookPayment(body []byte) (*WebhookPaymentData, error)
}

// ForWorkspace resolves the workspace's configured gateway. The decrypted
// provider config rides on the workspace entity.
func ForWorkspace(w *core.Workspace) (Provider, error) {
	switch w.PaymentProvider {
	case "payplus":
		return NewPayPlus(w.ProviderConfig)
	case "":
		return nil, ErrProviderNotConfigured
	default:
		return nil, fmt.Errorf("unknown provider %q: %w", w.PaymentProvider, ErrProviderNotConfigured)
	}
}
