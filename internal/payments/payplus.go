package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/pazpaz/backend/internal/core"
)

const (
	payplusDefaultBaseURL = "https://restapi.payplus.co.il"
	payplusTimeout        = 15 * time.Second
	maxProviderErrorBody  = 512
)

// SignatureHeader carries the webhook HMAC as "sha256=<hex>".
const SignatureHeader = "X-Provider-Signature"

// PayPlus is the hosted-payment-page gateway used by Israeli practices.
// Credentials come from the workspace's decrypted provider config.
type PayPlus struct {
	apiKey    string
	secretKey string
	pageUID   string
	baseURL   string
	client    *http.Client
	logger    *log.Logger
}

// NewPayPlus builds the adapter from a workspace provider config. Required
// keys: api_key, secret_key, payment_page_uid.
func NewPayPlus(config map[string]string) (*PayPlus, error) {
	apiKey, secretKey, pageUID := config["api_key"], config["secret_key"], config["payment_page_uid"]
	if apiKey == "" || secretKey == "" || pageUID == "" {
		return nil, fmt.Errorf("payplus needs api_key, secret_key and payment_page_uid: %w", ErrProviderNotConfigured)
	}
	baseURL := strings.TrimRight(config["base_url"], "/")
	if baseURL == "" {
		baseURL = payplusDefaultBaseURL
	}
	return &PayPlus{
		apiKey:    apiKey,
		secretKey: secretKey,
		pageUID:   pageUID,
		baseURL:   baseURL,
		client:    &http.Client{Timeout: payplusTimeout},
		logger:    log.New(log.Writer(), "[PAYPLUS] ", log.LstdFlags),
	}, nil
}

// Name identifies the gateway.
func (p *PayPlus) Name() string { return "payplus" }

type payplusLinkRequest struct {
	PaymentPageUID string            `json:"payment_page_uid"`
	ChargeMethod   int               `json:"charge_method"`
	Amount         float64           `json:"amount"`
	CurrencyCode   string            `json:"currency_code"`
	MoreInfo       string            `json:"more_info,omitempty"`
	Customer       payplusCustomer   `json:"customer"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

type payplusCustomer struct {
	Email string `json:"email,omitempty"`
}

type payplusLinkResponse struct {
	Results struct {
		Status      string `json:"status"`
		Description string `json:"description"`
	} `json:"results"`
	Data struct {
		PageRequestUID  string `json:"page_request_uid"`
		PaymentPageLink string `json:"payment_page_link"`
	} `json:"data"`
}

// CreatePaymentLink requests a hosted payment page.
func (p *PayPlus) CreatePaymentLink(ctx context.Context, req LinkRequest) (*PaymentLink, error) {
	payload, err := json.Marshal(payplusLinkRequest{
		PaymentPageUID: p.pageUID,
		ChargeMethod:   1,
		Amount:         req.Amount,
		CurrencyCode:   req.Currency,
		MoreInfo:       req.Description,
		Customer:       payplusCustomer{Email: req.CustomerEmail},
		Metadata:       req.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payplus link request: %w", err)
	}

	auth, err := json.Marshal(map[string]string{"api_key": p.apiKey, "secret_key": p.secretKey})
	if err != nil {
		return nil, fmt.Errorf("marshal payplus auth: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/api/v1.0/PaymentPages/generateLink", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build payplus request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", string(auth))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		p.logger.Printf("❌ generateLink transport failure: %v", err)
		return nil, fmt.Errorf("payplus request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrInvalidCredentials
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxProviderErrorBody))
		p.logger.Printf("⚠️ generateLink answered %d: %s", resp.StatusCode, snippet)
		return nil, &ProviderError{Provider: "payplus",
			Message: fmt.Sprintf("payment link request failed with status %d", resp.StatusCode)}
	}

	var out payplusLinkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode payplus response: %w", err)
	}
	if !strings.EqualFold(out.Results.Status, "success") {
		return nil, &ProviderError{Provider: "payplus", Message: out.Results.Description}
	}
	if out.Data.PageRequestUID == "" || out.Data.PaymentPageLink == "" {
		return nil, &ProviderError{Provider: "payplus", Message: "response missing page_request_uid or payment_page_link"}
	}

	return &PaymentLink{
		URL:                   out.Data.PaymentPageLink,
		ProviderTransactionID: out.Data.PageRequestUID,
	}, nil
}

// VerifyWebhook checks the HMAC-SHA256 signature over the raw body.
func (p *PayPlus) VerifyWebhook(body []byte, header http.Header) (bool, error) {
	sig := header.Get(SignatureHeader)
	if sig == "" {
		return false, fmt.Errorf("missing %s header: %w", SignatureHeader, ErrWebhookVerification)
	}
	const prefix = "sha256="
	if !strings.HasPrefix(sig, prefix) {
		return false, fmt.Errorf("malformed signature %q: %w", sig, ErrWebhookVerification)
	}
	got, err := hex.DecodeString(strings.TrimPrefix(sig, prefix))
	if err != nil {
		return false, fmt.Errorf("signature is not hex: %w", ErrWebhookVerification)
	}

	mac := hmac.New(sha256.New, []byte(p.secretKey))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil)), nil
}

type payplusWebhook struct {
	PageRequestUID string                 `json:"page_request_uid"`
	Status         string                 `json:"status"`
	Amount         float64                `json:"amount"`
	Currency       string                 `json:"currency"`
	CompletedAt    string                 `json:"completed_at,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// ParseWebhookPayment normalizes a delivery body.
func (p *PayPlus) ParseWebhookPayment(body []byte) (*WebhookPaymentData, error) {
	var w payplusWebhook
	if err := json.Unmarshal(body, &w); err != nil {
		return nil, fmt.Errorf("parse payplus webhook: %w", err)
	}
	if w.PageRequestUID == "" {
		return nil, fmt.Errorf("payplus webhook missing page_request_uid")
	}

	status, err := normalizePayplusStatus(w.Status)
	if err != nil {
		return nil, err
	}

	data := &WebhookPaymentData{
		ProviderTransactionID: w.PageRequestUID,
		Status:                status,
		Amount:                w.Amount,
		Currency:              w.Currency,
		FailureReason:         w.FailureReason,
		Metadata:              w.Metadata,
	}
	if w.CompletedAt != "" {
		at, err := time.Parse(time.RFC3339, w.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("payplus webhook completed_at %q: %w", w.CompletedAt, err)
		}
		data.CompletedAt = &at
	}
	return data, nil
}

// normalizePayplusStatus folds the gateway's status vocabulary onto the
// transaction ladder.
func normalizePayplusStatus(s string) (core.TransactionStatus, error) {
	switch strings.ToLower(s) {
	case "completed", "approved", "success":
		return core.TxCompleted, nil
	case "failed", "declined", "error":
		return core.TxFailed, nil
	case "refunded", "refund":
		return core.TxRefunded, nil
	case "pending", "in_progress", "created":
		return core.TxPending, nil
	}
	return "", fmt.Errorf("unknown payplus status %q", s)
}

// SignBody computes the signature value a delivery for body would carry.
func SignBody(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
