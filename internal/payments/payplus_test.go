package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pazpaz/backend/internal/core"
)

func payplusForTest(t *testing.T, baseURL string) *PayPlus {
	t.Helper()
	p, err := NewPayPlus(map[string]string{
		"api_key":          "pk-123",
		"secret_key":       "sk-456",
		"payment_page_uid": "page-1",
		"base_url":         baseURL,
	})
	require.NoError(t, err)
	return p
}

func TestNewPayPlusRequiresCredentials(t *testing.T) {
	for name, config := range map[string]map[string]string{
		"empty":        {},
		"no secret":    {"api_key": "k", "payment_page_uid": "p"},
		"no page uid":  {"api_key": "k", "secret_key": "s"},
		"no api key":   {"secret_key": "s", "payment_page_uid": "p"},
		"blank values": {"api_key": "", "secret_key": "", "payment_page_uid": ""},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := NewPayPlus(config)
			assert.ErrorIs(t, err, ErrProviderNotConfigured)
		})
	}
}

func TestCreatePaymentLink(t *testing.T) {
	var got payplusLinkRequest
	var auth map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1.0/PaymentPages/generateLink", r.URL.Path)
		require.NoError(t, json.Unmarshal([]byte(r.Header.Get("Authorization")), &auth))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"results":{"status":"success"},"data":{"page_request_uid":"pp-1","payment_page_link":"https://pay.example/pp-1"}}`)
	}))
	defer srv.Close()

	p := payplusForTest(t, srv.URL)
	link, err := p.CreatePaymentLink(context.Background(), LinkRequest{
		Amount:        117,
		Currency:      "ILS",
		Description:   "Treatment for Dana Levi",
		CustomerEmail: "dana@example.com",
		Metadata:      map[string]string{"appointment_id": "a-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://pay.example/pp-1", link.URL)
	assert.Equal(t, "pp-1", link.ProviderTransactionID)

	assert.Equal(t, "pk-123", auth["api_key"])
	assert.Equal(t, "sk-456", auth["secret_key"])
	assert.Equal(t, "page-1", got.PaymentPageUID)
	assert.Equal(t, 117.0, got.Amount)
	assert.Equal(t, "ILS", got.CurrencyCode)
	assert.Equal(t, "dana@example.com", got.Customer.Email)
	assert.Equal(t, "a-1", got.Metadata["appointment_id"])
}

func TestCreatePaymentLinkUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := payplusForTest(t, srv.URL).CreatePaymentLink(context.Background(), LinkRequest{Amount: 10, Currency: "ILS"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.ErrorIs(t, err, core.ErrUnauthenticated)
}

func TestCreatePaymentLinkGatewayRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"results":{"status":"error","description":"payment page disabled"}}`)
	}))
	defer srv.Close()

	_, err := payplusForTest(t, srv.URL).CreatePaymentLink(context.Background(), LinkRequest{Amount: 10, Currency: "ILS"})

	var pErr *ProviderError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "payplus", pErr.Provider)
	assert.Contains(t, pErr.Message, "payment page disabled")
	assert.ErrorIs(t, err, core.ErrBadRequest)
}

func TestCreatePaymentLinkServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := payplusForTest(t, srv.URL).CreatePaymentLink(context.Background(), LinkRequest{Amount: 10, Currency: "ILS"})

	var pErr *ProviderError
	assert.ErrorAs(t, err, &pErr)
}

func TestVerifyWebhook(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	body := []byte(`{"page_request_uid":"pp-1","status":"completed"}`)

	h := http.Header{}
	h.Set(SignatureHeader, SignBody(body, "sk-456"))

	ok, err := p.VerifyWebhook(body, h)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerifyWebhookWrongSecret(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	body := []byte(`{"page_request_uid":"pp-1"}`)

	h := http.Header{}
	h.Set(SignatureHeader, SignBody(body, "some-other-secret"))

	// Structurally valid signatures that fail the comparison are a clean
	// false, not an error.
	ok, err := p.VerifyWebhook(body, h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookTamperedBody(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	body := []byte(`{"page_request_uid":"pp-1","amount":117}`)

	h := http.Header{}
	h.Set(SignatureHeader, SignBody(body, "sk-456"))

	tampered := []byte(`{"page_request_uid":"pp-1","amount":999}`)
	ok, err := p.VerifyWebhook(tampered, h)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyWebhookMalformedHeader(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	body := []byte(`{}`)

	for name, value := range map[string]string{
		"missing":   "",
		"no prefix": "deadbeef",
		"not hex":   "sha256=zzzz",
	} {
		t.Run(name, func(t *testing.T) {
			h := http.Header{}
			if value != "" {
				h.Set(SignatureHeader, value)
			}
			ok, err := p.VerifyWebhook(body, h)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrWebhookVerification)
		})
	}
}

func TestParseWebhookPayment(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	body := []byte(`{
		"page_request_uid": "pp-9",
		"status": "approved",
		"amount": 117.0,
		"currency": "ILS",
		"completed_at": "2026-03-01T10:30:00Z",
		"metadata": {"workspace_id": "ws-1", "appointment_id": "a-1"}
	}`)

	data, err := p.ParseWebhookPayment(body)
	require.NoError(t, err)

	assert.Equal(t, "pp-9", data.ProviderTransactionID)
	assert.Equal(t, core.TxCompleted, data.Status)
	assert.Equal(t, 117.0, data.Amount)
	assert.Equal(t, "ILS", data.Currency)
	require.NotNil(t, data.CompletedAt)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC), data.CompletedAt.UTC())
	assert.Equal(t, "a-1", data.Metadata["appointment_id"])
}

func TestParseWebhookPaymentStatusAliases(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	for alias, want := range map[string]core.TransactionStatus{
		"completed": core.TxCompleted,
		"approved":  core.TxCompleted,
		"success":   core.TxCompleted,
		"failed":    core.TxFailed,
		"declined":  core.TxFailed,
		"refunded":  core.TxRefunded,
		"refund":    core.TxRefunded,
		"pending":   core.TxPending,
		"PENDING":   core.TxPending,
	} {
		body := []byte(fmt.Sprintf(`{"page_request_uid":"pp-1","status":%q}`, alias))
		data, err := p.ParseWebhookPayment(body)
		require.NoError(t, err, alias)
		assert.Equal(t, want, data.Status, alias)
	}
}

func TestParseWebhookPaymentRejects(t *testing.T) {
	p := payplusForTest(t, "http://unused")
	for name, body := range map[string]string{
		"not json":       `{{`,
		"missing uid":    `{"status":"completed"}`,
		"unknown status": `{"page_request_uid":"pp-1","status":"teleported"}`,
		"bad timestamp":  `{"page_request_uid":"pp-1","status":"completed","completed_at":"yesterday"}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := p.ParseWebhookPayment([]byte(body))
			assert.Error(t, err)
		})
	}
}
