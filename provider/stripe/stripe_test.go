package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	testSecretKey     = "sk_test_0123456789abcdefghij"
	testWebhookSecret = "whsec_test_0123456789"
	testOrderRef      = "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"
)

func newTestProvider(t *testing.T, baseURL string) *StripeProvider {
	t.Helper()
	p := NewProvider().(*StripeProvider)
	require.NoError(t, p.Initialize(map[string]string{
		"secretKey":     testSecretKey,
		"webhookSecret": testWebhookSecret,
		"environment":   "sandbox",
		"baseUrl":       baseURL,
		"returnUrl":     "https://paw.example.com/payment/result",
	}))
	return p
}

func checkoutEvent(eventType, paymentStatus string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"livemode": false,
		"api_version": "2025-01-27.acacia",
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"client_reference_id": %q,
			"amount_total": %d,
			"currency": "try",
			"payment_status": %q,
			"payment_intent": "pi_123"
		}}
	}`, eventType, testOrderRef, amount, paymentStatus))
}

func signedPayload(body []byte, secret string) provider.CallbackPayload {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    secret,
		Timestamp: time.Now(),
	})
	headers := http.Header{}
	headers.Set(signatureHeader, signed.Header)
	return provider.CallbackPayload{Headers: headers, RawBody: body}
}

func TestStripeProvider_Initialize(t *testing.T) {
	err := NewProvider().Initialize(map[string]string{"secretKey": testSecretKey})
	assert.Error(t, err, "webhookSecret is required")

	err = NewProvider().Initialize(map[string]string{"secretKey": testSecretKey, "webhookSecret": testWebhookSecret})
	assert.NoError(t, err)
}

func TestStripeProvider_ValidateConfig(t *testing.T) {
	p := NewProvider()

	assert.NoError(t, p.ValidateConfig(map[string]string{
		"secretKey":     testSecretKey,
		"webhookSecret": testWebhookSecret,
	}))
	assert.Error(t, p.ValidateConfig(map[string]string{
		"secretKey":     "pk_test_0123456789abcdefghij",
		"webhookSecret": testWebhookSecret,
	}))
}

func TestStripeProvider_VerifyCallback(t *testing.T) {
	p := newTestProvider(t, "")

	tests := []struct {
		name       string
		payload    provider.CallbackPayload
		wantErr    error
		wantStatus provider.PaymentStatus
	}{
		{
			name:       "completed and paid",
			payload:    signedPayload(checkoutEvent("checkout.session.completed", "paid", 15000), testWebhookSecret),
			wantStatus: provider.StatusSuccess,
		},
		{
			name:       "async payment failed",
			payload:    signedPayload(checkoutEvent("checkout.session.async_payment_failed", "unpaid", 15000), testWebhookSecret),
			wantStatus: provider.StatusFailed,
		},
		{
			name:    "completed but unpaid waits",
			payload: signedPayload(checkoutEvent("checkout.session.completed", "unpaid", 15000), testWebhookSecret),
			wantErr: provider.ErrEventIgnored,
		},
		{
			name:    "unrelated event",
			payload: signedPayload(checkoutEvent("customer.created", "paid", 15000), testWebhookSecret),
			wantErr: provider.ErrEventIgnored,
		},
		{
			name:    "signed with another secret",
			payload: signedPayload(checkoutEvent("checkout.session.completed", "paid", 100), "whsec_attacker"),
			wantErr: provider.ErrInvalidSignature,
		},
		{
			name:    "missing signature header",
			payload: provider.CallbackPayload{Headers: http.Header{}, RawBody: checkoutEvent("checkout.session.completed", "paid", 100)},
			wantErr: provider.ErrMissingCallbackField,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := p.VerifyCallback(context.Background(), tt.payload)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, testOrderRef, n.OrderReference)
			assert.Equal(t, tt.wantStatus, n.Status)
			assert.Equal(t, int64(15000), n.Amount)
			assert.Equal(t, "TRY", n.Currency)
			assert.Equal(t, "pi_123", n.TransactionID)
			assert.True(t, n.TestMode)
		})
	}
}

func TestStripeProvider_VerifyCallback_TamperedBody(t *testing.T) {
	p := newTestProvider(t, "")
	payload := signedPayload(checkoutEvent("checkout.session.completed", "paid", 15000), testWebhookSecret)
	payload.RawBody = checkoutEvent("checkout.session.completed", "paid", 100)

	_, err := p.VerifyCallback(context.Background(), payload)
	require.Error(t, err)
	assert.Equal(t, apperror.KindSecurityViolation, apperror.KindOf(err))
}

func TestStripeProvider_InitializePayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, endpointCheckoutSessions, r.URL.Path)
		assert.Equal(t, "Bearer "+testSecretKey, r.Header.Get("Authorization"))
		assert.Equal(t, "checkout-"+testOrderRef, r.Header.Get("Idempotency-Key"))
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, testOrderRef, r.PostForm.Get("client_reference_id"))
		assert.Equal(t, "try", r.PostForm.Get("line_items[0][price_data][currency]"))
		assert.Equal(t, "10000", r.PostForm.Get("line_items[0][price_data][unit_amount]"))
		assert.Equal(t, "2", r.PostForm.Get("line_items[0][quantity]"))
		assert.Contains(t, r.PostForm.Get("success_url"), "result=success")
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.com/c/pay/cs_test_1"}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	resp, err := p.InitializePayment(context.Background(), provider.PaymentRequest{
		OrderReference: testOrderRef,
		Amount:         20000,
		Currency:       "TRY",
		Buyer:          provider.Buyer{Email: "ada@example.com"},
		BasketItems:    []provider.BasketItem{{ID: "night", Name: "Hotel night", Category: "hotel", Price: 10000, Quantity: 2}},
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "cs_test_1", resp.Token)
	assert.Equal(t, "https://checkout.stripe.com/c/pay/cs_test_1", resp.PaymentURL)
}

func TestStripeProvider_InitializePayment_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"parameter_missing","message":"Missing required param: line_items."}}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	resp, err := p.InitializePayment(context.Background(), provider.PaymentRequest{OrderReference: testOrderRef})
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, "parameter_missing", resp.ErrorCode)
}

func TestStripeProvider_RefundPayment(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, endpointRefunds, r.URL.Path)
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "pi_123", r.PostForm.Get("payment_intent"))
		assert.Equal(t, "5000", r.PostForm.Get("amount"))
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","amount":5000,"status":"succeeded"}`))
	}))
	defer server.Close()

	p := newTestProvider(t, server.URL)
	resp, err := p.RefundPayment(context.Background(), provider.RefundRequest{
		OrderReference: testOrderRef,
		TransactionID:  "pi_123",
		Amount:         5000,
		Currency:       "TRY",
	})
	require.NoError(t, err)
	assert.True(t, resp.Success)
	assert.Equal(t, "re_1", resp.RefundID)
	assert.Equal(t, int64(5000), resp.Amount)

	_, err = p.RefundPayment(context.Background(), provider.RefundRequest{OrderReference: testOrderRef, Amount: 5000})
	assert.Error(t, err)
}
