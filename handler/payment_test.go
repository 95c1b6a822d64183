package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPaymentService struct {
	createFunc   func(ctx context.Context, providerName string, req provider.CreateSessionRequest) (*provider.CreateSessionResult, error)
	callbackFunc func(ctx context.Context, providerName string, payload provider.CallbackPayload) (*provider.CallbackOutcome, error)
	sessions     map[string]*provider.PaymentSession
	refunds      []int64
	providers    map[string]provider.PaymentProvider
}

func (m *mockPaymentService) CreateSession(ctx context.Context, providerName string, req provider.CreateSessionRequest) (*provider.CreateSessionResult, error) {
	if m.createFunc != nil {
		return m.createFunc(ctx, providerName, req)
	}
	return &provider.CreateSessionResult{
		OrderReference: "PG-TEST-1",
		Provider:       providerName,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Status:         provider.StatusPending,
	}, nil
}

func (m *mockPaymentService) HandleCallback(ctx context.Context, providerName string, payload provider.CallbackPayload) (*provider.CallbackOutcome, error) {
	return m.callbackFunc(ctx, providerName, payload)
}

func (m *mockPaymentService) GetSession(_ context.Context, orderRef string) (*provider.SessionView, error) {
	session, ok := m.sessions[orderRef]
	if !ok {
		return nil, provider.ErrSessionNotFound
	}
	return &provider.SessionView{PaymentSession: session, Verified: session.Status != provider.StatusPending}, nil
}

func (m *mockPaymentService) Refund(_ context.Context, orderRef string, amount int64) (*provider.RefundResult, error) {
	m.refunds = append(m.refunds, amount)
	return &provider.RefundResult{OrderReference: orderRef, Amount: amount, Status: provider.StatusRefunded}, nil
}

func (m *mockPaymentService) Provider(name string) (provider.PaymentProvider, error) {
	p, ok := m.providers[name]
	if !ok {
		return nil, provider.ErrProviderUnavailable
	}
	return p, nil
}

// ackProvider answers callbacks the way PayTR expects
type ackProvider struct {
	provider.PaymentProvider
}

func (ackProvider) AcknowledgeCallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type fakeCalls struct {
	calls []provider.ProviderCall
}

func (f *fakeCalls) CallsForOrder(_ context.Context, orderRef string) ([]provider.ProviderCall, error) {
	var out []provider.ProviderCall
	for _, c := range f.calls {
		if c.OrderReference == orderRef {
			out = append(out, c)
		}
	}
	return out, nil
}

func withURLParams(req *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
}

const sessionBody = `{
	"amount": 15000,
	"currency": "TRY",
	"buyer": {"name": "Ada", "surname": "Lovelace", "email": "ada@example.com", "address": "Moda Cd. 1", "city": "Istanbul", "country": "Turkey"},
	"basketItems": [{"id": "night-1", "name": "Hotel night", "category": "Boarding", "price": 15000, "quantity": 1}]
}`

func TestPaymentHandler_CreateSession(t *testing.T) {
	var got provider.CreateSessionRequest
	svc := &mockPaymentService{
		createFunc: func(_ context.Context, providerName string, req provider.CreateSessionRequest) (*provider.CreateSessionResult, error) {
			got = req
			return &provider.CreateSessionResult{OrderReference: "PG-TEST-1", Provider: providerName, Status: provider.StatusPending}, nil
		},
	}
	h := NewPaymentHandler(svc, nil, "")

	tests := []struct {
		name           string
		body           string
		claims         bool
		expectedStatus int
	}{
		{name: "created", body: sessionBody, claims: true, expectedStatus: http.StatusCreated},
		{name: "anonymous", body: sessionBody, claims: false, expectedStatus: http.StatusUnauthorized},
		{name: "empty basket", body: `{"amount":100,"currency":"TRY","buyer":{},"basketItems":[]}`, claims: true, expectedStatus: http.StatusBadRequest},
		{name: "unsupported currency", body: strings.Replace(sessionBody, `"TRY"`, `"XYZ"`, 1), claims: true, expectedStatus: http.StatusBadRequest},
		{name: "malformed", body: `{"amount":`, claims: true, expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := withURLParams(jsonRequest(http.MethodPost, "/v1/payments/paytr", tt.body), map[string]string{"provider": "paytr"})
			if tt.claims {
				req = withClaims(req, "user-1", auth.RoleCustomer)
			}
			rec := serve(h.CreateSession, req)
			assert.Equal(t, tt.expectedStatus, rec.Code, rec.Body.String())
		})
	}

	// identity comes from the token and the connection, never the body
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "user-1", got.Buyer.ID)
	assert.Equal(t, "198.51.100.20", got.ClientIP)
	assert.Equal(t, "198.51.100.20", got.Buyer.IP)
}

func TestPaymentHandler_GetSession(t *testing.T) {
	svc := &mockPaymentService{sessions: map[string]*provider.PaymentSession{
		"PG-TEST-1": {OrderReference: "PG-TEST-1", UserID: "owner", Status: provider.StatusSuccess, CreatedAt: time.Now()},
	}}
	h := NewPaymentHandler(svc, nil, "")

	tests := []struct {
		name           string
		orderRef       string
		userID         string
		role           string
		expectedStatus int
	}{
		{name: "owner", orderRef: "PG-TEST-1", userID: "owner", role: auth.RoleCustomer, expectedStatus: http.StatusOK},
		{name: "admin", orderRef: "PG-TEST-1", userID: "staff", role: auth.RoleAdmin, expectedStatus: http.StatusOK},
		{name: "other customer", orderRef: "PG-TEST-1", userID: "intruder", role: auth.RoleCustomer, expectedStatus: http.StatusNotFound},
		{name: "unknown order", orderRef: "PG-MISSING", userID: "owner", role: auth.RoleCustomer, expectedStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/payments/"+tt.orderRef, nil)
			req = withClaims(withURLParams(req, map[string]string{"orderRef": tt.orderRef}), tt.userID, tt.role)
			rec := serve(h.GetSession, req)
			assert.Equal(t, tt.expectedStatus, rec.Code)
		})
	}
}

func TestPaymentHandler_Refund(t *testing.T) {
	svc := &mockPaymentService{}
	h := NewPaymentHandler(svc, nil, "")
	params := map[string]string{"orderRef": "PG-TEST-1"}

	full := httptest.NewRequest(http.MethodPost, "/v1/admin/payments/PG-TEST-1/refund", nil)
	assert.Equal(t, http.StatusOK, serve(h.Refund, withURLParams(full, params)).Code)

	partial := jsonRequest(http.MethodPost, "/v1/admin/payments/PG-TEST-1/refund", `{"amount":500}`)
	assert.Equal(t, http.StatusOK, serve(h.Refund, withURLParams(partial, params)).Code)

	negative := jsonRequest(http.MethodPost, "/v1/admin/payments/PG-TEST-1/refund", `{"amount":-1}`)
	assert.Equal(t, http.StatusBadRequest, serve(h.Refund, withURLParams(negative, params)).Code)

	assert.Equal(t, []int64{0, 500}, svc.refunds)
}

func TestPaymentHandler_ListCalls(t *testing.T) {
	params := map[string]string{"orderRef": "PG-TEST-1"}

	disabled := NewPaymentHandler(&mockPaymentService{}, nil, "")
	rec := serve(disabled.ListCalls, withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), params))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	calls := &fakeCalls{calls: []provider.ProviderCall{
		{ID: "1", Provider: "paytr", Operation: "initialize", OrderReference: "PG-TEST-1"},
		{ID: "2", Provider: "paytr", Operation: "initialize", OrderReference: "PG-OTHER"},
	}}
	h := NewPaymentHandler(&mockPaymentService{}, calls, "")
	rec = serve(h.ListCalls, withURLParams(httptest.NewRequest(http.MethodGet, "/", nil), params))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []provider.ProviderCall
	decode(t, rec, &got)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)
}

func TestPaymentHandler_HandleCallback_Redirect(t *testing.T) {
	tests := []struct {
		name     string
		outcome  *provider.CallbackOutcome
		err      error
		expected url.Values
	}{
		{
			name:     "verified",
			outcome:  &provider.CallbackOutcome{OrderReference: "PG-TEST-1", Status: provider.StatusSuccess},
			expected: url.Values{"orderRef": {"PG-TEST-1"}, "status": {"success"}},
		},
		{
			name:     "replay",
			err:      provider.ErrReplayDetected,
			expected: url.Values{"status": {"processed"}},
		},
		{
			name:     "forged",
			err:      provider.ErrInvalidSignature,
			expected: url.Values{"status": {"unverified"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var received provider.CallbackPayload
			svc := &mockPaymentService{callbackFunc: func(_ context.Context, _ string, payload provider.CallbackPayload) (*provider.CallbackOutcome, error) {
				received = payload
				return tt.outcome, tt.err
			}}
			h := NewPaymentHandler(svc, nil, "https://paw.example.com/")

			req := httptest.NewRequest(http.MethodPost, "/callback/iyzico?source=browser", strings.NewReader("token=abc&conversationId=PG-TEST-1"))
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			rec := serve(h.HandleCallback, withURLParams(req, map[string]string{"provider": "iyzico"}))

			require.Equal(t, http.StatusSeeOther, rec.Code)
			location, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "/payment/result", location.Path)
			assert.Equal(t, tt.expected, location.Query())

			assert.Equal(t, "abc", received.Fields["token"])
			assert.Equal(t, "browser", received.Fields["source"])
			assert.Equal(t, "token=abc&conversationId=PG-TEST-1", string(received.RawBody))
		})
	}
}

func TestPaymentHandler_HandleCallback_Acknowledged(t *testing.T) {
	svc := &mockPaymentService{
		providers: map[string]provider.PaymentProvider{"paytr": ackProvider{}},
		callbackFunc: func(context.Context, string, provider.CallbackPayload) (*provider.CallbackOutcome, error) {
			return nil, provider.ErrInvalidSignature
		},
	}
	h := NewPaymentHandler(svc, nil, "https://paw.example.com")

	req := httptest.NewRequest(http.MethodPost, "/callback/paytr", strings.NewReader("merchant_oid=PG1&hash=forged"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serve(h.HandleCallback, withURLParams(req, map[string]string{"provider": "paytr"}))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestPaymentHandler_HandleWebhook_AlwaysOK(t *testing.T) {
	tests := []struct {
		name    string
		outcome *provider.CallbackOutcome
		err     error
		message string
	}{
		{name: "processed", outcome: &provider.CallbackOutcome{OrderReference: "PG-TEST-1", Status: provider.StatusSuccess}, message: "Processed"},
		{name: "ignored event", err: provider.ErrEventIgnored, message: "Received"},
		{name: "bad signature", err: provider.ErrInvalidSignature, message: "Received"},
		{name: "upstream down", err: provider.ErrUpstream, message: "Received"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockPaymentService{callbackFunc: func(context.Context, string, provider.CallbackPayload) (*provider.CallbackOutcome, error) {
				return tt.outcome, tt.err
			}}
			h := NewPaymentHandler(svc, nil, "")

			req := jsonRequest(http.MethodPost, "/webhooks/stripe", `{"id":"evt_1","type":"checkout.session.completed"}`)
			req.Header.Set("Stripe-Signature", "t=1,v1=abc")
			rec := serve(h.HandleWebhook, withURLParams(req, map[string]string{"provider": "stripe"}))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.message, decode(t, rec, nil).Message)
		})
	}
}
