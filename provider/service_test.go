package provider

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/metrics"
	"github.com/mstgnz/pawguard/infra/notify"
	"github.com/mstgnz/pawguard/infra/store"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeProvider trusts the callback fields as given, unless verifyErr is
// set. The pipeline checks after VerifyCallback are what these tests cover.
type fakeProvider struct {
	initCalls   atomic.Int32
	initErrs    []error
	initResp    *PaymentResponse
	verifyErr   error
	refundResp  *RefundResponse
	refundCalls atomic.Int32
	lastRefund  RefundRequest
}

func (f *fakeProvider) Initialize(map[string]string) error { return nil }
func (f *fakeProvider) GetRequiredConfig(string) []ConfigField { return nil }
func (f *fakeProvider) ValidateConfig(map[string]string) error { return nil }

func (f *fakeProvider) InitializePayment(ctx context.Context, req PaymentRequest) (*PaymentResponse, error) {
	n := int(f.initCalls.Add(1))
	if n <= len(f.initErrs) && f.initErrs[n-1] != nil {
		if errors.Is(f.initErrs[n-1], context.DeadlineExceeded) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return nil, f.initErrs[n-1]
	}
	if f.initResp != nil {
		return f.initResp, nil
	}
	return &PaymentResponse{Success: true, Token: "tok-" + req.OrderReference, PaymentURL: "https://pay.example.com/" + req.OrderReference}, nil
}

func (f *fakeProvider) VerifyCallback(_ context.Context, payload CallbackPayload) (*CallbackNotification, error) {
	if f.verifyErr != nil {
		return nil, f.verifyErr
	}
	var amount int64
	for _, c := range payload.Fields["amount"] {
		amount = amount*10 + int64(c-'0')
	}
	n := &CallbackNotification{
		OrderReference: payload.Fields["ref"],
		RawStatus:      payload.Fields["status"],
		Amount:         amount,
		TransactionID:  "tx-1",
	}
	switch payload.Fields["status"] {
	case "success":
		n.Status = StatusSuccess
	case "failed":
		n.Status = StatusFailed
	}
	return n, nil
}

func (f *fakeProvider) RefundPayment(_ context.Context, req RefundRequest) (*RefundResponse, error) {
	f.refundCalls.Add(1)
	f.lastRefund = req
	if f.refundResp != nil {
		return f.refundResp, nil
	}
	return &RefundResponse{Success: true, RefundID: "rf-1", Amount: req.Amount}, nil
}

type serviceFixture struct {
	svc       *PaymentService
	fake      *fakeProvider
	sessions  *MemorySessionStore
	recorder  *notify.Recorder
	providers *Providers
}

func newServiceFixture(t *testing.T, cfg ServiceConfig) *serviceFixture {
	t.Helper()
	fake := &fakeProvider{}
	providers := NewProviders()
	providers.Add("fake", fake)
	sessions := NewMemorySessionStore()
	recorder := &notify.Recorder{}
	ledger := NewLedger(store.NewMemory(), time.Hour, nil)
	if cfg.InitTimeout == 0 {
		cfg.InitTimeout = time.Second
	}
	return &serviceFixture{
		svc:       NewPaymentService(providers, sessions, ledger, recorder, nil, cfg),
		fake:      fake,
		sessions:  sessions,
		recorder:  recorder,
		providers: providers,
	}
}

func validSessionRequest() CreateSessionRequest {
	return CreateSessionRequest{
		UserID:   "user-1",
		ClientIP: "203.0.113.9",
		Amount:   25000,
		Currency: "TRY",
		Buyer: Buyer{
			ID: "user-1", Name: "Ada", Surname: "Lovelace", Email: "ada@example.com",
			Address: "Moda Cd. 1", City: "Istanbul", Country: "Turkey",
		},
		BasketItems: []BasketItem{
			{ID: "night", Name: "Hotel night", Category: "hotel", Price: 10000, Quantity: 2},
			{ID: "taxi", Name: "Pet taxi", Category: "taxi", Price: 5000, Quantity: 1},
		},
	}
}

func (f *serviceFixture) createSession(t *testing.T) string {
	t.Helper()
	res, err := f.svc.CreateSession(context.Background(), "fake", validSessionRequest())
	require.NoError(t, err)
	return res.OrderReference
}

func callback(ref, status, amount string) CallbackPayload {
	return CallbackPayload{
		Fields:   map[string]string{"ref": ref, "status": status, "amount": amount},
		SourceIP: "198.51.100.7",
	}
}

func TestPaymentService_CreateSession(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})

	res, err := f.svc.CreateSession(context.Background(), "fake", validSessionRequest())
	require.NoError(t, err)
	assert.Len(t, res.OrderReference, 32)
	assert.Equal(t, StatusPending, res.Status)
	assert.Equal(t, "https://pay.example.com/"+res.OrderReference, res.PaymentURL)

	session, err := f.sessions.Get(context.Background(), res.OrderReference)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, session.Status)
	assert.Equal(t, int64(25000), session.Amount)
	assert.Equal(t, "tok-"+res.OrderReference, session.ProviderToken)
	assert.Equal(t, "203.0.113.9", session.Buyer.IP)
}

func TestPaymentService_CreateSession_Validation(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})

	tests := []struct {
		name    string
		mutate  func(*CreateSessionRequest)
		wantErr error
	}{
		{
			name:    "basket does not add up",
			mutate:  func(r *CreateSessionRequest) { r.Amount = 24000 },
			wantErr: ErrBasketMismatch,
		},
		{
			name:   "empty basket",
			mutate: func(r *CreateSessionRequest) { r.BasketItems = nil },
		},
		{
			name:   "negative amount",
			mutate: func(r *CreateSessionRequest) { r.Amount = -5 },
		},
		{
			name:   "bad email",
			mutate: func(r *CreateSessionRequest) { r.Buyer.Email = "not-an-email" },
		},
		{
			name:   "unknown currency",
			mutate: func(r *CreateSessionRequest) { r.Currency = "XXX1" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validSessionRequest()
			tt.mutate(&req)
			_, err := f.svc.CreateSession(context.Background(), "fake", req)
			require.Error(t, err)
			assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
			}
		})
	}
	assert.Zero(t, f.fake.initCalls.Load(), "provider must not be called for invalid requests")
}

func TestPaymentService_CreateSession_UnknownProvider(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	_, err := f.svc.CreateSession(context.Background(), "nope", validSessionRequest())
	assert.True(t, errors.Is(err, ErrProviderUnavailable))
}

func TestPaymentService_CreateSession_RetriesOnce(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	f.fake.initErrs = []error{ErrUpstream}

	res, err := f.svc.CreateSession(context.Background(), "fake", validSessionRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, res.OrderReference)
	assert.Equal(t, int32(2), f.fake.initCalls.Load())
}

func TestPaymentService_CreateSession_TimeoutTwice(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{InitTimeout: 20 * time.Millisecond})
	f.fake.initErrs = []error{context.DeadlineExceeded, context.DeadlineExceeded}

	_, err := f.svc.CreateSession(context.Background(), "fake", validSessionRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))
	assert.Equal(t, apperror.KindTimeout, apperror.KindOf(err))
	assert.Equal(t, int32(2), f.fake.initCalls.Load())
}

func TestPaymentService_CreateSession_NotRetriedOnRejection(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	f.fake.initResp = &PaymentResponse{Success: false, ErrorCode: "1001", Message: "bad credentials"}

	_, err := f.svc.CreateSession(context.Background(), "fake", validSessionRequest())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, int32(1), f.fake.initCalls.Load())
}

func TestPaymentService_HandleCallback_Success(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)

	out, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.False(t, out.Replayed)

	view, err := f.svc.GetSession(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, view.Verified)
	assert.Equal(t, StatusSuccess, view.Status)
	assert.Equal(t, "tx-1", view.TransactionID)

	msgs := f.recorder.Messages(notify.SubjectPaymentSucceeded)
	require.Len(t, msgs, 1)
	assert.Equal(t, ref, msgs[0].ID)
	event, ok := msgs[0].Payload.(PaymentEvent)
	require.True(t, ok)
	assert.Equal(t, int64(25000), event.Amount)
	assert.Equal(t, "user-1", event.UserID)
}

func TestPaymentService_HandleCallback_Failed(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)

	out, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "failed", "25000"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, out.Status)
	assert.Len(t, f.recorder.Messages(notify.SubjectPaymentFailed), 1)
	assert.Empty(t, f.recorder.Messages(notify.SubjectPaymentSucceeded))
}

func TestPaymentService_HandleCallback_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		payload func(ref string) CallbackPayload
		setup   func(f *serviceFixture)
		wantErr error
	}{
		{
			name:    "tampered amount",
			payload: func(ref string) CallbackPayload { return callback(ref, "success", "100") },
			wantErr: ErrAmountMismatch,
		},
		{
			name:    "zero amount",
			payload: func(ref string) CallbackPayload { return callback(ref, "success", "0") },
			wantErr: ErrAmountMismatch,
		},
		{
			name:    "unknown order",
			payload: func(string) CallbackPayload { return callback("ffffffffffffffffffffffffffffffff", "success", "25000") },
			wantErr: ErrUnknownOrder,
		},
		{
			name:    "status outside the enum",
			payload: func(ref string) CallbackPayload { return callback(ref, "waiting", "25000") },
			wantErr: ErrInvalidStatus,
		},
		{
			name:    "signature mismatch",
			payload: func(ref string) CallbackPayload { return callback(ref, "success", "25000") },
			setup:   func(f *serviceFixture) { f.fake.verifyErr = ErrInvalidSignature },
			wantErr: ErrInvalidSignature,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServiceFixture(t, ServiceConfig{})
			ref := f.createSession(t)
			if tt.setup != nil {
				tt.setup(f)
			}

			_, err := f.svc.HandleCallback(context.Background(), "fake", tt.payload(ref))
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			assert.Equal(t, apperror.KindSecurityViolation, apperror.KindOf(err))

			session, err := f.sessions.Get(context.Background(), ref)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, session.Status, "rejected callbacks never move the session")
			assert.Empty(t, f.recorder.Messages(""))
		})
	}
}

func TestPaymentService_HandleCallback_VerificationErrorIsSecurity(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)
	f.fake.verifyErr = errors.New("checkout form rejected")

	_, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	assert.Equal(t, apperror.KindSecurityViolation, apperror.KindOf(err))

	f.fake.verifyErr = ErrUpstream
	_, err = f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	assert.Equal(t, apperror.KindUpstream, apperror.KindOf(err))
}

func TestPaymentService_HandleCallback_Replay(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)

	_, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	require.NoError(t, err)

	replays := metrics.PaymentCallbacksTotal.WithLabelValues("fake", "replay")
	conflicts := metrics.PaymentCallbacksTotal.WithLabelValues("fake", "replay_conflict")
	replaysBefore, conflictsBefore := testutil.ToFloat64(replays), testutil.ToFloat64(conflicts)

	out, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	assert.True(t, errors.Is(err, ErrReplayDetected))
	require.NotNil(t, out)
	assert.True(t, out.Replayed)
	assert.Equal(t, StatusSuccess, out.Status)
	assert.Equal(t, replaysBefore+1, testutil.ToFloat64(replays))

	// a replay that flips the status is still a replay, counted as a conflict
	_, err = f.svc.HandleCallback(context.Background(), "fake", callback(ref, "failed", "25000"))
	assert.True(t, errors.Is(err, ErrReplayDetected))
	assert.Equal(t, conflictsBefore+1, testutil.ToFloat64(conflicts))
	assert.Equal(t, replaysBefore+1, testutil.ToFloat64(replays))

	session, _ := f.sessions.Get(context.Background(), ref)
	assert.Equal(t, StatusSuccess, session.Status)
	assert.Len(t, f.recorder.Messages(""), 1)
}

func TestPaymentService_HandleCallback_ConcurrentDeliveries(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)

	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
			if err == nil && !out.Replayed {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	assert.Len(t, f.recorder.Messages(notify.SubjectPaymentSucceeded), 1)
}

func TestPaymentService_HandleCallback_SourceAllowlist(t *testing.T) {
	cfg := ServiceConfig{
		Production:  true,
		CallbackIPs: map[string][]string{"fake": {"10.0.0.0/8"}},
	}
	f := newServiceFixture(t, cfg)
	ref := f.createSession(t)

	_, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	assert.True(t, errors.Is(err, ErrCallbackSourceRejected))

	payload := callback(ref, "success", "25000")
	payload.SourceIP = "10.1.2.3"
	_, err = f.svc.HandleCallback(context.Background(), "fake", payload)
	assert.NoError(t, err)
}

func TestPaymentService_HandleCallback_SourceAllowlistOutsideProduction(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{CallbackIPs: map[string][]string{"fake": {"10.0.0.0/8"}}})
	ref := f.createSession(t)

	_, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	assert.NoError(t, err)
}

func TestPaymentService_GetSession(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)

	view, err := f.svc.GetSession(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, view.Verified)

	_, err = f.svc.GetSession(context.Background(), "../../etc/passwd")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestPaymentService_Refund(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)

	_, err := f.svc.Refund(context.Background(), ref, 0)
	assert.True(t, errors.Is(err, ErrNotRefundable), "pending sessions are not refundable")

	_, err = f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	require.NoError(t, err)

	_, err = f.svc.Refund(context.Background(), ref, 30000)
	assert.True(t, errors.Is(err, ErrRefundTooLarge))

	res, err := f.svc.Refund(context.Background(), ref, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(25000), res.Amount)
	assert.Equal(t, StatusRefunded, res.Status)
	assert.Equal(t, "tx-1", f.fake.lastRefund.TransactionID)

	msgs := f.recorder.Messages(notify.SubjectPaymentRefunded)
	require.Len(t, msgs, 1)
	assert.Equal(t, ref+":refund", msgs[0].ID)

	_, err = f.svc.Refund(context.Background(), ref, 0)
	assert.True(t, errors.Is(err, ErrNotRefundable))
	assert.Equal(t, int32(1), f.fake.refundCalls.Load())
}

func TestPaymentService_PartialRefund(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)
	_, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	require.NoError(t, err)

	res, err := f.svc.Refund(context.Background(), ref, 10000)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, res.Status)
	assert.Equal(t, int64(10000), f.fake.lastRefund.Amount)

	session, err := f.sessions.Get(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, StatusPartiallyRefunded, session.Status)
	assert.Equal(t, int64(10000), session.RefundedAmount)

	_, err = f.svc.Refund(context.Background(), ref, 5000)
	assert.True(t, errors.Is(err, ErrNotRefundable), "a session takes a single refund")
	assert.Equal(t, int32(1), f.fake.refundCalls.Load())
}

func TestPaymentService_RefundRejected(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{})
	ref := f.createSession(t)
	_, err := f.svc.HandleCallback(context.Background(), "fake", callback(ref, "success", "25000"))
	require.NoError(t, err)

	f.fake.refundResp = &RefundResponse{Success: false, ErrorCode: "insufficient_balance"}
	_, err = f.svc.Refund(context.Background(), ref, 1000)
	assert.True(t, errors.Is(err, ErrUpstream))

	session, _ := f.sessions.Get(context.Background(), ref)
	assert.Equal(t, StatusSuccess, session.Status)
}
