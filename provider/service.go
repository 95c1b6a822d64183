package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/metrics"
	"github.com/mstgnz/pawguard/infra/middle"
	"github.com/mstgnz/pawguard/infra/notify"
	"github.com/mstgnz/pawguard/infra/validate"
)

var (
	ErrCallbackSourceRejected = apperror.New(apperror.KindSecurityViolation, "callback_source", "callback source not allowed")
	ErrUnknownOrder           = apperror.New(apperror.KindSecurityViolation, "unknown_order", "callback for unknown order")
	ErrAmountMismatch         = apperror.New(apperror.KindSecurityViolation, "amount_mismatch", "callback amount does not match session")
	ErrInvalidStatus          = apperror.New(apperror.KindSecurityViolation, "invalid_status", "callback status not recognised")
	ErrBasketMismatch         = apperror.New(apperror.KindValidation, "basket_mismatch", "basket total does not match amount")
	ErrNotRefundable          = apperror.New(apperror.KindValidation, "not_refundable", "only successful payments can be refunded")
	ErrRefundTooLarge         = apperror.New(apperror.KindValidation, "refund_too_large", "refund exceeds the payment amount")
)

// CreateSessionRequest opens a checkout for a booking. Amounts are minor
// units; the basket must add up to Amount exactly.
type CreateSessionRequest struct {
	UserID      string       `json:"-"`
	ClientIP    string       `json:"-"`
	Amount      int64        `json:"amount" validate:"required,gt=0,lte=10000000000"`
	Currency    string       `json:"currency" validate:"required,currency"`
	Buyer       Buyer        `json:"buyer"`
	BasketItems []BasketItem `json:"basketItems" validate:"required,min=1,max=50,dive"`
}

// CreateSessionResult is returned to the client to continue checkout
type CreateSessionResult struct {
	OrderReference      string        `json:"orderReference"`
	Provider            string        `json:"provider"`
	Amount              int64         `json:"amount"`
	Currency            string        `json:"currency"`
	Status              PaymentStatus `json:"status"`
	CheckoutFormContent string        `json:"checkoutFormContent,omitempty"`
	PaymentURL          string        `json:"paymentUrl,omitempty"`
}

// CallbackOutcome is what a processed callback did
type CallbackOutcome struct {
	OrderReference string        `json:"orderReference"`
	Status         PaymentStatus `json:"status"`
	Replayed       bool          `json:"replayed"`
}

// SessionView is a session as shown to a polling client. Verified is false
// until a verified callback moved the session out of pending.
type SessionView struct {
	*PaymentSession
	Verified bool `json:"verified"`
}

// RefundResult is the outcome of a refund
type RefundResult struct {
	OrderReference string        `json:"orderReference"`
	RefundID       string        `json:"refundId,omitempty"`
	Amount         int64         `json:"amount"`
	Status         PaymentStatus `json:"status"`
}

// PaymentEvent is published downstream after a state transition
type PaymentEvent struct {
	OrderReference string        `json:"orderReference"`
	Provider       string        `json:"provider"`
	UserID         string        `json:"userId"`
	Amount         int64         `json:"amount"`
	Currency       string        `json:"currency"`
	Status         PaymentStatus `json:"status"`
	TransactionID  string        `json:"transactionId,omitempty"`
	FailureReason  string        `json:"failureReason,omitempty"`
	OccurredAt     time.Time     `json:"occurredAt"`
}

// ServiceConfig tunes the payment service
type ServiceConfig struct {
	// Production makes the callback source allowlist binding. Elsewhere a
	// miss is only logged.
	Production bool
	// CallbackIPs lists the allowed callback sources per provider. A
	// provider without entries accepts any source.
	CallbackIPs map[string][]string
	InitTimeout time.Duration
	LedgerTTL   time.Duration
	Now         func() time.Time
}

// PaymentService owns payment sessions and the callback pipeline
type PaymentService struct {
	providers *Providers
	sessions  SessionStore
	ledger    *Ledger
	publisher notify.Publisher
	calls     PaymentLogger
	cfg       ServiceConfig
}

// NewPaymentService creates a payment service. calls may be nil.
func NewPaymentService(providers *Providers, sessions SessionStore, ledger *Ledger, publisher notify.Publisher, calls PaymentLogger, cfg ServiceConfig) *PaymentService {
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if calls == nil {
		calls = nopPaymentLogger{}
	}
	if publisher == nil {
		publisher = notify.LogPublisher{}
	}
	return &PaymentService{
		providers: providers,
		sessions:  sessions,
		ledger:    ledger,
		publisher: publisher,
		calls:     calls,
		cfg:       cfg,
	}
}

// Provider returns an available provider
func (s *PaymentService) Provider(name string) (PaymentProvider, error) {
	return s.providers.Get(name)
}

// ProviderNames lists the available providers
func (s *PaymentService) ProviderNames() []string {
	return s.providers.Names()
}

// CreateSession validates the request, records a pending session and opens
// the provider checkout
func (s *PaymentService) CreateSession(ctx context.Context, providerName string, req CreateSessionRequest) (*CreateSessionResult, error) {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return nil, err
	}

	if err := validate.Struct(req); err != nil {
		return nil, apperror.New(apperror.KindValidation, "invalid_request", err.Error())
	}
	var total int64
	for _, item := range req.BasketItems {
		total += item.Price * int64(item.Quantity)
	}
	if total != req.Amount {
		return nil, ErrBasketMismatch
	}

	now := s.cfg.Now().UTC()
	session := &PaymentSession{
		OrderReference: newOrderReference(),
		Provider:       providerName,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Buyer:          req.Buyer,
		BasketItems:    req.BasketItems,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	session.Buyer.IP = req.ClientIP

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "session_store", err)
	}

	resp, err := s.initialize(ctx, p, providerName, PaymentRequest{
		OrderReference: session.OrderReference,
		Amount:         session.Amount,
		Currency:       session.Currency,
		Buyer:          session.Buyer,
		BasketItems:    session.BasketItems,
	})
	if err != nil {
		logger.Error("payment initialization failed", err, logger.LogContext{
			Provider: providerName,
			UserID:   req.UserID,
			Fields:   map[string]any{"order_reference": session.OrderReference},
		})
		return nil, err
	}
	if !resp.Success {
		logger.Warn("payment initialization rejected", logger.LogContext{
			Provider: providerName,
			Fields: map[string]any{
				"order_reference": session.OrderReference,
				"error_code":      resp.ErrorCode,
				"message":         resp.Message,
			},
		})
		return nil, fmt.Errorf("%s rejected checkout (%s): %w", providerName, resp.ErrorCode, ErrUpstream)
	}

	if err := s.sessions.SetProviderToken(ctx, session.OrderReference, resp.Token); err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "session_store", err)
	}

	logger.Info("payment session created", logger.LogContext{
		Provider: providerName,
		UserID:   req.UserID,
		Fields: map[string]any{
			"order_reference": session.OrderReference,
			"amount":          session.Amount,
			"currency":        session.Currency,
		},
	})

	return &CreateSessionResult{
		OrderReference:      session.OrderReference,
		Provider:            providerName,
		Amount:              session.Amount,
		Currency:            session.Currency,
		Status:              StatusPending,
		CheckoutFormContent: resp.CheckoutFormContent,
		PaymentURL:          resp.PaymentURL,
	}, nil
}

// initialize calls the provider with a deadline and retries once on an
// upstream error or timeout. The order reference makes the call idempotent.
func (s *PaymentService) initialize(ctx context.Context, p PaymentProvider, providerName string, req PaymentRequest) (*PaymentResponse, error) {
	var (
		resp *PaymentResponse
		err  error
	)
	for attempt := 1; attempt <= 2; attempt++ {
		resp, err = logCall(ctx, s.calls, providerName, "initialize", req.OrderReference, req, func() (*PaymentResponse, error) {
			callCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
			defer cancel()
			return p.InitializePayment(callCtx, req)
		})
		err = normalizeCallError(err)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return resp, err
		}
		logger.Warn(fmt.Sprintf("payment initialization attempt %d failed: %v", attempt, err), logger.LogContext{Provider: providerName})
	}
	return resp, err
}

func normalizeCallError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%v: %w", err, ErrTimeout)
	}
	return err
}

func retryable(err error) bool {
	return errors.Is(err, ErrUpstream) || errors.Is(err, ErrTimeout)
}

// HandleCallback runs an inbound callback or webhook through the checks in
// order: source address, required fields and signature, session and amount,
// status enum, replay ledger. Only then does the session change state.
func (s *PaymentService) HandleCallback(ctx context.Context, providerName string, payload CallbackPayload) (*CallbackOutcome, error) {
	logCtx := logger.LogContext{Provider: providerName, IP: payload.SourceIP}

	p, err := s.providers.Get(providerName)
	if err != nil {
		s.countCallback(providerName, "unavailable")
		return nil, err
	}

	if allow := s.cfg.CallbackIPs[providerName]; len(allow) > 0 && !middle.IPAllowed(payload.SourceIP, allow) {
		if s.cfg.Production {
			logger.Security("callback_source_rejected", logger.SeverityHigh, logCtx)
			s.countCallback(providerName, "rejected_source")
			return nil, ErrCallbackSourceRejected
		}
		logger.Warn("callback from address outside the provider allowlist", logCtx)
	}

	n, err := p.VerifyCallback(ctx, payload)
	if errors.Is(err, ErrEventIgnored) {
		s.countCallback(providerName, "ignored")
		return nil, err
	}
	if err != nil {
		switch apperror.KindOf(err) {
		case apperror.KindUpstream, apperror.KindTimeout:
			logger.Error("callback verification could not reach provider", err, logCtx)
			s.countCallback(providerName, "upstream_error")
			return nil, err
		}
		logger.Security("callback_verification_failed", logger.SeverityHigh, withFields(logCtx, map[string]any{
			"reason": err.Error(),
		}))
		s.countCallback(providerName, "invalid_signature")
		if apperror.KindOf(err) != apperror.KindSecurityViolation {
			err = apperror.Wrap(apperror.KindSecurityViolation, "invalid_callback", err)
		}
		return nil, err
	}

	session, err := s.sessions.Get(ctx, n.OrderReference)
	if errors.Is(err, ErrSessionNotFound) || (err == nil && session.Provider != providerName) {
		logger.Security("callback_unknown_order", logger.SeverityHigh, withFields(logCtx, map[string]any{
			"order_reference": n.OrderReference,
		}))
		s.countCallback(providerName, "unknown_order")
		return nil, ErrUnknownOrder
	}
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "session_store", err)
	}

	if n.Amount <= 0 || n.Amount != session.Amount {
		logger.Security("callback_amount_mismatch", logger.SeverityHigh, withFields(logCtx, map[string]any{
			"order_reference": n.OrderReference,
			"expected":        session.Amount,
			"received":        n.Amount,
		}))
		s.countCallback(providerName, "amount_mismatch")
		return nil, ErrAmountMismatch
	}

	if n.Status != StatusSuccess && n.Status != StatusFailed {
		logger.Security("callback_invalid_status", logger.SeverityMedium, withFields(logCtx, map[string]any{
			"order_reference": n.OrderReference,
			"status":          n.RawStatus,
		}))
		s.countCallback(providerName, "invalid_status")
		return nil, ErrInvalidStatus
	}

	marked, err := s.ledger.MarkProcessed(ctx, providerName, n.OrderReference, n.Status)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "ledger", err)
	}
	if !marked {
		outcome := "replay"
		prior, err := s.ledger.Lookup(ctx, providerName, n.OrderReference)
		if err != nil {
			logger.Error("ledger lookup failed", err, logCtx)
		}
		if prior != nil && prior.Status != n.Status {
			// same order reported with a different outcome
			outcome = "replay_conflict"
			logger.Security("callback_status_conflict", logger.SeverityMedium, withFields(logCtx, map[string]any{
				"order_reference": n.OrderReference,
				"recorded":        string(prior.Status),
				"received":        string(n.Status),
			}))
		} else {
			logger.Info("callback replay acknowledged", withFields(logCtx, map[string]any{
				"order_reference": n.OrderReference,
			}))
		}
		s.countCallback(providerName, outcome)
		return &CallbackOutcome{OrderReference: n.OrderReference, Status: session.Status, Replayed: true}, ErrReplayDetected
	}

	session.Status = n.Status
	session.TransactionID = n.TransactionID
	session.FailureReason = n.FailureReason
	session.UpdatedAt = s.cfg.Now().UTC()

	moved, err := s.sessions.Transition(ctx, session, StatusPending)
	if err != nil {
		if relErr := s.ledger.Release(ctx, providerName, n.OrderReference); relErr != nil {
			logger.Error("ledger release failed", relErr, logCtx)
		}
		return nil, apperror.Wrap(apperror.KindInternal, "session_store", err)
	}
	if !moved {
		current, _ := s.sessions.Get(ctx, n.OrderReference)
		status := n.Status
		if current != nil {
			status = current.Status
		}
		s.countCallback(providerName, "replay")
		return &CallbackOutcome{OrderReference: n.OrderReference, Status: status, Replayed: true}, ErrReplayDetected
	}

	subject := notify.SubjectPaymentSucceeded
	if n.Status == StatusFailed {
		subject = notify.SubjectPaymentFailed
	}
	s.publish(ctx, subject, n.OrderReference, session)

	s.countCallback(providerName, string(n.Status))
	logger.Info("payment session updated", withFields(logCtx, map[string]any{
		"order_reference": n.OrderReference,
		"status":          string(n.Status),
		"test_mode":       n.TestMode,
	}))

	return &CallbackOutcome{OrderReference: n.OrderReference, Status: n.Status}, nil
}

// GetSession returns a session for status polling
func (s *PaymentService) GetSession(ctx context.Context, orderRef string) (*SessionView, error) {
	if !validate.IsOrderReference(orderRef) {
		return nil, ErrSessionNotFound
	}
	session, err := s.sessions.Get(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	return &SessionView{PaymentSession: session, Verified: session.Status != StatusPending}, nil
}

// Refund returns amount of a successful payment. A zero amount refunds the
// whole payment. A session takes one refund: a smaller amount leaves it
// partially_refunded with RefundedAmount recorded.
func (s *PaymentService) Refund(ctx context.Context, orderRef string, amount int64) (*RefundResult, error) {
	session, err := s.sessions.Get(ctx, orderRef)
	if err != nil {
		return nil, err
	}
	if session.Status != StatusSuccess {
		return nil, ErrNotRefundable
	}
	if amount <= 0 {
		amount = session.Amount
	}
	if amount > session.Amount {
		return nil, ErrRefundTooLarge
	}

	p, err := s.providers.Get(session.Provider)
	if err != nil {
		return nil, err
	}

	req := RefundRequest{
		OrderReference: session.OrderReference,
		TransactionID:  session.TransactionID,
		Amount:         amount,
		Currency:       session.Currency,
		ClientIP:       session.Buyer.IP,
	}
	resp, err := logCall(ctx, s.calls, session.Provider, "refund", orderRef, req, func() (*RefundResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.InitTimeout)
		defer cancel()
		return p.RefundPayment(callCtx, req)
	})
	if err = normalizeCallError(err); err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, fmt.Errorf("%s rejected refund (%s): %w", session.Provider, resp.ErrorCode, ErrUpstream)
	}

	// a partial refund is recorded as such and closes the session for
	// further refunds
	session.Status = StatusRefunded
	if amount < session.Amount {
		session.Status = StatusPartiallyRefunded
	}
	session.RefundedAmount = amount
	session.UpdatedAt = s.cfg.Now().UTC()
	moved, err := s.sessions.Transition(ctx, session, StatusSuccess)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindInternal, "session_store", err)
	}
	if !moved {
		return nil, ErrNotRefundable
	}

	s.publish(ctx, notify.SubjectPaymentRefunded, orderRef+":refund", session)
	logger.Info("payment refunded", logger.LogContext{
		Provider: session.Provider,
		Fields: map[string]any{
			"order_reference": orderRef,
			"amount":          amount,
		},
	})

	return &RefundResult{
		OrderReference: orderRef,
		RefundID:       resp.RefundID,
		Amount:         amount,
		Status:         session.Status,
	}, nil
}

// publish hands the event to the broker. The state change has already
// happened, so a failed publish is logged and not returned.
func (s *PaymentService) publish(ctx context.Context, subject, msgID string, session *PaymentSession) {
	event := PaymentEvent{
		OrderReference: session.OrderReference,
		Provider:       session.Provider,
		UserID:         session.UserID,
		Amount:         session.Amount,
		Currency:       session.Currency,
		Status:         session.Status,
		TransactionID:  session.TransactionID,
		FailureReason:  session.FailureReason,
		OccurredAt:     session.UpdatedAt,
	}
	if err := s.publisher.Publish(ctx, subject, msgID, event); err != nil {
		logger.Error("payment event publish failed", err, logger.LogContext{
			Provider: session.Provider,
			Fields:   map[string]any{"subject": subject, "order_reference": session.OrderReference},
		})
	}
}

func (s *PaymentService) countCallback(providerName, outcome string) {
	metrics.PaymentCallbacksTotal.WithLabelValues(providerName, outcome).Inc()
}

func withFields(ctx logger.LogContext, fields map[string]any) logger.LogContext {
	ctx.Fields = fields
	return ctx
}

func newOrderReference() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
