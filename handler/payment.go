package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mstgnz/pawguard/infra/apperror"
	"github.com/mstgnz/pawguard/infra/auth"
	"github.com/mstgnz/pawguard/infra/logger"
	"github.com/mstgnz/pawguard/infra/middle"
	"github.com/mstgnz/pawguard/infra/response"
	"github.com/mstgnz/pawguard/provider"
)

// callbackTimeout bounds callback processing, including the İyzico
// retrieve call
const callbackTimeout = 20 * time.Second

// PaymentService is the part of provider.PaymentService the handlers use
type PaymentService interface {
	CreateSession(ctx context.Context, providerName string, req provider.CreateSessionRequest) (*provider.CreateSessionResult, error)
	HandleCallback(ctx context.Context, providerName string, payload provider.CallbackPayload) (*provider.CallbackOutcome, error)
	GetSession(ctx context.Context, orderRef string) (*provider.SessionView, error)
	Refund(ctx context.Context, orderRef string, amount int64) (*provider.RefundResult, error)
	Provider(name string) (provider.PaymentProvider, error)
}

// CallLister lists the recorded outbound provider calls of an order
type CallLister interface {
	CallsForOrder(ctx context.Context, orderRef string) ([]provider.ProviderCall, error)
}

// RefundRequest is the admin refund body. A zero amount refunds everything.
type RefundRequest struct {
	Amount int64 `json:"amount" validate:"gte=0"`
}

// PaymentHandler handles payment related HTTP requests
type PaymentHandler struct {
	payments    PaymentService
	calls       CallLister
	frontendURL string
}

// NewPaymentHandler creates a new payment handler. frontendURL is where
// browser callbacks are redirected; calls may be nil.
func NewPaymentHandler(payments PaymentService, calls CallLister, frontendURL string) *PaymentHandler {
	return &PaymentHandler{
		payments:    payments,
		calls:       calls,
		frontendURL: strings.TrimRight(frontendURL, "/"),
	}
}

// CreateSession opens a checkout for the authenticated user
func (h *PaymentHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := middle.ClaimsFromContext(r.Context())
	if !ok {
		response.FromError(w, auth.ErrTokenInvalid)
		return
	}

	var req provider.CreateSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		response.FromError(w, err)
		return
	}
	req.UserID = claims.UserID
	req.ClientIP = middle.GetClientIP(r)
	req.Buyer.IP = req.ClientIP
	if req.Buyer.ID == "" {
		req.Buyer.ID = claims.UserID
	}
	if err := validateRequest(&req); err != nil {
		response.FromError(w, err)
		return
	}

	result, err := h.payments.CreateSession(r.Context(), chi.URLParam(r, "provider"), req)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusCreated, "Payment session created", result)
}

// GetSession reports the status of a session to its owner or an admin.
// Sessions of other users are reported as not found.
func (h *PaymentHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := middle.ClaimsFromContext(r.Context())
	if !ok {
		response.FromError(w, auth.ErrTokenInvalid)
		return
	}

	view, err := h.payments.GetSession(r.Context(), chi.URLParam(r, "orderRef"))
	if err != nil {
		response.FromError(w, err)
		return
	}
	if claims.Role != auth.RoleAdmin && view.UserID != claims.UserID {
		response.FromError(w, provider.ErrSessionNotFound)
		return
	}

	response.Success(w, http.StatusOK, "Payment status retrieved", view)
}

// Refund returns money for a successful session
func (h *PaymentHandler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if r.ContentLength != 0 {
		if err := decodeAndValidate(r, &req); err != nil {
			response.FromError(w, err)
			return
		}
	}

	result, err := h.payments.Refund(r.Context(), chi.URLParam(r, "orderRef"), req.Amount)
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Refund processed", result)
}

// ListCalls returns the outbound provider calls recorded for an order
func (h *PaymentHandler) ListCalls(w http.ResponseWriter, r *http.Request) {
	if h.calls == nil {
		response.FromError(w, apperror.New(apperror.KindUnavailable, "call_log_disabled", "call log is not enabled"))
		return
	}

	calls, err := h.calls.CallsForOrder(r.Context(), chi.URLParam(r, "orderRef"))
	if err != nil {
		response.FromError(w, err)
		return
	}

	response.Success(w, http.StatusOK, "Provider calls retrieved", calls)
}

// HandleCallback processes a gateway callback posted by the gateway or by
// the customer's browser. Gateways with an acknowledgement format get it;
// browsers are sent to the frontend result page. A rejected callback never
// changes the session, so the page shows it as unverified.
func (h *PaymentHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	outcome, err := h.process(r, providerName)

	if ack, ok := h.acknowledger(providerName); ok {
		ack.AcknowledgeCallback(w)
		return
	}

	if h.frontendURL == "" {
		h.writeCallbackResult(w, outcome, err)
		return
	}

	query := url.Values{}
	switch {
	case outcome != nil:
		query.Set("orderRef", outcome.OrderReference)
		query.Set("status", string(outcome.Status))
	case errors.Is(err, provider.ErrReplayDetected):
		query.Set("status", "processed")
	default:
		query.Set("status", "unverified")
	}
	http.Redirect(w, r, h.frontendURL+"/payment/result?"+query.Encode(), http.StatusSeeOther)
}

// HandleWebhook processes a signed server-to-server notification. The
// gateway always gets a success answer so it stops retrying; the outcome
// is only visible in the logs and the session state.
func (h *PaymentHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "provider")
	outcome, err := h.process(r, providerName)

	if ack, ok := h.acknowledger(providerName); ok {
		ack.AcknowledgeCallback(w)
		return
	}
	h.writeCallbackResult(w, outcome, err)
}

func (h *PaymentHandler) writeCallbackResult(w http.ResponseWriter, outcome *provider.CallbackOutcome, err error) {
	if err != nil {
		response.Success(w, http.StatusOK, "Received", nil)
		return
	}
	response.Success(w, http.StatusOK, "Processed", outcome)
}

func (h *PaymentHandler) acknowledger(providerName string) (provider.CallbackAcknowledger, bool) {
	p, err := h.payments.Provider(providerName)
	if err != nil {
		return nil, false
	}
	ack, ok := p.(provider.CallbackAcknowledger)
	return ack, ok
}

// process runs the callback pipeline. Errors are logged here and never
// shown to the caller.
func (h *PaymentHandler) process(r *http.Request, providerName string) (*provider.CallbackOutcome, error) {
	ctx, cancel := context.WithTimeout(r.Context(), callbackTimeout)
	defer cancel()

	logCtx := logger.LogContext{
		Provider:  providerName,
		IP:        middle.GetClientIP(r),
		RequestID: middleware.GetReqID(r.Context()),
	}

	payload, err := readCallback(r)
	if err != nil {
		logger.Warn("unreadable callback body", logCtx)
		return nil, apperror.Wrap(apperror.KindValidation, "malformed_body", err)
	}

	outcome, err := h.payments.HandleCallback(ctx, providerName, payload)
	switch {
	case err == nil:
	case errors.Is(err, provider.ErrReplayDetected), errors.Is(err, provider.ErrEventIgnored):
		logger.Info("callback acknowledged without processing", withCode(logCtx, err))
	default:
		logger.Warn("callback rejected", withCode(logCtx, err))
	}
	return outcome, err
}

// readCallback collects form and query fields and keeps the raw body for
// signature schemes that sign the exact bytes
func readCallback(r *http.Request) (provider.CallbackPayload, error) {
	payload := provider.CallbackPayload{
		Fields:   map[string]string{},
		Headers:  r.Header.Clone(),
		SourceIP: middle.GetClientIP(r),
	}

	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			return payload, err
		}
		payload.RawBody = raw
	}

	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			payload.Fields[key] = values[0]
		}
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(payload.RawBody))
		if err != nil {
			return payload, err
		}
		for key, values := range form {
			if len(values) > 0 {
				payload.Fields[key] = values[0]
			}
		}
	}
	return payload, nil
}

func withCode(ctx logger.LogContext, err error) logger.LogContext {
	code := "internal"
	if appErr, ok := apperror.As(err); ok {
		code = appErr.Code
	}
	ctx.Fields = map[string]any{"code": code, "error": err.Error()}
	return ctx
}
