package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mstgnz/pawguard/provider"
	stripeapi "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const (
	apiURL = "https://api.stripe.com"

	endpointCheckoutSessions = "/v1/checkout/sessions"
	endpointRefunds          = "/v1/refunds"

	signatureHeader = "Stripe-Signature"
)

// StripeProvider implements the provider.PaymentProvider interface with
// Stripe Checkout Sessions
type StripeProvider struct {
	secretKey     string
	webhookSecret string
	returnURL     string
	isProduction  bool
	client        *provider.ProviderHTTPClient
}

// NewProvider creates a new Stripe payment provider
func NewProvider() provider.PaymentProvider {
	return &StripeProvider{}
}

// GetRequiredConfig returns the configuration fields required for Stripe
func (p *StripeProvider) GetRequiredConfig(environment string) []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "secretKey",
			Required:    true,
			Type:        "string",
			Description: "Stripe secret API key",
			Example:     "sk_test_...",
			Pattern:     "^(sk|rk)_(test|live)_",
			MinLength:   20,
		},
		{
			Key:         "webhookSecret",
			Required:    true,
			Type:        "string",
			Description: "Signing secret of the webhook endpoint",
			Example:     "whsec_...",
			Pattern:     "^whsec_",
			MinLength:   16,
		},
		provider.EnvironmentField,
		provider.BaseURLField,
	}
}

// ValidateConfig validates the provided configuration against Stripe requirements
func (p *StripeProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("stripe", config, p.GetRequiredConfig(config["environment"]))
}

// Initialize sets up the Stripe provider
func (p *StripeProvider) Initialize(conf map[string]string) error {
	p.secretKey = conf["secretKey"]
	p.webhookSecret = conf["webhookSecret"]

	if p.secretKey == "" || p.webhookSecret == "" {
		return errors.New("stripe: secretKey and webhookSecret are required")
	}

	p.isProduction = conf["environment"] == "production"
	p.returnURL = conf["returnUrl"]

	baseURL := conf["baseUrl"]
	if baseURL == "" {
		baseURL = apiURL
	}
	cfg := provider.CreateHTTPClientConfig("stripe", baseURL, p.isProduction, 0)
	cfg.DefaultHeaders["Authorization"] = "Bearer " + p.secretKey
	p.client = provider.NewProviderHTTPClient(cfg)

	return nil
}

// InitializePayment creates a Checkout Session for the order
func (p *StripeProvider) InitializePayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	currency := strings.ToLower(request.Currency)

	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("client_reference_id", request.OrderReference)
	form.Set("customer_email", request.Buyer.Email)
	form.Set("metadata[order_reference]", request.OrderReference)
	form.Set("payment_intent_data[metadata][order_reference]", request.OrderReference)
	form.Set("success_url", p.resultURL(request.OrderReference, "success"))
	form.Set("cancel_url", p.resultURL(request.OrderReference, "fail"))
	for i, item := range request.BasketItems {
		prefix := fmt.Sprintf("line_items[%d]", i)
		form.Set(prefix+"[price_data][currency]", currency)
		form.Set(prefix+"[price_data][unit_amount]", strconv.FormatInt(item.Price, 10))
		form.Set(prefix+"[price_data][product_data][name]", item.Name)
		form.Set(prefix+"[quantity]", strconv.Itoa(item.Quantity))
	}

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:    http.MethodPost,
		Endpoint:  endpointCheckoutSessions,
		Operation: "initialize",
		Headers:   map[string]string{"Idempotency-Key": "checkout-" + request.OrderReference},
		FormData:  form,
	})
	if err != nil {
		return nil, err
	}

	if failed := p.apiError(resp); failed != nil {
		return &provider.PaymentResponse{Success: false, Message: failed.Msg, ErrorCode: string(failed.Code)}, nil
	}

	var session stripeapi.CheckoutSession
	if err := p.client.ParseJSONResponse(resp, &session); err != nil {
		return nil, err
	}

	return &provider.PaymentResponse{
		Success:    true,
		Token:      session.ID,
		PaymentURL: session.URL,
	}, nil
}

// VerifyCallback verifies the Stripe-Signature header over the raw body and
// maps checkout session events
func (p *StripeProvider) VerifyCallback(ctx context.Context, payload provider.CallbackPayload) (*provider.CallbackNotification, error) {
	header := payload.Headers.Get(signatureHeader)
	if header == "" {
		return nil, fmt.Errorf("stripe: %s: %w", signatureHeader, provider.ErrMissingCallbackField)
	}
	if len(payload.RawBody) == 0 {
		return nil, fmt.Errorf("stripe: body: %w", provider.ErrMissingCallbackField)
	}

	event, err := webhook.ConstructEventWithOptions(payload.RawBody, header, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("stripe: %v: %w", err, provider.ErrInvalidSignature)
	}

	var status provider.PaymentStatus
	switch event.Type {
	case stripeapi.EventTypeCheckoutSessionCompleted, stripeapi.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		// completed with payment_status unpaid waits for an async result
	case stripeapi.EventTypeCheckoutSessionAsyncPaymentFailed, stripeapi.EventTypeCheckoutSessionExpired:
		status = provider.StatusFailed
	default:
		return nil, fmt.Errorf("stripe: %s: %w", event.Type, provider.ErrEventIgnored)
	}

	var session stripeapi.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("stripe: malformed checkout session: %w", provider.ErrMissingCallbackField)
	}
	if session.ClientReferenceID == "" {
		return nil, fmt.Errorf("stripe: client_reference_id: %w", provider.ErrMissingCallbackField)
	}

	if status == "" {
		if session.PaymentStatus != stripeapi.CheckoutSessionPaymentStatusPaid {
			return nil, fmt.Errorf("stripe: %s with payment_status %s: %w", event.Type, session.PaymentStatus, provider.ErrEventIgnored)
		}
		status = provider.StatusSuccess
	}

	n := &provider.CallbackNotification{
		OrderReference: session.ClientReferenceID,
		RawStatus:      string(event.Type),
		Status:         status,
		Amount:         session.AmountTotal,
		Currency:       strings.ToUpper(string(session.Currency)),
		TestMode:       !event.Livemode,
	}
	if session.PaymentIntent != nil {
		n.TransactionID = session.PaymentIntent.ID
	}
	if status == provider.StatusFailed {
		n.FailureReason = string(event.Type)
	}

	return n, nil
}

// RefundPayment refunds the payment intent of a settled session
func (p *StripeProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.TransactionID == "" {
		return nil, errors.New("stripe: payment intent is unknown for this order")
	}

	form := url.Values{}
	form.Set("payment_intent", request.TransactionID)
	form.Set("amount", strconv.FormatInt(request.Amount, 10))
	form.Set("metadata[order_reference]", request.OrderReference)

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:    http.MethodPost,
		Endpoint:  endpointRefunds,
		Operation: "refund",
		Headers:   map[string]string{"Idempotency-Key": fmt.Sprintf("refund-%s-%d", request.OrderReference, request.Amount)},
		FormData:  form,
	})
	if err != nil {
		return nil, err
	}

	if failed := p.apiError(resp); failed != nil {
		return &provider.RefundResponse{Success: false, Message: failed.Msg, ErrorCode: string(failed.Code)}, nil
	}

	var refund stripeapi.Refund
	if err := p.client.ParseJSONResponse(resp, &refund); err != nil {
		return nil, err
	}

	ok := refund.Status == stripeapi.RefundStatusSucceeded || refund.Status == stripeapi.RefundStatusPending
	return &provider.RefundResponse{
		Success:  ok,
		RefundID: refund.ID,
		Amount:   refund.Amount,
		Message:  string(refund.Status),
	}, nil
}

// apiError decodes a 4xx error body
func (p *StripeProvider) apiError(resp *provider.HTTPResponse) *stripeapi.Error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	var body struct {
		Error stripeapi.Error `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.Error.Msg == "" {
		return &stripeapi.Error{Msg: fmt.Sprintf("HTTP %d", resp.StatusCode), Code: "http_error"}
	}
	return &body.Error
}

func (p *StripeProvider) resultURL(orderRef, result string) string {
	if p.returnURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("provider", "stripe")
	q.Set("order", orderRef)
	q.Set("result", result)
	return p.returnURL + "?" + q.Encode()
}
