package provider

import (
	"context"
	"net/http"
	"time"

	"github.com/mstgnz/pawguard/infra/apperror"
)

// PaymentStatus is the state of a payment session
type PaymentStatus string

const (
	StatusPending           PaymentStatus = "pending"
	StatusSuccess           PaymentStatus = "success"
	StatusFailed            PaymentStatus = "failed"
	StatusRefunded          PaymentStatus = "refunded"
	StatusPartiallyRefunded PaymentStatus = "partially_refunded"
)

var (
	ErrUpstream            = apperror.New(apperror.KindUpstream, "upstream_error", "payment provider error")
	ErrTimeout             = apperror.New(apperror.KindTimeout, "provider_timeout", "payment provider timed out")
	ErrProviderUnavailable = apperror.New(apperror.KindUnavailable, "provider_unavailable", "payment provider is not available")

	// Callback verification failures. Providers wrap these with the field or
	// reason; the service reports all of them as security violations.
	ErrMissingCallbackField = apperror.New(apperror.KindSecurityViolation, "missing_field", "callback field missing")
	ErrInvalidSignature     = apperror.New(apperror.KindSecurityViolation, "invalid_signature", "callback signature mismatch")
	ErrInvalidAmount        = apperror.New(apperror.KindSecurityViolation, "invalid_amount", "callback amount invalid")

	// ErrEventIgnored marks an authentic notification the service does not act
	// on. It is acknowledged like a replay.
	ErrEventIgnored = apperror.New(apperror.KindReplay, "event_ignored", "notification type not handled")
)

// ConfigField describes a configuration value a provider needs
type ConfigField struct {
	Key         string `json:"key"`
	Required    bool   `json:"required"`
	Type        string `json:"type"` // "string", "number", "url", "boolean"
	Description string `json:"description"`
	Example     string `json:"example"`
	Pattern     string `json:"pattern,omitempty"`
	MinLength   int    `json:"minLength,omitempty"`
	MaxLength   int    `json:"maxLength,omitempty"`
}

// Buyer is the customer paying for a booking
type Buyer struct {
	ID             string `json:"id" validate:"required,max=64"`
	Name           string `json:"name" validate:"required,max=100"`
	Surname        string `json:"surname" validate:"required,max=100"`
	Email          string `json:"email" validate:"required,email,max=254"`
	Phone          string `json:"phone,omitempty" validate:"omitempty,max=32"`
	IdentityNumber string `json:"identityNumber,omitempty" validate:"omitempty,numeric,len=11"`
	Address        string `json:"address" validate:"required,max=500"`
	City           string `json:"city" validate:"required,max=100"`
	Country        string `json:"country" validate:"required,max=100"`
	ZipCode        string `json:"zipCode,omitempty" validate:"omitempty,max=16"`
	IP             string `json:"ip,omitempty"`
}

// BasketItem is one booked service (a hotel night, a taxi ride). Price is the
// unit price in minor units.
type BasketItem struct {
	ID       string `json:"id" validate:"required,max=64"`
	Name     string `json:"name" validate:"required,max=200"`
	Category string `json:"category" validate:"required,max=100"`
	Price    int64  `json:"price" validate:"required,gt=0,lte=100000000"`
	Quantity int    `json:"quantity" validate:"required,gt=0,lte=100"`
}

// PaymentRequest is what a provider needs to open a hosted checkout
type PaymentRequest struct {
	OrderReference string       `json:"orderReference"`
	Amount         int64        `json:"amount"`
	Currency       string       `json:"currency"`
	Buyer          Buyer        `json:"buyer"`
	BasketItems    []BasketItem `json:"basketItems"`
	CallbackURL    string       `json:"callbackUrl,omitempty"`
}

// PaymentResponse carries the checkout token and how to present it
type PaymentResponse struct {
	Success             bool           `json:"success"`
	Token               string         `json:"token,omitempty"`
	CheckoutFormContent string         `json:"checkoutFormContent,omitempty"`
	PaymentURL          string         `json:"paymentUrl,omitempty"`
	TokenExpiresIn      time.Duration  `json:"tokenExpiresIn,omitempty"`
	Message             string         `json:"message,omitempty"`
	ErrorCode           string         `json:"errorCode,omitempty"`
	RawResponse         map[string]any `json:"-"`
}

// CallbackPayload is an inbound callback or webhook as received
type CallbackPayload struct {
	Fields   map[string]string
	Headers  http.Header
	RawBody  []byte
	SourceIP string
}

// CallbackNotification is a callback that passed the field and signature
// checks, normalized across providers. Status is empty when the provider
// sent a value outside its documented enum.
type CallbackNotification struct {
	OrderReference string
	RawStatus      string
	Status         PaymentStatus
	Amount         int64
	Currency       string
	TransactionID  string
	FailureReason  string
	TestMode       bool
}

// RefundRequest asks the provider to return money for a settled payment
type RefundRequest struct {
	OrderReference string
	TransactionID  string
	Amount         int64
	Currency       string
	ClientIP       string
}

// RefundResponse is the provider's answer to a refund
type RefundResponse struct {
	Success     bool           `json:"success"`
	RefundID    string         `json:"refundId,omitempty"`
	Amount      int64          `json:"amount"`
	Message     string         `json:"message,omitempty"`
	ErrorCode   string         `json:"errorCode,omitempty"`
	RawResponse map[string]any `json:"-"`
}

// PaymentProvider is implemented by every payment gateway adapter
type PaymentProvider interface {
	// Initialize sets up the provider with its credentials. It fails when a
	// required credential is missing.
	Initialize(config map[string]string) error

	// GetRequiredConfig lists the configuration fields the provider needs
	GetRequiredConfig(environment string) []ConfigField

	// ValidateConfig checks config against GetRequiredConfig
	ValidateConfig(config map[string]string) error

	// InitializePayment opens a hosted checkout for the order
	InitializePayment(ctx context.Context, request PaymentRequest) (*PaymentResponse, error)

	// VerifyCallback checks that every required field is present and the
	// signature matches, then parses amount and status
	VerifyCallback(ctx context.Context, payload CallbackPayload) (*CallbackNotification, error)

	// RefundPayment refunds a settled payment
	RefundPayment(ctx context.Context, request RefundRequest) (*RefundResponse, error)
}

// CallbackAcknowledger is implemented by providers that expect a specific
// response body to stop retrying a notification
type CallbackAcknowledger interface {
	AcknowledgeCallback(w http.ResponseWriter)
}

// ProviderFactory creates an uninitialized provider
type ProviderFactory func() PaymentProvider
