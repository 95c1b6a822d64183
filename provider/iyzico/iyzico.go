package iyzico

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mstgnz/pawguard/provider"
	"github.com/shopspring/decimal"
)

const (
	apiSandboxURL    = "https://sandbox-api.iyzipay.com"
	apiProductionURL = "https://api.iyzipay.com"

	endpointCheckoutInit     = "/payment/iyzipos/checkoutform/initialize/auth/ecom"
	endpointCheckoutRetrieve = "/payment/iyzipos/checkoutform/auth/ecom/detail"
	endpointRefund           = "/v2/payment/refund"

	signatureHeader = "X-IYZ-SIGNATURE-V3"

	apiStatusSuccess     = "success"
	paymentStatusSuccess = "SUCCESS"
	paymentStatusFailure = "FAILURE"

	defaultLocale         = "tr"
	defaultIdentityNumber = "74300864791"
	defaultItemType       = "VIRTUAL"
	paymentGroup          = "PRODUCT"
)

// IyzicoProvider implements the provider.PaymentProvider interface with the
// İyzico hosted checkout form
type IyzicoProvider struct {
	apiKey       string
	secretKey    string
	callbackURL  string
	isProduction bool
	client       *provider.ProviderHTTPClient
	now          func() time.Time
}

// NewProvider creates a new Iyzico payment provider
func NewProvider() provider.PaymentProvider {
	return &IyzicoProvider{now: time.Now}
}

// GetRequiredConfig returns the configuration fields required for Iyzico
func (p *IyzicoProvider) GetRequiredConfig(environment string) []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "apiKey",
			Required:    true,
			Type:        "string",
			Description: "Iyzico API Key (found in Iyzico merchant panel)",
			Example:     "sandbox-BIOoONNaqF8UZZmP3...",
			MinLength:   20,
			MaxLength:   200,
		},
		{
			Key:         "secretKey",
			Required:    true,
			Type:        "string",
			Description: "Iyzico Secret Key (found in Iyzico merchant panel)",
			Example:     "sandbox-NjQwOTRkMDBkZmE1...",
			MinLength:   20,
			MaxLength:   200,
		},
		provider.EnvironmentField,
		provider.BaseURLField,
	}
}

// ValidateConfig validates the provided configuration against Iyzico requirements
func (p *IyzicoProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("iyzico", config, p.GetRequiredConfig(config["environment"]))
}

// Initialize sets up the Iyzico payment provider with authentication credentials
func (p *IyzicoProvider) Initialize(conf map[string]string) error {
	p.apiKey = conf["apiKey"]
	p.secretKey = conf["secretKey"]

	if p.apiKey == "" || p.secretKey == "" {
		return errors.New("iyzico: apiKey and secretKey are required")
	}

	p.isProduction = conf["environment"] == "production"
	p.callbackURL = conf["callbackUrl"]
	if p.now == nil {
		p.now = time.Now
	}

	baseURL := conf["baseUrl"]
	if baseURL == "" {
		baseURL = apiSandboxURL
		if p.isProduction {
			baseURL = apiProductionURL
		}
	}
	p.client = provider.NewProviderHTTPClient(provider.CreateHTTPClientConfig("iyzico", baseURL, p.isProduction, 0))

	return nil
}

type address struct {
	ContactName string `json:"contactName"`
	City        string `json:"city"`
	Country     string `json:"country"`
	Address     string `json:"address"`
	ZipCode     string `json:"zipCode,omitempty"`
}

type buyer struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Surname             string `json:"surname"`
	GsmNumber           string `json:"gsmNumber,omitempty"`
	Email               string `json:"email"`
	IdentityNumber      string `json:"identityNumber"`
	RegistrationAddress string `json:"registrationAddress"`
	IP                  string `json:"ip"`
	City                string `json:"city"`
	Country             string `json:"country"`
	ZipCode             string `json:"zipCode,omitempty"`
}

type basketItem struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Category1 string `json:"category1"`
	ItemType  string `json:"itemType"`
	Price     string `json:"price"`
}

type checkoutInitRequest struct {
	Locale              string       `json:"locale"`
	ConversationID      string       `json:"conversationId"`
	Price               string       `json:"price"`
	PaidPrice           string       `json:"paidPrice"`
	Currency            string       `json:"currency"`
	BasketID            string       `json:"basketId"`
	PaymentGroup        string       `json:"paymentGroup"`
	CallbackURL         string       `json:"callbackUrl"`
	EnabledInstallments []int        `json:"enabledInstallments"`
	Buyer               buyer        `json:"buyer"`
	ShippingAddress     address      `json:"shippingAddress"`
	BillingAddress      address      `json:"billingAddress"`
	BasketItems         []basketItem `json:"basketItems"`
}

type apiResult struct {
	Status         string `json:"status"`
	ErrorCode      string `json:"errorCode"`
	ErrorMessage   string `json:"errorMessage"`
	ConversationID string `json:"conversationId"`
}

// InitializePayment opens a checkout form for the order
func (p *IyzicoProvider) InitializePayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	identity := request.Buyer.IdentityNumber
	if identity == "" {
		identity = defaultIdentityNumber
	}
	fullName := strings.TrimSpace(request.Buyer.Name + " " + request.Buyer.Surname)
	addr := address{
		ContactName: fullName,
		City:        request.Buyer.City,
		Country:     request.Buyer.Country,
		Address:     request.Buyer.Address,
		ZipCode:     request.Buyer.ZipCode,
	}

	items := make([]basketItem, 0, len(request.BasketItems))
	for _, item := range request.BasketItems {
		items = append(items, basketItem{
			ID:        item.ID,
			Name:      item.Name,
			Category1: item.Category,
			ItemType:  defaultItemType,
			Price:     formatMinor(item.Price * int64(item.Quantity)),
		})
	}

	price := formatMinor(request.Amount)
	body := checkoutInitRequest{
		Locale:              defaultLocale,
		ConversationID:      request.OrderReference,
		Price:               price,
		PaidPrice:           price,
		Currency:            strings.ToUpper(request.Currency),
		BasketID:            request.OrderReference,
		PaymentGroup:        paymentGroup,
		CallbackURL:         p.callbackURL,
		EnabledInstallments: []int{1},
		Buyer: buyer{
			ID:                  request.Buyer.ID,
			Name:                request.Buyer.Name,
			Surname:             request.Buyer.Surname,
			GsmNumber:           request.Buyer.Phone,
			Email:               request.Buyer.Email,
			IdentityNumber:      identity,
			RegistrationAddress: request.Buyer.Address,
			IP:                  request.Buyer.IP,
			City:                request.Buyer.City,
			Country:             request.Buyer.Country,
			ZipCode:             request.Buyer.ZipCode,
		},
		ShippingAddress: addr,
		BillingAddress:  addr,
		BasketItems:     items,
	}

	var result struct {
		apiResult
		Token               string `json:"token"`
		CheckoutFormContent string `json:"checkoutFormContent"`
		PaymentPageURL      string `json:"paymentPageUrl"`
		TokenExpireTime     int    `json:"tokenExpireTime"`
	}
	if err := p.post(ctx, endpointCheckoutInit, "initialize", body, &result); err != nil {
		return nil, err
	}

	if result.Status != apiStatusSuccess {
		return &provider.PaymentResponse{
			Success:   false,
			Message:   result.ErrorMessage,
			ErrorCode: result.ErrorCode,
		}, nil
	}

	return &provider.PaymentResponse{
		Success:             true,
		Token:               result.Token,
		CheckoutFormContent: result.CheckoutFormContent,
		PaymentURL:          result.PaymentPageURL,
		TokenExpiresIn:      time.Duration(result.TokenExpireTime) * time.Second,
	}, nil
}

type webhookNotification struct {
	IyziEventType         string `json:"iyziEventType"`
	PaymentID             string `json:"iyziPaymentId"`
	Token                 string `json:"token"`
	PaymentConversationID string `json:"paymentConversationId"`
	Status                string `json:"status"`
}

// VerifyCallback accepts both the browser callback (form field token) and
// the signed webhook (JSON body, X-IYZ-SIGNATURE-V3). Either way the result
// is read back from İyzico and its response signature is checked, so the
// amount and status never come from the caller.
func (p *IyzicoProvider) VerifyCallback(ctx context.Context, payload provider.CallbackPayload) (*provider.CallbackNotification, error) {
	var (
		token   string
		webhook *webhookNotification
	)

	if sig := payload.Headers.Get(signatureHeader); sig != "" {
		var n webhookNotification
		if err := json.Unmarshal(payload.RawBody, &n); err != nil {
			return nil, fmt.Errorf("iyzico: malformed webhook body: %w", provider.ErrMissingCallbackField)
		}
		for field, value := range map[string]string{
			"iyziEventType":         n.IyziEventType,
			"iyziPaymentId":         n.PaymentID,
			"token":                 n.Token,
			"paymentConversationId": n.PaymentConversationID,
			"status":                n.Status,
		} {
			if value == "" {
				return nil, fmt.Errorf("iyzico: %s: %w", field, provider.ErrMissingCallbackField)
			}
		}
		expected := p.webhookSignature(n)
		if !equalHex(expected, sig) {
			return nil, fmt.Errorf("iyzico: webhook: %w", provider.ErrInvalidSignature)
		}
		token = n.Token
		webhook = &n
	} else {
		token = strings.TrimSpace(payload.Fields["token"])
		if token == "" {
			return nil, fmt.Errorf("iyzico: token: %w", provider.ErrMissingCallbackField)
		}
	}

	form, err := p.retrieveCheckoutForm(ctx, token)
	if err != nil {
		return nil, err
	}
	if webhook != nil && (webhook.PaymentConversationID != form.ConversationID || webhook.PaymentID != form.PaymentID) {
		return nil, fmt.Errorf("iyzico: webhook does not match checkout form: %w", provider.ErrInvalidSignature)
	}

	amount, err := toMinor(form.Price)
	if err != nil {
		return nil, fmt.Errorf("iyzico: price %q: %w", form.Price, provider.ErrInvalidAmount)
	}

	n := &provider.CallbackNotification{
		OrderReference: form.BasketID,
		RawStatus:      form.PaymentStatus,
		Amount:         amount,
		Currency:       form.Currency,
		TransactionID:  form.PaymentID,
		TestMode:       !p.isProduction,
	}
	switch form.PaymentStatus {
	case paymentStatusSuccess:
		n.Status = provider.StatusSuccess
	case paymentStatusFailure:
		n.Status = provider.StatusFailed
		n.FailureReason = strings.TrimSpace(form.ErrorCode + " " + form.ErrorMessage)
	}

	return n, nil
}

type checkoutForm struct {
	apiResult
	PaymentStatus string      `json:"paymentStatus"`
	PaymentID     string      `json:"paymentId"`
	Currency      string      `json:"currency"`
	BasketID      string      `json:"basketId"`
	PaidPrice     json.Number `json:"paidPrice"`
	Price         json.Number `json:"price"`
	Token         string      `json:"token"`
	Signature     string      `json:"signature"`
}

// retrieveCheckoutForm fetches the payment result of a checkout form and
// verifies the response signature
func (p *IyzicoProvider) retrieveCheckoutForm(ctx context.Context, token string) (*checkoutForm, error) {
	body := map[string]string{
		"locale": defaultLocale,
		"token":  token,
	}

	var form checkoutForm
	if err := p.post(ctx, endpointCheckoutRetrieve, "retrieve", body, &form); err != nil {
		return nil, err
	}

	if form.Status != apiStatusSuccess {
		return nil, fmt.Errorf("iyzico: checkout form %s rejected (%s %s)", shortToken(token), form.ErrorCode, form.ErrorMessage)
	}
	if form.Signature == "" {
		return nil, fmt.Errorf("iyzico: response signature: %w", provider.ErrMissingCallbackField)
	}
	if form.Token != token {
		return nil, fmt.Errorf("iyzico: response token mismatch: %w", provider.ErrInvalidSignature)
	}

	expected, err := p.checkoutFormSignature(&form)
	if err != nil {
		return nil, fmt.Errorf("iyzico: %v: %w", err, provider.ErrInvalidAmount)
	}
	if !equalHex(expected, form.Signature) {
		return nil, fmt.Errorf("iyzico: response: %w", provider.ErrInvalidSignature)
	}

	return &form, nil
}

// RefundPayment refunds all or part of a payment
func (p *IyzicoProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	if request.TransactionID == "" {
		return nil, errors.New("iyzico: paymentId is unknown for this order")
	}

	body := map[string]string{
		"locale":         defaultLocale,
		"conversationId": request.OrderReference,
		"paymentId":      request.TransactionID,
		"price":          formatMinor(request.Amount),
		"currency":       strings.ToUpper(request.Currency),
		"ip":             request.ClientIP,
	}

	var result struct {
		apiResult
		PaymentID string      `json:"paymentId"`
		Price     json.Number `json:"price"`
	}
	if err := p.post(ctx, endpointRefund, "refund", body, &result); err != nil {
		return nil, err
	}

	if result.Status != apiStatusSuccess {
		return &provider.RefundResponse{
			Success:   false,
			Message:   result.ErrorMessage,
			ErrorCode: result.ErrorCode,
		}, nil
	}

	return &provider.RefundResponse{
		Success:  true,
		RefundID: result.PaymentID,
		Amount:   request.Amount,
	}, nil
}

// post signs and sends a JSON request. The signature covers the exact bytes
// sent.
func (p *IyzicoProvider) post(ctx context.Context, endpoint, operation string, body, target any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("iyzico: failed to marshal request: %w", err)
	}

	randomKey := strconv.FormatInt(p.now().UnixMilli(), 10) + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	resp, err := p.client.SendJSON(ctx, &provider.HTTPRequest{
		Method:    http.MethodPost,
		Endpoint:  endpoint,
		Operation: operation,
		Headers: map[string]string{
			"Authorization": p.authorization(randomKey, endpoint, payload),
			"x-iyzi-rnd":    randomKey,
		},
		Body: payload,
	})
	if err != nil {
		return err
	}
	return p.client.ParseJSONResponse(resp, target)
}

// Signatures

func (p *IyzicoProvider) hmacHex(data string) string {
	mac := hmac.New(sha256.New, []byte(p.secretKey))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// authorization builds the IYZWSv2 header
func (p *IyzicoProvider) authorization(randomKey, uriPath string, body []byte) string {
	signature := p.hmacHex(randomKey + uriPath + string(body))
	params := "apiKey:" + p.apiKey + "&randomKey:" + randomKey + "&signature:" + signature
	return "IYZWSv2 " + base64.StdEncoding.EncodeToString([]byte(params))
}

func (p *IyzicoProvider) webhookSignature(n webhookNotification) string {
	return p.hmacHex(p.secretKey + n.IyziEventType + n.PaymentID + n.Token + n.PaymentConversationID + n.Status)
}

func (p *IyzicoProvider) checkoutFormSignature(f *checkoutForm) (string, error) {
	paidPrice, err := normalizePrice(f.PaidPrice)
	if err != nil {
		return "", err
	}
	price, err := normalizePrice(f.Price)
	if err != nil {
		return "", err
	}
	return p.hmacHex(strings.Join([]string{
		f.PaymentStatus, f.PaymentID, f.Currency, f.BasketID, f.ConversationID, paidPrice, price, f.Token,
	}, ":")), nil
}

// Helpers

func equalHex(expected, received string) bool {
	got, err := hex.DecodeString(strings.TrimSpace(received))
	if err != nil {
		return false
	}
	want, _ := hex.DecodeString(expected)
	return hmac.Equal(want, got)
}

func formatMinor(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

// normalizePrice renders a price the way İyzico signs it: no trailing zeros
func normalizePrice(n json.Number) (string, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return "", fmt.Errorf("bad price %q", n.String())
	}
	return d.String(), nil
}

// toMinor converts a decimal price to minor units. Fractions of a minor
// unit are rejected rather than rounded.
func toMinor(n json.Number) (int64, error) {
	d, err := decimal.NewFromString(n.String())
	if err != nil {
		return 0, err
	}
	minor := d.Shift(2)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("fractional minor units")
	}
	return minor.IntPart(), nil
}

func shortToken(token string) string {
	if len(token) > 8 {
		return token[:8] + "..."
	}
	return token
}

// CheckoutFormSignature computes the response signature for operator
// tooling and tests
func CheckoutFormSignature(secretKey, paymentStatus, paymentID, currency, basketID, conversationID, paidPrice, price, token string) string {
	p := &IyzicoProvider{secretKey: secretKey}
	sig, _ := p.checkoutFormSignature(&checkoutForm{
		apiResult:     apiResult{ConversationID: conversationID},
		PaymentStatus: paymentStatus,
		PaymentID:     paymentID,
		Currency:      currency,
		BasketID:      basketID,
		PaidPrice:     json.Number(paidPrice),
		Price:         json.Number(price),
		Token:         token,
	})
	return sig
}
