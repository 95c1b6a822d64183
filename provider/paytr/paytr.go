package paytr

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mstgnz/pawguard/provider"
	"github.com/shopspring/decimal"
)

const (
	apiURL = "https://www.paytr.com"

	endpointIFrameToken = "/odeme/api/get-token"
	endpointRefund      = "/odeme/iade"
	iframePath          = "/odeme/guvenlik/"

	statusSuccess = "success"
	statusFailed  = "failed"

	defaultCurrency       = "TL"
	defaultLang           = "tr"
	defaultMaxInstallment = "0"
	defaultTimeoutMinutes = "30"
)

// PayTRProvider implements the provider.PaymentProvider interface for PayTR
// iFrame checkout
type PayTRProvider struct {
	merchantID     string
	merchantKey    string
	merchantSalt   string
	returnURL      string
	maxInstallment string
	isProduction   bool
	client         *provider.ProviderHTTPClient
}

// NewProvider creates a new PayTR payment provider
func NewProvider() provider.PaymentProvider {
	return &PayTRProvider{}
}

// GetRequiredConfig returns the configuration fields required for PayTR
func (p *PayTRProvider) GetRequiredConfig(environment string) []provider.ConfigField {
	return []provider.ConfigField{
		{
			Key:         "merchantId",
			Required:    true,
			Type:        "number",
			Description: "PayTR merchant ID (Mağaza No)",
			Example:     "123456",
			MaxLength:   20,
		},
		{
			Key:         "merchantKey",
			Required:    true,
			Type:        "string",
			Description: "PayTR merchant key (Mağaza Parola)",
			Example:     "XXXXXXXXXXXXXXXX",
			MinLength:   8,
			MaxLength:   100,
		},
		{
			Key:         "merchantSalt",
			Required:    true,
			Type:        "string",
			Description: "PayTR merchant salt (Mağaza Gizli Anahtar)",
			Example:     "YYYYYYYYYYYYYYYY",
			MinLength:   8,
			MaxLength:   100,
		},
		{
			Key:         "maxInstallment",
			Type:        "number",
			Description: "Maximum installment count offered in the iFrame, 0 for all",
			Example:     "0",
		},
		provider.EnvironmentField,
		provider.BaseURLField,
	}
}

// ValidateConfig validates the provided configuration against PayTR requirements
func (p *PayTRProvider) ValidateConfig(config map[string]string) error {
	return provider.ValidateConfigFields("paytr", config, p.GetRequiredConfig(config["environment"]))
}

// Initialize sets up the PayTR payment provider with authentication credentials
func (p *PayTRProvider) Initialize(conf map[string]string) error {
	p.merchantID = conf["merchantId"]
	p.merchantKey = conf["merchantKey"]
	p.merchantSalt = conf["merchantSalt"]

	if p.merchantID == "" || p.merchantKey == "" || p.merchantSalt == "" {
		return errors.New("paytr: merchantId, merchantKey and merchantSalt are required")
	}

	p.isProduction = conf["environment"] == "production"
	p.returnURL = conf["returnUrl"]
	p.maxInstallment = conf["maxInstallment"]
	if p.maxInstallment == "" {
		p.maxInstallment = defaultMaxInstallment
	}

	baseURL := conf["baseUrl"]
	if baseURL == "" {
		baseURL = apiURL
	}
	p.client = provider.NewProviderHTTPClient(provider.CreateHTTPClientConfig("paytr", baseURL, p.isProduction, 0))

	return nil
}

// InitializePayment requests an iFrame token for the order
func (p *PayTRProvider) InitializePayment(ctx context.Context, request provider.PaymentRequest) (*provider.PaymentResponse, error) {
	basket, err := buildUserBasket(request.BasketItems)
	if err != nil {
		return nil, fmt.Errorf("paytr: %w", err)
	}

	data := url.Values{}
	data.Set("merchant_id", p.merchantID)
	data.Set("user_ip", request.Buyer.IP)
	data.Set("merchant_oid", request.OrderReference)
	data.Set("email", request.Buyer.Email)
	data.Set("payment_amount", strconv.FormatInt(request.Amount, 10))
	data.Set("user_basket", basket)
	data.Set("no_installment", noInstallment(p.maxInstallment))
	data.Set("max_installment", p.maxInstallment)
	data.Set("currency", currencyCode(request.Currency))
	data.Set("test_mode", p.testMode())
	data.Set("user_name", strings.TrimSpace(request.Buyer.Name+" "+request.Buyer.Surname))
	data.Set("user_address", strings.TrimSpace(request.Buyer.Address+", "+request.Buyer.City+", "+request.Buyer.Country))
	data.Set("user_phone", request.Buyer.Phone)
	data.Set("merchant_ok_url", p.resultURL(request.OrderReference, "success"))
	data.Set("merchant_fail_url", p.resultURL(request.OrderReference, "fail"))
	data.Set("timeout_limit", defaultTimeoutMinutes)
	data.Set("debug_on", "0")
	data.Set("lang", defaultLang)
	data.Set("paytr_token", p.tokenHash(data))

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:    http.MethodPost,
		Endpoint:  endpointIFrameToken,
		Operation: "initialize",
		FormData:  data,
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Status string `json:"status"`
		Token  string `json:"token"`
		Reason string `json:"reason"`
	}
	if err := p.client.ParseJSONResponse(resp, &body); err != nil {
		return nil, err
	}

	if body.Status != statusSuccess || body.Token == "" {
		return &provider.PaymentResponse{
			Success:   false,
			Message:   body.Reason,
			ErrorCode: "paytr_token_rejected",
		}, nil
	}

	paymentURL := strings.TrimRight(p.client.BaseURL(), "/") + iframePath + body.Token
	return &provider.PaymentResponse{
		Success:    true,
		Token:      body.Token,
		PaymentURL: paymentURL,
		CheckoutFormContent: fmt.Sprintf(
			`<script src="https://www.paytr.com/js/iframeResizer.min.js"></script><iframe src="%s" id="paytriframe" frameborder="0" scrolling="no" style="width: 100%%;"></iframe>`,
			paymentURL),
	}, nil
}

// VerifyCallback checks a PayTR notification. The hash covers the order,
// status and total amount, so a tampered amount fails here unless the
// sender knows the merchant key.
func (p *PayTRProvider) VerifyCallback(ctx context.Context, payload provider.CallbackPayload) (*provider.CallbackNotification, error) {
	fields := payload.Fields
	for _, key := range []string{"merchant_oid", "status", "total_amount", "hash"} {
		if strings.TrimSpace(fields[key]) == "" {
			return nil, fmt.Errorf("paytr: %s: %w", key, provider.ErrMissingCallbackField)
		}
	}

	merchantOid := fields["merchant_oid"]
	status := fields["status"]
	totalAmount := fields["total_amount"]

	expected := p.callbackHash(merchantOid, status, totalAmount)
	if !hmac.Equal([]byte(expected), []byte(fields["hash"])) {
		return nil, fmt.Errorf("paytr: %w", provider.ErrInvalidSignature)
	}

	amount, err := strconv.ParseInt(totalAmount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("paytr: total_amount %q: %w", totalAmount, provider.ErrInvalidAmount)
	}

	n := &provider.CallbackNotification{
		OrderReference: merchantOid,
		RawStatus:      status,
		Amount:         amount,
		Currency:       isoCurrency(fields["currency"]),
		TransactionID:  merchantOid,
		TestMode:       fields["test_mode"] == "1",
	}

	switch status {
	case statusSuccess:
		n.Status = provider.StatusSuccess
	case statusFailed:
		n.Status = provider.StatusFailed
		n.FailureReason = strings.TrimSpace(fields["failed_reason_code"] + " " + fields["failed_reason_msg"])
	}

	return n, nil
}

// AcknowledgeCallback answers with the plain OK PayTR waits for. Anything
// else makes PayTR retry the notification.
func (p *PayTRProvider) AcknowledgeCallback(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// RefundPayment refunds all or part of a settled order
func (p *PayTRProvider) RefundPayment(ctx context.Context, request provider.RefundRequest) (*provider.RefundResponse, error) {
	returnAmount := minorToDecimal(request.Amount)

	data := url.Values{}
	data.Set("merchant_id", p.merchantID)
	data.Set("merchant_oid", request.OrderReference)
	data.Set("return_amount", returnAmount)
	data.Set("paytr_token", p.refundHash(request.OrderReference, returnAmount))

	resp, err := p.client.SendForm(ctx, &provider.HTTPRequest{
		Method:    http.MethodPost,
		Endpoint:  endpointRefund,
		Operation: "refund",
		FormData:  data,
	})
	if err != nil {
		return nil, err
	}

	var body struct {
		Status       string `json:"status"`
		MerchantOid  string `json:"merchant_oid"`
		ReturnAmount string `json:"return_amount"`
		ErrNo        string `json:"err_no"`
		ErrMsg       string `json:"err_msg"`
	}
	if err := p.client.ParseJSONResponse(resp, &body); err != nil {
		return nil, err
	}

	if body.Status != statusSuccess {
		return &provider.RefundResponse{
			Success:   false,
			Message:   body.ErrMsg,
			ErrorCode: body.ErrNo,
		}, nil
	}

	return &provider.RefundResponse{
		Success:  true,
		RefundID: body.MerchantOid,
		Amount:   request.Amount,
	}, nil
}

// Hashes

func (p *PayTRProvider) sign(data string) string {
	mac := hmac.New(sha256.New, []byte(p.merchantKey))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (p *PayTRProvider) tokenHash(data url.Values) string {
	return p.sign(data.Get("merchant_id") + data.Get("user_ip") + data.Get("merchant_oid") + data.Get("email") +
		data.Get("payment_amount") + data.Get("user_basket") + data.Get("no_installment") +
		data.Get("max_installment") + data.Get("currency") + data.Get("test_mode") + p.merchantSalt)
}

// callbackHash is merchant_oid + salt + status + total_amount; the salt sits
// before the status
func (p *PayTRProvider) callbackHash(merchantOid, status, totalAmount string) string {
	return p.sign(merchantOid + p.merchantSalt + status + totalAmount)
}

func (p *PayTRProvider) refundHash(merchantOid, returnAmount string) string {
	return p.sign(p.merchantID + merchantOid + returnAmount + p.merchantSalt)
}

// CallbackHash exposes the notification hash for operator tooling
func CallbackHash(merchantKey, merchantSalt, merchantOid, status, totalAmount string) string {
	p := &PayTRProvider{merchantKey: merchantKey, merchantSalt: merchantSalt}
	return p.callbackHash(merchantOid, status, totalAmount)
}

// Helpers

func (p *PayTRProvider) testMode() string {
	if p.isProduction {
		return "0"
	}
	return "1"
}

func (p *PayTRProvider) resultURL(orderRef, result string) string {
	if p.returnURL == "" {
		return ""
	}
	q := url.Values{}
	q.Set("provider", "paytr")
	q.Set("order", orderRef)
	q.Set("result", result)
	return p.returnURL + "?" + q.Encode()
}

func noInstallment(maxInstallment string) string {
	if maxInstallment == "1" {
		return "1"
	}
	return "0"
}

// buildUserBasket encodes [[name, unit price, quantity]] as base64 JSON
func buildUserBasket(items []provider.BasketItem) (string, error) {
	basket := make([][]any, 0, len(items))
	for _, item := range items {
		basket = append(basket, []any{item.Name, minorToDecimal(item.Price), item.Quantity})
	}
	raw, err := json.Marshal(basket)
	if err != nil {
		return "", fmt.Errorf("failed to encode basket: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

func minorToDecimal(amount int64) string {
	return decimal.New(amount, -2).StringFixed(2)
}

func currencyCode(currency string) string {
	switch strings.ToUpper(currency) {
	case "", "TRY", "TL":
		return defaultCurrency
	default:
		return strings.ToUpper(currency)
	}
}

func isoCurrency(code string) string {
	if code == "" || strings.EqualFold(code, "TL") {
		return "TRY"
	}
	return strings.ToUpper(code)
}
