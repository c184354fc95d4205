package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"coachchat/internal/billing"
	"coachchat/internal/config"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	HitPayProductionURL = "https://api.hit-pay.com/v1"
	HitPaySandboxURL    = "https://api.sandbox.hit-pay.com/v1"

	hitPayStatusCompleted = "completed"
)

// SignHitPay computes the HitPay HMAC: every field except hmac, sorted by
// key, concatenated as key+value, signed with the salt and hex encoded.
func SignHitPay(values url.Values, salt string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == "hmac" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(values.Get(k))
	}
	mac := hmac.New(sha256.New, []byte(salt))
	_, _ = mac.Write([]byte(b.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHitPay checks the hmac field of a webhook form. An empty salt
// rejects everything.
func VerifyHitPay(values url.Values, salt string) bool {
	if salt == "" {
		return false
	}
	got := values.Get("hmac")
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(got), []byte(SignHitPay(values, salt)))
}

// ParseHitPayWebhook verifies and decodes a HitPay webhook body.
func ParseHitPayWebhook(rawBody []byte, salt string) (Event, error) {
	values, err := url.ParseQuery(string(rawBody))
	if err != nil {
		return nil, errors.Wrap(ErrMalformedPayload, err.Error())
	}
	if !VerifyHitPay(values, salt) {
		return nil, ErrInvalidSignature
	}

	status := values.Get("status")
	if status != hitPayStatusCompleted {
		return Ignored{From: ProviderHitPay, Type: "payment." + status, Reason: "payment " + values.Get("payment_id") + " status " + status}, nil
	}
	email := strings.TrimSpace(values.Get("reference_number"))
	if email == "" {
		return Ignored{From: ProviderHitPay, Type: "payment.completed", Reason: "missing reference_number"}, nil
	}
	paymentID := values.Get("payment_id")
	if paymentID == "" {
		return nil, errors.Wrap(ErrMalformedPayload, "missing payment_id")
	}
	rawAmount := values.Get("amount")
	if rawAmount == "" {
		rawAmount = "0"
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedPayload, "amount %q", rawAmount)
	}
	currency := values.Get("currency")
	if currency == "" {
		currency = "SGD"
	}
	return HitPayPayment{
		PaymentID:        paymentID,
		PaymentRequestID: values.Get("payment_request_id"),
		Email:            email,
		Amount:           amount,
		Currency:         currency,
	}, nil
}

// HitPayGrant works out the credits and ledger description for a payment.
func HitPayGrant(p HitPayPayment) (int64, string) {
	if tier, ok := billing.TierByAmount(billing.ToCents(p.Amount)); ok {
		return tier.Credits, "HitPay purchase: " + tier.Name + " (" + strconv.FormatInt(tier.Credits, 10) + " credits) - Payment ID: " + p.PaymentID
	}
	credits := billing.FallbackCredits(p.Amount)
	return credits, "HitPay purchase: Custom amount (" + strconv.FormatInt(credits, 10) + " credits) - Payment ID: " + p.PaymentID
}

// HitPayClient creates hosted checkout payment requests.
type HitPayClient struct {
	BaseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewHitPayClient picks the production or sandbox API from config.
func NewHitPayClient(cfg config.HitPayConfig, httpClient *http.Client) *HitPayClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	base := HitPaySandboxURL
	if cfg.Production {
		base = HitPayProductionURL
	}
	return &HitPayClient{BaseURL: base, apiKey: cfg.APIKey, httpClient: httpClient}
}

// PaymentRequest describes a checkout for one tier.
type PaymentRequest struct {
	Tier        billing.Tier
	Email       string
	Name        string
	Reference   string
	RedirectURL string
	WebhookURL  string
}

// PaymentRequestResult is the part of the HitPay response the client needs.
type PaymentRequestResult struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreatePaymentRequest posts a payment request and returns its checkout URL.
func (c *HitPayClient) CreatePaymentRequest(ctx context.Context, req PaymentRequest) (*PaymentRequestResult, error) {
	form := url.Values{}
	form.Set("amount", req.Tier.Dollars())
	form.Set("currency", req.Tier.Currency)
	form.Set("redirect_url", req.RedirectURL)
	form.Set("webhook", req.WebhookURL)
	form.Set("purpose", "Purchase: "+req.Tier.Name+" ("+strconv.FormatInt(req.Tier.Credits, 10)+" credits)")
	if req.Email != "" {
		form.Set("email", req.Email)
	}
	if req.Name != "" {
		form.Set("name", req.Name)
	}
	if req.Reference != "" {
		form.Set("reference_number", req.Reference)
	}
	form.Add("payment_methods[]", "card")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.BaseURL, "/")+"/payment-requests", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "build hitpay request")
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("X-BUSINESS-API-KEY", c.apiKey)
	httpReq.Header.Set("X-Requested-With", "XMLHttpRequest")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "hitpay request")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.Wrap(err, "read hitpay response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.Errorf("HitPay API error: %s - %s", resp.Status, strings.TrimSpace(string(body)))
	}
	var result PaymentRequestResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, errors.Wrap(err, "decode hitpay response")
	}
	if result.URL == "" {
		return nil, errors.New("HitPay API error: response has no checkout url")
	}
	return &result, nil
}
