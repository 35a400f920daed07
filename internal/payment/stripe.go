package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	stripeAPIBaseURL  = "https://api.stripe.com/v1"
	maxStripeBodySize = 1 << 20
)

// StripeGateway talks to the Stripe PaymentIntents API using manual capture.
// Amounts are sent in minor units.
type StripeGateway struct {
	apiKey     string
	apiBaseURL string
	httpClient *http.Client
}

// NewStripeGateway builds a Stripe adapter. A nil client gets an
// otelhttp-instrumented client bounded by timeout.
func NewStripeGateway(apiKey, baseURL string, timeout time.Duration, client *http.Client) *StripeGateway {
	if client == nil {
		client = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	if baseURL == "" {
		baseURL = stripeAPIBaseURL
	}
	return &StripeGateway{
		apiKey:     apiKey,
		apiBaseURL: strings.TrimRight(baseURL, "/"),
		httpClient: client,
	}
}

// Name implements Gateway.
func (s *StripeGateway) Name() string { return "stripe" }

type stripeIntent struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	LatestCharge string `json:"latest_charge"`
}

type stripeRefund struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Status string `json:"status"`
}

type stripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

// Authorize implements Gateway.
func (s *StripeGateway) Authorize(ctx context.Context, req AuthorizeRequest) (Hold, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(ToMinorUnits(req.Amount), 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("capture_method", "manual")
	form.Set("confirm", "true")
	if req.PaymentMethod != "" {
		form.Set("payment_method", req.PaymentMethod)
	}
	if req.Description != "" {
		form.Set("description", req.Description)
	}

	var pi stripeIntent
	if err := s.post(ctx, OpAuthorize, "/payment_intents", form, req.IdempotencyKey, &pi); err != nil {
		return Hold{}, err
	}
	if pi.Status != "requires_capture" {
		return Hold{}, NewTerminal(OpAuthorize, "unexpected_status", "payment intent is "+pi.Status)
	}
	return Hold{Reference: pi.ID, Amount: FromMinorUnits(pi.Amount), Currency: strings.ToUpper(pi.Currency)}, nil
}

// Adjust implements Gateway by updating the amount of the uncaptured intent.
func (s *StripeGateway) Adjust(ctx context.Context, holdRef string, amount decimal.Decimal, currency, key string) (Hold, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(ToMinorUnits(amount), 10))

	var pi stripeIntent
	if err := s.post(ctx, OpAdjust, "/payment_intents/"+url.PathEscape(holdRef), form, key, &pi); err != nil {
		return Hold{}, err
	}
	return Hold{Reference: pi.ID, Amount: FromMinorUnits(pi.Amount), Currency: strings.ToUpper(currency)}, nil
}

// Capture implements Gateway.
func (s *StripeGateway) Capture(ctx context.Context, holdRef, key string) (CaptureReceipt, error) {
	var pi stripeIntent
	if err := s.post(ctx, OpCapture, "/payment_intents/"+url.PathEscape(holdRef)+"/capture", url.Values{}, key, &pi); err != nil {
		return CaptureReceipt{}, err
	}
	if pi.Status != "succeeded" {
		return CaptureReceipt{}, NewTerminal(OpCapture, "unexpected_status", "payment intent is "+pi.Status)
	}
	ref := pi.LatestCharge
	if ref == "" {
		ref = pi.ID
	}
	return CaptureReceipt{Reference: ref, HoldReference: pi.ID, Amount: FromMinorUnits(pi.Amount)}, nil
}

// Release implements Gateway.
func (s *StripeGateway) Release(ctx context.Context, holdRef, key string) (Ack, error) {
	form := url.Values{}
	form.Set("cancellation_reason", "requested_by_customer")

	var pi stripeIntent
	if err := s.post(ctx, OpRelease, "/payment_intents/"+url.PathEscape(holdRef)+"/cancel", form, key, &pi); err != nil {
		return Ack{}, err
	}
	return Ack{Reference: pi.ID}, nil
}

// Refund implements Gateway. captureRef may be a charge or a payment intent.
func (s *StripeGateway) Refund(ctx context.Context, captureRef string, amount decimal.Decimal, _ string, key string) (RefundReceipt, error) {
	form := url.Values{}
	if strings.HasPrefix(captureRef, "pi_") {
		form.Set("payment_intent", captureRef)
	} else {
		form.Set("charge", captureRef)
	}
	form.Set("amount", strconv.FormatInt(ToMinorUnits(amount), 10))

	var re stripeRefund
	if err := s.post(ctx, OpRefund, "/refunds", form, key, &re); err != nil {
		return RefundReceipt{}, err
	}
	return RefundReceipt{Reference: re.ID, Amount: FromMinorUnits(re.Amount)}, nil
}

func (s *StripeGateway) post(ctx context.Context, op, path string, form url.Values, key string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiBaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return NewTerminal(op, "request_build_failed", errors.Wrap(err, "build request").Error())
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return classify(op, errors.Wrap(err, "stripe request"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStripeBodySize))
	if err != nil {
		return classify(op, errors.Wrap(err, "read stripe response"))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(body, out); err != nil {
			// The provider already acted; a retry with the same key returns the cached body.
			return NewTransient(op, "decode_error", "undecodable provider response", err)
		}
		return nil
	}
	return stripeError(op, resp.StatusCode, body)
}

func stripeError(op string, status int, body []byte) error {
	var er stripeErrorResponse
	_ = json.Unmarshal(body, &er)

	code := er.Error.DeclineCode
	if code == "" {
		code = er.Error.Code
	}
	if code == "" {
		code = fmt.Sprintf("http_%d", status)
	}
	msg := er.Error.Message

	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusConflict, // concurrent request with the same idempotency key
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return NewTransient(op, code, msg, nil)
	default:
		return NewTerminal(op, code, msg)
	}
}
