package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Webhook event types acted upon.
const (
	WebhookIntentSucceeded = "payment_intent.succeeded"
	WebhookIntentCanceled  = "payment_intent.canceled"
	WebhookIntentFailed    = "payment_intent.payment_failed"
	WebhookChargeCaptured  = "charge.captured"
	WebhookChargeRefunded  = "charge.refunded"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>".
const SignatureHeader = "Stripe-Signature"

var (
	ErrSignatureMissing  = errors.New("webhook signature missing")
	ErrSignatureInvalid  = errors.New("webhook signature invalid")
	ErrSignatureExpired  = errors.New("webhook signature timestamp outside tolerance")
	ErrWebhookValidation = errors.New("webhook payload failed validation")
)

// WebhookEvent is the subset of a provider event the engine uses.
type WebhookEvent struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object WebhookObject `json:"object"`
	} `json:"data"`
}

// WebhookObject is the resource the event is about: a payment intent or a charge.
type WebhookObject struct {
	ID            string `json:"id"`
	Object        string `json:"object"`
	PaymentIntent string `json:"payment_intent"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
}

// References returns the identifiers that may match an order's hold or receipt.
func (o WebhookObject) References() []string {
	refs := []string{o.ID}
	if o.PaymentIntent != "" && o.PaymentIntent != o.ID {
		refs = append(refs, o.PaymentIntent)
	}
	return refs
}

// Sign produces a signature header for payload at ts.
func Sign(secret string, payload []byte, ts time.Time) string {
	t := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + t + ",v1=" + computeSignature(secret, t, payload)
}

func computeSignature(secret, ts string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks an HMAC-SHA256 signature header against payload.
// Any of several v1 entries may match, which allows secret rotation.
func VerifySignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) error {
	if strings.TrimSpace(header) == "" {
		return ErrSignatureMissing
	}
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return ErrSignatureInvalid
	}
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return ErrSignatureInvalid
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return ErrSignatureExpired
		}
	}
	expected := computeSignature(secret, ts, payload)
	for _, s := range sigs {
		if hmac.Equal([]byte(s), []byte(expected)) {
			return nil
		}
	}
	return ErrSignatureInvalid
}

//go:embed webhook_schema.json
var webhookSchemaJSON []byte

var (
	webhookSchemaOnce sync.Once
	webhookSchema     *gojsonschema.Schema
	webhookSchemaErr  error
)

func loadWebhookSchema() (*gojsonschema.Schema, error) {
	webhookSchemaOnce.Do(func() {
		webhookSchema, webhookSchemaErr = gojsonschema.NewSchema(gojsonschema.NewBytesLoader(webhookSchemaJSON))
	})
	return webhookSchema, webhookSchemaErr
}

// ParseWebhook validates payload against the webhook JSON schema and decodes it.
func ParseWebhook(payload []byte) (*WebhookEvent, error) {
	schema, err := loadWebhookSchema()
	if err != nil {
		return nil, errors.Wrap(err, "load webhook schema")
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return nil, errors.Wrap(ErrWebhookValidation, err.Error())
	}
	if !res.Valid() {
		msgs := make([]string, 0, len(res.Errors()))
		for _, e := range res.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, errors.Wrap(ErrWebhookValidation, strings.Join(msgs, "; "))
	}
	var evt WebhookEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, errors.Wrap(ErrWebhookValidation, err.Error())
	}
	return &evt, nil
}
