package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// signatureTolerance bounds how old a signed webhook timestamp may be
// before the event is rejected as a potential replay.
const signatureTolerance = 5 * time.Minute

// IntentConfig configures the card payment-intent adapter.
type IntentConfig struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Currency      string
	// Expiry bounds how long a created intent is polled before the watch
	// gives up with ErrPaymentExpired.
	Expiry time.Duration
}

// IntentAdapter charges cards through a payment-intent API: the server
// creates an intent, the client confirms it with a payment-method token,
// and the processor reports the outcome via a signed webhook.
type IntentAdapter struct {
	cfg  IntentConfig
	http *http.Client
	now  func() time.Time
}

var (
	_ Adapter       = (*IntentAdapter)(nil)
	_ WebhookParser = (*IntentAdapter)(nil)
)

// NewIntentAdapter creates the card strategy.
func NewIntentAdapter(cfg IntentConfig, client *http.Client) *IntentAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.Expiry == 0 {
		cfg.Expiry = time.Hour
	}
	return &IntentAdapter{cfg: cfg, http: client, now: time.Now}
}

type createIntentRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Status       string `json:"status"`
}

// CreateRequest creates a payment intent for the amount expressed in minor
// currency units and returns the client secret the customer confirms with.
func (a *IntentAdapter) CreateRequest(ctx context.Context, orderID string, amount decimal.Decimal) (*Request, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	minorUnits := amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()

	body, err := json.Marshal(createIntentRequest{
		Amount:   minorUnits,
		Currency: strings.ToLower(a.cfg.Currency),
		Metadata: map[string]string{"order_id": orderID},
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode intent request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/payment_intents", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build intent request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "card", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{Provider: "card", Err: errors.Errorf("create intent: status %d", resp.StatusCode)}
	}

	var intent intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, &ProviderError{Provider: "card", Err: errors.Wrap(err, "decode intent response")}
	}
	if intent.ID == "" || intent.ClientSecret == "" {
		return nil, &ProviderError{Provider: "card", Err: errors.New("intent response missing id or client_secret")}
	}

	return &Request{
		Handle:       intent.ID,
		ClientSecret: intent.ClientSecret,
		ExpiresAt:    a.now().Add(a.cfg.Expiry),
	}, nil
}

// PollStatus fetches the intent and reports whether it has succeeded.
func (a *IntentAdapter) PollStatus(ctx context.Context, handle string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/payment_intents/"+handle, nil)
	if err != nil {
		return false, errors.Wrap(err, "build status request")
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return false, &ProviderError{Provider: "card", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &ProviderError{Provider: "card", Err: errors.Errorf("get intent: status %d", resp.StatusCode)}
	}

	var intent intentResponse
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return false, &ProviderError{Provider: "card", Err: errors.Wrap(err, "decode intent response")}
	}

	return intent.Status == "succeeded", nil
}

// ParseWebhook verifies the signature header and decodes the event.
//
// The signature header has the form "t=<unix>,v1=<hex hmac>", where the
// HMAC-SHA256 is computed over "<t>.<raw body>" with the webhook secret.
// Verification happens before any payload field is trusted, uses a
// constant-time comparison, and rejects timestamps older than the
// tolerance window.
func (a *IntentAdapter) ParseWebhook(payload []byte, signature string) (*Settlement, error) {
	ts, sig, err := parseSignatureHeader(signature)
	if err != nil {
		return nil, ErrBadSignature
	}

	if d := a.now().Sub(time.Unix(ts, 0)); d > signatureTolerance || d < -signatureTolerance {
		return nil, ErrBadSignature
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	fmt.Fprintf(mac, "%d.", ts)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return nil, ErrBadSignature
	}

	var eventID, eventType, intentID, orderID string

	d := jx.DecodeBytes(payload)
	err = d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			eventID, err = d.Str()
		case "type":
			eventType, err = d.Str()
		case "data":
			return d.Obj(func(d *jx.Decoder, key string) error {
				if key != "object" {
					return d.Skip()
				}
				return d.Obj(func(d *jx.Decoder, key string) error {
					switch key {
					case "id":
						var err error
						intentID, err = d.Str()
						return err
					case "metadata":
						return d.Obj(func(d *jx.Decoder, key string) error {
							if key != "order_id" {
								return d.Skip()
							}
							var err error
							orderID, err = d.Str()
							return err
						})
					default:
						return d.Skip()
					}
				})
			})
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, &MalformedPayloadError{Reason: err.Error()}
	}
	if eventID == "" || eventType == "" {
		return nil, &MalformedPayloadError{Reason: "missing event id or type"}
	}

	switch eventType {
	case "payment_intent.succeeded", "payment_intent.payment_failed":
		if orderID == "" {
			return nil, &MalformedPayloadError{Reason: "missing order_id metadata"}
		}
		return &Settlement{
			EventID: eventID,
			OrderID: orderID,
			Handle:  intentID,
			Paid:    eventType == "payment_intent.succeeded",
		}, nil
	}
	return nil, ErrEventIgnored
}

// parseSignatureHeader splits "t=<unix>,v1=<hex>" into its parts.
func parseSignatureHeader(header string) (ts int64, sig string, err error) {
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, "", err
			}
		case "v1":
			sig = v
		}
	}
	if ts == 0 || sig == "" {
		return 0, "", errors.New("incomplete signature header")
	}
	return ts, sig, nil
}
