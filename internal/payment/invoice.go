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
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
)

// ErrEventIgnored marks a verified webhook event that carries no settlement
// outcome (intermediate statuses, unrelated event types). Handlers
// acknowledge it without touching the order.
var ErrEventIgnored = errors.New("webhook event carries no settlement outcome")

var satsPerBTC = decimal.NewFromInt(100_000_000)

// InvoiceConfig configures the lightning invoice adapter.
type InvoiceConfig struct {
	BaseURL  string
	APIKey   string
	Currency string
	TTL      time.Duration
}

// InvoiceAdapter charges via lightning invoices on an OpenNode-style API:
// charges are created with a TTL, settled by webhook or by polling the
// charge status. Fiat amounts are converted to satoshis at the current
// spot rate.
type InvoiceAdapter struct {
	cfg   InvoiceConfig
	rates RateSource
	http  *http.Client
	now   func() time.Time
}

var (
	_ Adapter       = (*InvoiceAdapter)(nil)
	_ WebhookParser = (*InvoiceAdapter)(nil)
)

// NewInvoiceAdapter creates the lightning strategy with an injected spot
// rate source.
func NewInvoiceAdapter(cfg InvoiceConfig, rates RateSource, client *http.Client) *InvoiceAdapter {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.TTL == 0 {
		cfg.TTL = 15 * time.Minute
	}
	return &InvoiceAdapter{cfg: cfg, rates: rates, http: client, now: time.Now}
}

type createChargeRequest struct {
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	OrderID     string `json:"order_id"`
	TTLSeconds  int    `json:"ttl"`
	Description string `json:"description"`
}

type chargeResponse struct {
	Data struct {
		ID               string `json:"id"`
		Status           string `json:"status"`
		LightningInvoice struct {
			Payreq string `json:"payreq"`
		} `json:"lightning_invoice"`
	} `json:"data"`
}

// CreateRequest converts the fiat amount to satoshis at the current spot
// rate and creates a charge. A failed rate lookup fails the request; no
// stale or default rate is substituted.
func (a *InvoiceAdapter) CreateRequest(ctx context.Context, orderID string, amount decimal.Decimal) (*Request, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	rate, err := a.rates.GetRate(ctx, "BTC", a.cfg.Currency)
	if err != nil {
		return nil, &ProviderError{Provider: "lightning", Err: errors.Wrap(err, "spot rate lookup")}
	}
	if !rate.IsPositive() {
		return nil, &ProviderError{Provider: "lightning", Err: errors.Errorf("non-positive spot rate %s", rate)}
	}
	sats := amount.Div(rate).Mul(satsPerBTC).Round(0).IntPart()
	if sats <= 0 {
		return nil, ErrInvalidAmount
	}

	body, err := json.Marshal(createChargeRequest{
		Amount:      sats,
		Currency:    "BTC",
		OrderID:     orderID,
		TTLSeconds:  int(a.cfg.TTL.Seconds()),
		Description: "ns-cafe order " + orderID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "encode charge request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/v1/charges", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build charge request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return nil, &ProviderError{Provider: "lightning", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, &ProviderError{Provider: "lightning", Err: errors.Errorf("create charge: status %d", resp.StatusCode)}
	}

	var charge chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return nil, &ProviderError{Provider: "lightning", Err: errors.Wrap(err, "decode charge response")}
	}
	if charge.Data.ID == "" || charge.Data.LightningInvoice.Payreq == "" {
		return nil, &ProviderError{Provider: "lightning", Err: errors.New("charge response missing id or invoice")}
	}

	return &Request{
		Handle:    charge.Data.ID,
		Invoice:   charge.Data.LightningInvoice.Payreq,
		ExpiresAt: a.now().Add(a.cfg.TTL),
	}, nil
}

// PollStatus fetches the charge and reports whether it has been paid.
func (a *InvoiceAdapter) PollStatus(ctx context.Context, handle string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/charge/"+handle, nil)
	if err != nil {
		return false, errors.Wrap(err, "build status request")
	}
	req.Header.Set("Authorization", a.cfg.APIKey)

	resp, err := a.http.Do(req)
	if err != nil {
		return false, &ProviderError{Provider: "lightning", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, &ProviderError{Provider: "lightning", Err: errors.Errorf("get charge: status %d", resp.StatusCode)}
	}

	var charge chargeResponse
	if err := json.NewDecoder(resp.Body).Decode(&charge); err != nil {
		return false, &ProviderError{Provider: "lightning", Err: errors.Wrap(err, "decode charge response")}
	}

	return charge.Data.Status == "paid", nil
}

// ParseWebhook verifies the hashed_order HMAC and decodes the settlement.
// Payload shape: {"id", "status", "order_id", "hashed_order"} where
// hashed_order is HMAC-SHA256(id) keyed with the API key. The decode is
// strict: missing fields or an unknown status are malformed, not ignored.
func (a *InvoiceAdapter) ParseWebhook(payload []byte, _ string) (*Settlement, error) {
	var chargeID, status, orderID, hashedOrder string

	d := jx.DecodeBytes(payload)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			chargeID, err = d.Str()
		case "status":
			status, err = d.Str()
		case "order_id":
			orderID, err = d.Str()
		case "hashed_order":
			hashedOrder, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, &MalformedPayloadError{Reason: err.Error()}
	}
	if chargeID == "" || status == "" || orderID == "" {
		return nil, &MalformedPayloadError{Reason: "missing id, status or order_id"}
	}

	// Verify before acting on anything else in the payload.
	mac := hmac.New(sha256.New, []byte(a.cfg.APIKey))
	mac.Write([]byte(chargeID))
	if hashedOrder == "" || !hmac.Equal([]byte(hex.EncodeToString(mac.Sum(nil))), []byte(hashedOrder)) {
		return nil, ErrBadSignature
	}

	switch status {
	case "paid":
		return &Settlement{EventID: eventKey(chargeID, status), OrderID: orderID, Handle: chargeID, Paid: true}, nil
	case "expired", "refunded":
		return &Settlement{EventID: eventKey(chargeID, status), OrderID: orderID, Handle: chargeID, Paid: false}, nil
	case "unpaid", "processing", "underpaid":
		return nil, ErrEventIgnored
	}
	return nil, &MalformedPayloadError{Reason: fmt.Sprintf("unknown charge status %q", status)}
}

// eventKey derives a settlement event id for processors that do not send
// one: the charge id plus terminal status is stable across replays.
func eventKey(chargeID, status string) string {
	return chargeID + ":" + status
}
