package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// HTTPRateSource fetches spot rates from a REST rate API exposing
// GET /rates/{base}-{quote} -> {"rate": "<decimal>"}.
type HTTPRateSource struct {
	baseURL string
	http    *http.Client
}

var _ RateSource = (*HTTPRateSource)(nil)

// NewHTTPRateSource creates a rate source against the given API base URL.
func NewHTTPRateSource(baseURL string, client *http.Client) *HTTPRateSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPRateSource{baseURL: baseURL, http: client}
}

// GetRate returns how many units of quote buy one unit of base.
func (s *HTTPRateSource) GetRate(ctx context.Context, base, quote string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/rates/%s-%s", s.baseURL, base, quote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "build rate request")
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return decimal.Zero, errors.Wrap(err, "fetch spot rate")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return decimal.Zero, errors.Errorf("fetch spot rate: status %d", resp.StatusCode)
	}

	var body struct {
		Rate decimal.Decimal `json:"rate"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, errors.Wrap(err, "decode rate response")
	}
	if !body.Rate.IsPositive() {
		return decimal.Zero, errors.Errorf("non-positive rate %s for %s-%s", body.Rate, base, quote)
	}

	return body.Rate, nil
}
