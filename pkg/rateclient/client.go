/**
 * @description
 * Client for a CoinGecko-compatible spot price API. Rates are returned as
 * decimals quoted in INR.
 */
package rateclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const quoteCurrency = "inr"

var ErrRateUnavailable = errors.New("exchange rate unavailable")

// Client provides methods to query the rate provider.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient creates a new rate provider client.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// INRRate returns the INR price of one unit of the asset. A response that
// lacks the asset or its INR quote is an error.
func (c *Client) INRRate(ctx context.Context, assetID string) (decimal.Decimal, error) {
	if c.baseURL == "" {
		return decimal.Zero, fmt.Errorf("rate provider base URL is not configured")
	}

	query := url.Values{}
	query.Set("ids", assetID)
	query.Set("vs_currencies", quoteCurrency)
	endpoint := fmt.Sprintf("%s/simple/price?%s", c.baseURL, query.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decimal.Zero, fmt.Errorf("rate provider returned status %d", resp.StatusCode)
	}

	var body map[string]map[string]json.Number
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("failed to decode rate response: %w", err)
	}

	quote, ok := body[assetID][quoteCurrency]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no %s quote for %s", ErrRateUnavailable, quoteCurrency, assetID)
	}
	rate, err := decimal.NewFromString(quote.String())
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid rate %q for %s: %w", quote.String(), assetID, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: non-positive rate %s for %s", ErrRateUnavailable, rate, assetID)
	}
	return rate, nil
}
