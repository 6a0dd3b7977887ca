// Package exchange fetches the reference USD price used for the comparison
// series. One call per cycle; failure is tolerated and the sample is stored
// with a null exchange price.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Second},
		log:     log.With().Str("component", "exchange").Logger(),
	}
}

// FetchLatestUSDPrice returns the oracle's current USD quote.
func (c *Client) FetchLatestUSDPrice(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/prices", nil)
	if err != nil {
		return 0, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("exchange oracle: status %d", resp.StatusCode)
	}

	var prices map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&prices); err != nil {
		return 0, fmt.Errorf("exchange oracle: decode: %w", err)
	}
	usd, ok := prices["USD"]
	if !ok || usd <= 0 {
		return 0, fmt.Errorf("exchange oracle: no USD quote in response")
	}
	return usd, nil
}
