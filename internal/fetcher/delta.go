package fetcher

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	positionsPath = "/v2/positions/margined"
	tickersPath   = "/v2/tickers"
)

// DeltaOptions parameterise the exchange client.
type DeltaOptions struct {
	BaseURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
	UserAgent string
}

// Delta talks to a Delta-Exchange-style derivatives REST API. Positions
// require a signed request; tickers are public.
type Delta struct {
	opts    DeltaOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	now     func() time.Time
}

// NewDelta constructs an exchange client.
func NewDelta(opts DeltaOptions, logger zerolog.Logger) *Delta {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.india.delta.exchange"
	}

	return &Delta{
		opts:    opts,
		logger:  logger.With().Str("component", "exchange_fetcher").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: baseURL,
		now:     time.Now,
	}
}

// FetchPositions retrieves the authenticated open-position set.
func (d *Delta) FetchPositions(ctx context.Context) ([]json.RawMessage, error) {
	if d.opts.APIKey == "" || d.opts.APISecret == "" {
		return nil, errors.New("exchange api key and secret not configured")
	}
	return d.get(ctx, positionsPath, true)
}

// FetchTickers retrieves the public ticker list.
func (d *Delta) FetchTickers(ctx context.Context) ([]json.RawMessage, error) {
	return d.get(ctx, tickersPath, false)
}

func (d *Delta) get(ctx context.Context, path string, signed bool) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(d.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	if signed {
		timestamp := strconv.FormatInt(d.now().Unix(), 10)
		req.Header.Set("api-key", d.opts.APIKey)
		req.Header.Set("timestamp", timestamp)
		req.Header.Set("signature", d.sign(http.MethodGet, timestamp, path, ""))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(path, resp.StatusCode, payload)
	}

	var envelope struct {
		Success *bool             `json:"success"`
		Result  []json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	if envelope.Success != nil && !*envelope.Success {
		return nil, fmt.Errorf("exchange reported success=false for %s", path)
	}

	// A missing result array means no data, not an error.
	if envelope.Result == nil {
		return []json.RawMessage{}, nil
	}
	return envelope.Result, nil
}

// sign computes hex(HMAC-SHA256(secret, method + timestamp + path + query + body)).
func (d *Delta) sign(method, timestamp, path, body string) string {
	mac := hmac.New(sha256.New, []byte(d.opts.APISecret))
	mac.Write([]byte(method + timestamp + path + body))
	return hex.EncodeToString(mac.Sum(nil))
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(path string, status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Error.Message != "" {
			return fmt.Errorf("exchange api error (%s, %d): %s", path, status, apiErr.Error.Message)
		}
		if apiErr.Error.Code != "" {
			return fmt.Errorf("exchange api error (%s, %d): %s", path, status, apiErr.Error.Code)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("exchange api error (%s, %d): %s", path, status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("exchange api error (%s, %d): %s", path, status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("exchange api error (%s, %d)", path, status)
}

var _ PositionFetcher = (*Delta)(nil)
var _ TickerFetcher = (*Delta)(nil)
