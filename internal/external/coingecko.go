package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjannette/crypto-pipeline/internal/httputil"
	"github.com/kjannette/crypto-pipeline/internal/logging"
)

const (
	DefaultBaseURL      = "https://api.coingecko.com/api/v3"
	DefaultAPIKeyHeader = "x-cg-demo-api-key"

	// HistoryDateLayout is the DD-MM-YYYY format the history endpoint expects.
	HistoryDateLayout = "02-01-2006"

	userAgent = "crypto-pipeline/1.0"
	maxBody   = 8 << 20
)

var ErrEmptyPayload = errors.New("empty or invalid JSON payload")

type CoinGeckoOptions struct {
	BaseURL      string
	APIKey       string
	APIKeyHeader string
	// RatePerMinute paces outgoing requests across every caller sharing the
	// client. Zero disables client-side pacing.
	RatePerMinute int
	Timeout       time.Duration
	Retry         httputil.RetryConfig
	Logger        *zap.Logger
}

type CoinGeckoClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	keyHeader  string
	limiter    *rate.Limiter
	retry      httputil.RetryConfig
	log        *zap.Logger
}

type Coin struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`
}

func NewCoinGeckoClient(opts CoinGeckoOptions) *CoinGeckoClient {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = DefaultAPIKeyHeader
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	r := &opts.Retry
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = httputil.DefaultRetry.MaxAttempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = httputil.DefaultRetry.BaseDelay
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = r.BaseDelay
	}
	if r.RateLimitDelay <= 0 {
		r.RateLimitDelay = httputil.DefaultRetry.RateLimitDelay
	}
	log := logging.OrNop(opts.Logger)
	if r.Logger == nil {
		r.Logger = log
	}

	var limiter *rate.Limiter
	if opts.RatePerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(opts.RatePerMinute)), 1)
	}

	return &CoinGeckoClient{
		httpClient: &http.Client{Timeout: opts.Timeout},
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		keyHeader:  opts.APIKeyHeader,
		limiter:    limiter,
		retry:      opts.Retry,
		log:        log,
	}
}

// GetCoinHistory fetches the historical snapshot of assetID for date, which
// must already be in DD-MM-YYYY form. The body is returned verbatim.
func (c *CoinGeckoClient) GetCoinHistory(ctx context.Context, assetID, date string) (json.RawMessage, error) {
	if assetID == "" {
		return nil, fmt.Errorf("coingecko history: empty asset id")
	}
	if _, err := time.Parse(HistoryDateLayout, date); err != nil {
		return nil, fmt.Errorf("coingecko history: date %q is not DD-MM-YYYY: %w", date, err)
	}

	endpoint := fmt.Sprintf("%s/coins/%s/history?%s",
		c.baseURL, url.PathEscape(assetID), url.Values{"date": {date}}.Encode())

	start := time.Now()
	body, err := c.get(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("coingecko history %s %s: %w", assetID, date, err)
	}
	c.log.Debug("fetched history",
		zap.String("coin", assetID),
		zap.String("date", date),
		zap.Int("bytes", len(body)),
		zap.Duration("took", time.Since(start)))
	return body, nil
}

func (c *CoinGeckoClient) GetCoinList(ctx context.Context) ([]Coin, error) {
	body, err := c.get(ctx, c.baseURL+"/coins/list")
	if err != nil {
		return nil, fmt.Errorf("coingecko coin list: %w", err)
	}
	var coins []Coin
	if err := json.Unmarshal(body, &coins); err != nil {
		return nil, fmt.Errorf("decode coin list: %w", err)
	}
	return coins, nil
}

func (c *CoinGeckoClient) get(ctx context.Context, endpoint string) (json.RawMessage, error) {
	resp, err := httputil.Do(ctx, c.httpClient, c.retry, func() (*http.Request, error) {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if c.apiKey != "" {
			req.Header.Set(c.keyHeader, c.apiKey)
		}
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 || !json.Valid(body) {
		return nil, ErrEmptyPayload
	}
	return json.RawMessage(body), nil
}

// FormatHistoryDate converts a calendar date to the provider's DD-MM-YYYY form.
func FormatHistoryDate(t time.Time) string {
	return t.Format(HistoryDateLayout)
}

// ExtractPriceUSD reads market_data.current_price.usd from a history
// payload. Coins without market data on that day yield a null price.
func ExtractPriceUSD(raw json.RawMessage) decimal.NullDecimal {
	v := gjson.GetBytes(raw, "market_data.current_price.usd")
	if !v.Exists() || v.Type != gjson.Number {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(v.Raw)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NewNullDecimal(d)
}
