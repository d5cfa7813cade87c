package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	appconfig "ignitionflow/config"
	"ignitionflow/logger"
	"ignitionflow/models"
)

// RestClient talks to the provider's historical HTTP API. All calls are
// rate limited, carry a hard timeout and retry transient failures with
// exponential backoff.
type RestClient struct {
	config  *appconfig.Config
	client  *http.Client
	limiter *rate.Limiter
	log     *logger.Log
}

type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.key != "" {
		req.Header.Set("Authorization", "Bearer "+t.key)
	}
	req.Header.Set("User-Agent", "ignitionflow")
	return t.base.RoundTrip(req)
}

// NewRestClient creates a historical API client from configuration.
func NewRestClient(cfg *appconfig.Config) *RestClient {
	rl := cfg.Provider.RateLimit
	rps := rl.RequestsPerSecond
	if rps <= 0 {
		rps = 5
	}
	burst := rl.BurstSize
	if burst <= 0 {
		burst = 1
	}

	return &RestClient{
		config: cfg,
		client: &http.Client{
			Transport: apiKeyTransport{key: cfg.Provider.APIKey, base: http.DefaultTransport},
		},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     logger.GetLogger(),
	}
}

// barRecord is the provider's wire shape for a single OHLCV bar.
type barRecord struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
}

type barsResponse struct {
	Results []barRecord `json:"results"`
	NextTs  int64       `json:"next_ts"`
}

func (c *RestClient) LatestTradingDay(ctx context.Context) (string, error) {
	var resp struct {
		Date string `json:"date"`
	}
	if err := c.getJSON(ctx, "/v1/market/latest-day", nil, c.config.Provider.SnapshotTimeout, &resp); err != nil {
		return "", err
	}
	return resp.Date, nil
}

func (c *RestClient) ListDayGainers(ctx context.Context) ([]models.DayGainer, error) {
	var resp struct {
		Results []models.DayGainer `json:"results"`
	}
	if err := c.getJSON(ctx, "/v1/snapshot/gainers", nil, c.config.Provider.SnapshotTimeout, &resp); err != nil {
		return nil, err
	}
	return resp.Results, nil
}

func (c *RestClient) FetchDailyBars(ctx context.Context, ticker, from, to string) ([]models.Bar, error) {
	return c.fetchBarsPaged(ctx, "/v1/bars/daily/"+url.PathEscape(ticker), ticker, url.Values{
		"from": {from},
		"to":   {to},
	})
}

func (c *RestClient) FetchIntradayBars(ctx context.Context, ticker string, multiplier int, from, to string, limit int) ([]models.Bar, error) {
	if _, ok := models.IntradayTimeframe(multiplier); !ok {
		return nil, fmt.Errorf("%w: unsupported intraday multiplier %d", ErrRejected, multiplier)
	}
	if limit <= 0 || limit > 5000 {
		limit = 5000
	}
	vals := url.Values{
		"from":       {from},
		"to":         {to},
		"multiplier": {strconv.Itoa(multiplier)},
		"limit":      {strconv.Itoa(limit)},
	}
	var resp barsResponse
	if err := c.getJSON(ctx, "/v1/bars/intraday/"+url.PathEscape(ticker), vals, c.config.Provider.HistoricalTimeout, &resp); err != nil {
		return nil, err
	}
	return c.toBars(ticker, resp.Results), nil
}

// fetchBarsPaged follows next_ts cursors until the provider reports no
// further pages.
func (c *RestClient) fetchBarsPaged(ctx context.Context, path, ticker string, vals url.Values) ([]models.Bar, error) {
	limit := c.config.Provider.PageLimit
	if limit <= 0 {
		limit = 5000
	}
	vals.Set("limit", strconv.Itoa(limit))

	var bars []models.Bar
	for {
		var resp barsResponse
		if err := c.getJSON(ctx, path, vals, c.config.Provider.HistoricalTimeout, &resp); err != nil {
			return bars, err
		}
		bars = append(bars, c.toBars(ticker, resp.Results)...)
		if resp.NextTs == 0 || len(resp.Results) == 0 {
			return bars, nil
		}
		vals.Set("after_ts", strconv.FormatInt(resp.NextTs, 10))
	}
}

func (c *RestClient) toBars(ticker string, records []barRecord) []models.Bar {
	bars := make([]models.Bar, 0, len(records))
	for _, r := range records {
		bars = append(bars, models.Bar{
			Ticker:    ticker,
			Timestamp: r.TimestampMs,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		})
	}
	return bars
}

func (c *RestClient) getJSON(ctx context.Context, path string, vals url.Values, timeout time.Duration, out any) error {
	retry := c.config.Provider.Retry
	attempts := retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	delay := retry.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
			if retry.MaxDelay > 0 && delay > retry.MaxDelay {
				delay = retry.MaxDelay
			}
		}

		lastErr = c.doOnce(ctx, path, vals, timeout, out)
		if lastErr == nil || !retriable(lastErr) {
			return lastErr
		}
		c.log.WithComponent("provider_rest").WithError(lastErr).WithFields(logger.Fields{
			"path":    path,
			"attempt": attempt + 1,
		}).Warn("provider request failed, retrying")
	}
	return lastErr
}

func (c *RestClient) doOnce(ctx context.Context, path string, vals url.Values, timeout time.Duration, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.config.Provider.BaseURL + path
	if len(vals) > 0 {
		u += "?" + vals.Encode()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	return nil
}

func retriable(err error) bool {
	return err != nil && !errors.Is(err, ErrRejected)
}
