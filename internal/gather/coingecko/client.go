// Package coingecko implements gather.HistoryFetcher against the CoinGecko
// /coins/{id}/market_chart endpoint.
package coingecko

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"coinsnap/internal/domain"
	"coinsnap/internal/gather"
	"coinsnap/internal/util"
)

var _ gather.HistoryFetcher = (*Client)(nil)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// Options configures a Client.
type Options struct {
	BaseURL    string
	APIKey     string
	VsCurrency string
	Timeout    time.Duration
	MaxRetries int
	BaseSleep  time.Duration

	// Sleep replaces the backoff wait, mainly for tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Client fetches market history over HTTP with bounded linear-backoff
// retries on rate limiting and transient failures.
type Client struct {
	http       *resty.Client
	vsCurrency string
	retry      util.RetryPolicy
	log        *slog.Logger
}

// New creates a Client from opts.
func New(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.VsCurrency == "" {
		opts.VsCurrency = "usd"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}

	client := resty.New()
	client.SetBaseURL(strings.TrimRight(opts.BaseURL, "/"))
	client.SetTimeout(opts.Timeout)
	client.SetHeader("Accept", "application/json")
	if opts.APIKey != "" {
		client.SetHeader(apiKeyHeader(opts.BaseURL), opts.APIKey)
	}

	return &Client{
		http:       client,
		vsCurrency: opts.VsCurrency,
		retry: util.RetryPolicy{
			MaxAttempts: opts.MaxRetries,
			BaseDelay:   opts.BaseSleep,
			Retryable:   retryable,
			Sleep:       opts.Sleep,
		},
		log: slog.Default().With("component", "coingecko"),
	}
}

// apiKeyHeader picks the key header for the plan the base URL belongs to.
func apiKeyHeader(baseURL string) string {
	if strings.Contains(baseURL, "pro-api.") {
		return "x-cg-pro-api-key"
	}
	return "x-cg-demo-api-key"
}

// marketChart is the JSON body of /coins/{id}/market_chart. Each series is a
// list of [timestamp_ms, value] pairs.
type marketChart struct {
	Prices       [][]float64 `json:"prices"`
	MarketCaps   [][]float64 `json:"market_caps"`
	TotalVolumes [][]float64 `json:"total_volumes"`
}

// statusError is a non-2xx HTTP response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("HTTP %d %s", e.code, http.StatusText(e.code))
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.code, http.StatusText(e.code), e.body)
}

// decodeError is a 2xx response that could not be parsed.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decode market_chart: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// retryable reports whether another attempt may succeed: rate limiting,
// server errors and transport failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var de *decodeError
	if errors.As(err, &de) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code == http.StatusTooManyRequests || se.code >= 500
	}
	return true
}

// FetchHistory returns the joined price, market-cap and volume series for
// entityID over the last days days, sorted by timestamp. An entity with no
// data yields an empty slice.
func (c *Client) FetchHistory(ctx context.Context, entityID string, days int) ([]domain.Observation, error) {
	var chart marketChart
	attempts, err := c.retry.Do(ctx, func(attempt int) error {
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("id", entityID).
			SetQueryParams(map[string]string{
				"vs_currency": c.vsCurrency,
				"days":        strconv.Itoa(days),
			}).
			Get("/coins/{id}/market_chart")
		if err != nil {
			c.log.Warn("request failed", "id", entityID, "attempt", attempt, "error", err)
			return err
		}
		if resp.IsError() {
			serr := &statusError{code: resp.StatusCode(), body: truncate(string(resp.Body()), 200)}
			c.log.Warn("request rejected", "id", entityID, "attempt", attempt, "status", serr.code)
			return serr
		}
		chart = marketChart{}
		if err := json.Unmarshal(resp.Body(), &chart); err != nil {
			return &decodeError{err: err}
		}
		return nil
	})
	if err != nil {
		fe := &domain.FetchError{EntityID: entityID, Attempts: attempts, Err: err}
		var se *statusError
		if errors.As(err, &se) {
			fe.StatusCode = se.code
		}
		return nil, fe
	}

	obs := JoinSeries(chart.Prices, chart.MarketCaps, chart.TotalVolumes)
	c.log.Debug("history fetched", "id", entityID, "days", days, "observations", len(obs), "attempts", attempts)
	return obs, nil
}

// JoinSeries inner-joins the three [timestamp_ms, value] series on their
// timestamp and returns observations sorted by time. Timestamps missing from
// any series are dropped; the first pair wins when a series repeats one.
func JoinSeries(prices, marketCaps, volumes [][]float64) []domain.Observation {
	caps := seriesIndex(marketCaps)
	vols := seriesIndex(volumes)

	seen := make(map[int64]struct{}, len(prices))
	out := make([]domain.Observation, 0, len(prices))
	for _, p := range prices {
		if len(p) < 2 {
			continue
		}
		ms := int64(p[0])
		if _, dup := seen[ms]; dup {
			continue
		}
		mc, ok1 := caps[ms]
		vol, ok2 := vols[ms]
		if !ok1 || !ok2 {
			continue
		}
		seen[ms] = struct{}{}
		out = append(out, domain.Observation{
			Timestamp: time.UnixMilli(ms).UTC(),
			Price:     p[1],
			MarketCap: mc,
			Volume:    vol,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func seriesIndex(series [][]float64) map[int64]float64 {
	idx := make(map[int64]float64, len(series))
	for _, pair := range series {
		if len(pair) < 2 {
			continue
		}
		ms := int64(pair[0])
		if _, ok := idx[ms]; !ok {
			idx[ms] = pair[1]
		}
	}
	return idx
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
