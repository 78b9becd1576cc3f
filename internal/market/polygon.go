package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.polygon.io"
	fetchTimeout   = 30 * time.Second
	maxRetries     = 3

	// Polygon premium tolerates far more, stay conservative at ~20 req/s.
	minRequestInterval = 50 * time.Millisecond
)

// PolygonClient fetches forex aggregates from the Polygon.io v2 API.
// A single global limiter serializes request pacing across all callers.
type PolygonClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewPolygonClient builds a client with the default timeout and pacing.
func NewPolygonClient(apiKey string) *PolygonClient {
	return &PolygonClient{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: fetchTimeout},
		limiter:    rate.NewLimiter(rate.Every(minRequestInterval), 1),
	}
}

type aggsResponse struct {
	Status  string      `json:"status"`
	Error   string      `json:"error"`
	NextURL string      `json:"next_url"`
	Results []aggResult `json:"results"`
}

type aggResult struct {
	T int64   `json:"t"` // epoch millis
	O float64 `json:"o"`
	H float64 `json:"h"`
	L float64 `json:"l"`
	C float64 `json:"c"`
	V float64 `json:"v"`
}

// FetchBars fetches candles for a pair, following pagination until exhausted.
// Returns bars sorted ascending by time. An empty first page yields an error
// so callers can distinguish "no data" from a short range.
func (c *PolygonClient) FetchBars(ctx context.Context, pair string, start, end time.Time, timeframe string) ([]Bar, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("polygon: no API key configured")
	}

	reqURL := fmt.Sprintf("%s/v2/aggs/ticker/C:%s/range/%s/%s/%s?adjusted=true&sort=asc&limit=50000&apiKey=%s",
		c.baseURL, pair, timeframe,
		start.UTC().Format("2006-01-02"), end.UTC().Format("2006-01-02"),
		url.QueryEscape(c.apiKey))

	var bars []Bar
	page := 1

	for reqURL != "" {
		resp, err := c.fetchPage(ctx, reqURL)
		if err != nil {
			return nil, fmt.Errorf("polygon: %s page %d: %w", pair, page, err)
		}

		if resp.Status == "ERROR" {
			return nil, fmt.Errorf("polygon: %s: API error: %s", pair, resp.Error)
		}
		if len(resp.Results) == 0 {
			if page == 1 {
				return nil, fmt.Errorf("polygon: %s: no data returned", pair)
			}
			break
		}

		for _, r := range resp.Results {
			bars = append(bars, Bar{
				Time:   time.UnixMilli(r.T).UTC(),
				Open:   r.O,
				High:   r.H,
				Low:    r.L,
				Close:  r.C,
				Volume: r.V,
			})
		}

		reqURL = resp.NextURL
		if reqURL != "" {
			if !strings.Contains(reqURL, "apiKey=") {
				reqURL += "&apiKey=" + url.QueryEscape(c.apiKey)
			}
			page++
		}
	}

	sortByTime(bars)
	if page > 1 {
		log.Debug().Str("pair", pair).Int("bars", len(bars)).Int("pages", page).Msg("fetched aggregates")
	}
	return bars, nil
}

// fetchPage performs one paginated request with retries. 429 responses wait
// out Retry-After without consuming a retry; timeouts and 5xx back off
// exponentially starting at one second.
func (c *PolygonClient) fetchPage(ctx context.Context, reqURL string) (*aggsResponse, error) {
	var lastErr error

	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<(attempt-1)) * time.Second
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			wait := retryAfter(resp)
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			log.Warn().Dur("wait", wait).Msg("polygon rate limited")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			attempt-- // rate limit waits do not consume a retry
			continue
		}

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			resp.Body.Close()
			lastErr = fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			continue
		}

		var out aggsResponse
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("decode response: %w", err)
			continue
		}
		return &out, nil
	}

	return nil, fmt.Errorf("after %d attempts: %w", maxRetries, lastErr)
}

func retryAfter(resp *http.Response) time.Duration {
	if s := resp.Header.Get("Retry-After"); s != "" {
		if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}
