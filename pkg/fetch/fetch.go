package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/malbeclabs/datakit/pkg/metrics"
	"github.com/malbeclabs/datakit/pkg/retry"
)

const defaultUserAgent = "datakit/1.0 (+https://github.com/malbeclabs/datakit)"

// StatusError is a non-2xx upstream response. It carries the Retry-After
// header value when the server provided one, so the retry layer can honor it.
type StatusError struct {
	Status    int
	RetryHint time.Duration
	HasHint   bool
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status code: %d", e.Status)
}

func (e *StatusError) StatusCode() int { return e.Status }

func (e *StatusError) RetryAfter() (time.Duration, bool) {
	return e.RetryHint, e.HasHint
}

// Error identifies a failed fetch: which source, which request, and why.
type Error struct {
	Source string
	URL    string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: fetch %s: %v", e.Source, e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	UserAgent  string
	Retry      retry.Config

	// RateLimit bounds the request rate against upstream APIs. Zero means
	// the default of 2 requests/second.
	RateLimit rate.Limit
	RateBurst int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = rate.Every(500 * time.Millisecond)
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 2
	}
	return nil
}

// Client fetches JSON documents from public APIs with retry/backoff on
// transient failures and a politeness rate limit across all requests.
type Client struct {
	log     *slog.Logger
	cfg     Config
	limiter *rate.Limiter
}

func New(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log:     cfg.Logger,
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
	}, nil
}

// GetJSON issues a GET against rawURL with the given query parameters and
// decodes the response body into out. HTTP 429 and 5xx responses are retried
// with exponential backoff; other non-2xx responses fail immediately.
func (c *Client) GetJSON(ctx context.Context, source, rawURL string, params url.Values, out any) error {
	reqURL := rawURL
	if len(params) > 0 {
		reqURL = rawURL + "?" + params.Encode()
	}

	err := retry.Do(ctx, c.cfg.Retry, func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		return c.getJSONOnce(ctx, source, reqURL, out)
	})
	if err != nil {
		metrics.FetchRequestsTotal.WithLabelValues(source, "error").Inc()
		return &Error{Source: source, URL: reqURL, Err: err}
	}
	metrics.FetchRequestsTotal.WithLabelValues(source, "success").Inc()
	return nil
}

func (c *Client) getJSONOnce(ctx context.Context, source, reqURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.log.Debug("fetch: requesting", "source", source, "url", reqURL)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain so the connection can be reused across retries.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return statusError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) *StatusError {
	e := &StatusError{Status: resp.StatusCode}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs >= 0 {
			e.RetryHint = time.Duration(secs * float64(time.Second))
			e.HasHint = true
		}
	}
	return e
}
