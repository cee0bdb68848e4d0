// Package remote performs the HTTP GETs against the region and weather
// providers. It never retries: every failure is reported once, classified as
// NetworkUnavailable or FetchFailed.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/lox/coolweather/internal/failure"
	"github.com/lox/coolweather/internal/httputil"
	"github.com/lox/coolweather/internal/metrics"
)

// maxBodySize bounds provider responses; region lists are a few KB.
const maxBodySize = 4 << 20

type Config struct {
	Timeout time.Duration

	// RatePerSecond limits outbound requests. Zero disables the limiter.
	RatePerSecond float64
	Burst         int

	// BreakerFailures is the number of consecutive failures that opens the
	// circuit. BreakerCooldown is how long it stays open.
	BreakerFailures uint32
	BreakerCooldown time.Duration

	UserAgent string
}

func DefaultConfig() Config {
	return Config{
		Timeout:         httputil.DefaultTimeout,
		RatePerSecond:   5,
		Burst:           5,
		BreakerFailures: 5,
		BreakerCooldown: 30 * time.Second,
		UserAgent:       httputil.DefaultUserAgent,
	}
}

type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	userAgent  string
}

func NewClient(cfg Config) *Client {
	return NewClientWithHTTP(httputil.NewClient(cfg.Timeout), cfg)
}

func NewClientWithHTTP(hc *http.Client, cfg Config) *Client {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = httputil.DefaultUserAgent
	}

	return &Client{
		httpClient: hc,
		limiter:    rate.NewLimiter(limit, burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "provider",
			Timeout: cfg.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
		}),
		userAgent: userAgent,
	}
}

// statusError is a non-2xx response. Only server-side statuses count against
// the circuit breaker.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("unexpected status: %d", e.code)
	}
	return fmt.Sprintf("unexpected status: %d: %s", e.code, e.body)
}

// Get fetches url and returns the response body. kind labels metrics
// ("region" or "weather").
func (c *Client) Get(ctx context.Context, kind, url string) ([]byte, error) {
	op := "get " + kind
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, failure.FetchFailed(op, fmt.Errorf("rate limit wait: %w", err))
	}

	start := time.Now()
	var clientErr *statusError
	result, err := c.breaker.Execute(func() (interface{}, error) {
		body, err := c.do(ctx, url)
		var se *statusError
		if errors.As(err, &se) && se.code < 500 && se.code != http.StatusTooManyRequests {
			clientErr = se
			return nil, nil
		}
		return body, err
	})
	metrics.RemoteLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.RemoteCallsTotal.WithLabelValues(kind, "circuit_open").Inc()
		return nil, failure.NetworkUnavailable(op, err)
	case clientErr != nil:
		metrics.RemoteCallsTotal.WithLabelValues(kind, strconv.Itoa(clientErr.code)).Inc()
		return nil, failure.FetchFailed(op, clientErr)
	case err != nil:
		var se *statusError
		if errors.As(err, &se) {
			metrics.RemoteCallsTotal.WithLabelValues(kind, strconv.Itoa(se.code)).Inc()
			return nil, failure.FetchFailed(op, err)
		}
		metrics.RemoteCallsTotal.WithLabelValues(kind, "transport_error").Inc()
		return nil, failure.NetworkUnavailable(op, err)
	}

	metrics.RemoteCallsTotal.WithLabelValues(kind, "ok").Inc()
	return result.([]byte), nil
}

func (c *Client) do(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &statusError{code: resp.StatusCode, body: string(b)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}
