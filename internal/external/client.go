// Package external is the anti-corruption layer between rastermill and the
// upstream provider endpoints. All raw-file downloads go through the
// DownloadClient, which enforces consistent resilience patterns: circuit
// breaking, bounded retries with exponential backoff and full jitter,
// Retry-After honoring, and mapping of transport failures onto the
// application error taxonomy.
package external

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker/v2"

	"rastermill/internal/types"
)

// ErrNotFound is returned when the provider definitively does not have the
// requested object. Adapters decide whether that means "permanently absent"
// or "not yet published" based on the provider's lag window.
var ErrNotFound = errors.New("external: object not found")

// RetryPolicy configures retry behavior for provider downloads.
type RetryPolicy struct {
	MaxRetries int
	MinWait    time.Duration
	MaxWait    time.Duration
}

// DefaultRetryPolicy returns the defaults used for provider endpoints.
// Retries are bounded; a date that keeps failing stays in the next run's
// gap set instead of being retried indefinitely within one run.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		MinWait:    500 * time.Millisecond,
		MaxWait:    15 * time.Second,
	}
}

// DownloadClient fetches raw provider files with retry and circuit breaking.
// One client per provider keeps breaker state per upstream.
type DownloadClient struct {
	client      *http.Client
	breaker     *gobreaker.CircuitBreaker[[]byte]
	retryPolicy RetryPolicy
	userAgent   string
	sleepFn     func(time.Duration)
}

// Option is a functional option for configuring a DownloadClient.
type Option func(*DownloadClient)

// WithSleepFunc overrides the inter-retry sleep, for tests.
func WithSleepFunc(fn func(time.Duration)) Option {
	return func(c *DownloadClient) { c.sleepFn = fn }
}

// NewDownloadClient creates a client for one provider.
func NewDownloadClient(httpClient *http.Client, providerName string, policy RetryPolicy, userAgent string, opts ...Option) *DownloadClient {
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})

	c := &DownloadClient{
		client:      httpClient,
		breaker:     cb,
		retryPolicy: policy,
		userAgent:   userAgent,
		sleepFn:     time.Sleep,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchBytes downloads the object at url.
//
//   - 200: returns the body.
//   - 404: returns ErrNotFound without retrying; absence is a signal, not a
//     transient fault.
//   - 429/5xx and transport errors: retried with backoff, then mapped to an
//     upstream AppError.
func (c *DownloadClient) FetchBytes(ctx context.Context, url string) ([]byte, error) {
	var lastStatus int
	var lastErr error

	maxAttempts := 1 + c.retryPolicy.MaxRetries
	for attempt := 0; attempt < maxAttempts; attempt++ {
		body, status, err := c.attempt(ctx, url)
		if err == nil {
			return body, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastStatus = status
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
		if attempt < maxAttempts-1 {
			c.sleepFn(c.computeBackoff(attempt, err))
		}
	}
	return nil, c.mapError(lastStatus, lastErr)
}

// retryAfterError carries the provider's Retry-After hint up to the backoff
// computation.
type retryAfterError struct {
	status     int
	retryAfter string
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("upstream returned %d", e.status)
}

func (c *DownloadClient) attempt(ctx context.Context, url string) ([]byte, int, error) {
	var status int
	body, err := c.breaker.Execute(func() ([]byte, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		if c.userAgent != "" {
			req.Header.Set("User-Agent", c.userAgent)
		}

		resp, doErr := c.client.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return nil, ErrNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return nil, &retryAfterError{status: resp.StatusCode, retryAfter: resp.Header.Get("Retry-After")}
		case resp.StatusCode != http.StatusOK:
			return nil, fmt.Errorf("upstream returned unexpected status %d", resp.StatusCode)
		}

		data, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, fmt.Errorf("reading response body: %w", readErr)
		}
		return data, nil
	})
	return body, status, err
}

// computeBackoff honors Retry-After when present, otherwise applies
// exponential backoff with full jitter clamped to [MinWait, MaxWait].
func (c *DownloadClient) computeBackoff(attempt int, err error) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) && ra.retryAfter != "" {
		if seconds, parseErr := strconv.Atoi(ra.retryAfter); parseErr == nil && seconds > 0 {
			wait := time.Duration(seconds) * time.Second
			if wait > c.retryPolicy.MaxWait {
				wait = c.retryPolicy.MaxWait
			}
			return wait
		}
	}

	base := float64(c.retryPolicy.MinWait) * math.Pow(2, float64(attempt))
	if ceiling := float64(c.retryPolicy.MaxWait); base > ceiling {
		base = ceiling
	}
	floor := float64(c.retryPolicy.MinWait)
	if base <= floor {
		return c.retryPolicy.MinWait
	}
	return time.Duration(floor + rand.Float64()*(base-floor))
}

// mapError translates the final failure into the application taxonomy.
func (c *DownloadClient) mapError(status int, err error) *types.AppError {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"circuit breaker is open; provider unavailable", err)
	case status == http.StatusTooManyRequests:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited,
			"provider rate limit exceeded after retries", err)
	case status >= 500:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("provider returned %d after retries", status), err)
	default:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			"provider request failed", err)
	}
}
