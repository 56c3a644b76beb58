package provider

import (
	"context"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Retry and backoff constants for upstream cloud APIs.
const (
	maxRetries     = 4
	baseBackoff    = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.25
	userAgent      = "relaygate/0.1"
)

// Client is the shared HTTP client adapters use to talk to their upstream
// cloud API. It handles bearer auth, retry with exponential backoff on
// transient failures, and error classification into *Error values.
//
// Call deadlines come from the injected http.Client: adapters hold one
// metadata client with a timeout and one transfer client without, so a
// streaming download is never cut off mid-body.
type Client struct {
	provider   string
	httpClient *http.Client
	log        *zap.SugaredLogger

	// sleep is called between retries. Tests override it to avoid delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewClient builds an upstream client for the named provider. A nil
// httpClient means a default client with the given timeout (zero = none).
func NewClient(providerName string, httpClient *http.Client, timeout time.Duration, log *zap.SugaredLogger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{
		provider:   providerName,
		httpClient: httpClient,
		log:        log,
		sleep:      ctxSleep,
	}
}

// Do executes the request with retries. The URL must be absolute. A non-empty
// accessToken is sent as a bearer. The caller closes the body on success.
// Requests with a body are never retried — a partially consumed reader
// cannot safely be replayed.
func (c *Client) Do(ctx context.Context, method, url, accessToken string, body io.Reader) (*http.Response, error) {
	var attempt int
	for {
		resp, err := c.doOnce(ctx, method, url, accessToken, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("provider %s: request canceled: %w", c.provider, ctx.Err())
			}
			if body == nil && attempt < maxRetries {
				backoff := c.calcBackoff(attempt)
				c.log.Warnw("retrying after network error",
					"provider", c.provider, "method", method, "attempt", attempt+1, "backoff", backoff, "err", err)
				if sleepErr := c.sleep(ctx, backoff); sleepErr != nil {
					return nil, fmt.Errorf("provider %s: request canceled: %w", c.provider, sleepErr)
				}
				attempt++
				continue
			}
			return nil, fmt.Errorf("provider %s: %s %s failed: %w", c.provider, method, url, err)
		}

		if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
			return resp, nil
		}

		errBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if readErr != nil {
			errBody = []byte("(failed to read response body)")
		}

		if isRetryable(resp.StatusCode) && body == nil && attempt < maxRetries {
			backoff := c.retryBackoff(resp, attempt)
			c.log.Warnw("retrying after upstream error",
				"provider", c.provider, "method", method, "status", resp.StatusCode, "attempt", attempt+1, "backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return nil, fmt.Errorf("provider %s: request canceled: %w", c.provider, err)
			}
			attempt++
			continue
		}

		return nil, &Error{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Message:    string(errBody),
			Err:        classifyStatus(resp.StatusCode),
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, url, accessToken string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	req.Header.Set("User-Agent", userAgent)
	return c.httpClient.Do(req)
}

// retryBackoff honors Retry-After on throttle responses.
func (c *Client) retryBackoff(resp *http.Response, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return c.calcBackoff(attempt)
}

// calcBackoff computes exponential backoff with ±25% jitter.
func (c *Client) calcBackoff(attempt int) time.Duration {
	backoff := float64(baseBackoff) * math.Pow(backoffFactor, float64(attempt))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	backoff += backoff * jitterFraction * (rand.Float64()*2 - 1)
	return time.Duration(backoff)
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
