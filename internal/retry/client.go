// Package retry provides a retrying HTTP client for the broker gateway:
// bounded attempts with exponential backoff on transport errors, 429s, and
// 5xx responses. Anything else is the caller's problem.
package retry

import (
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"time"
)

// Config controls the retry schedule.
type Config struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig matches the broker gateway's schedule: three attempts,
// backoff growing from 2s toward 10s.
var DefaultConfig = Config{
	MaxAttempts:    3,
	InitialBackoff: 2 * time.Second,
	MaxBackoff:     10 * time.Second,
}

// Client wraps an http.Client with retries. The request context bounds the
// whole sequence including backoff sleeps.
type Client struct {
	inner  *http.Client
	logger *log.Logger
	config Config
}

// NewClient builds a retrying client around inner. A nil inner gets a
// 10-second-timeout default; a nil logger falls back to log.Default().
func NewClient(inner *http.Client, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	if inner == nil {
		inner = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Client{inner: inner, logger: logger, config: cfg}
}

// Do executes the request, retrying retryable outcomes. Requests built with
// http.NewRequest carry a rewindable GetBody, which retries rely on.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 1; attempt <= c.config.MaxAttempts; attempt++ {
		attemptReq := req
		if attempt > 1 && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewinding request body: %w", err)
			}
			clone := req.Clone(req.Context())
			clone.Body = body
			attemptReq = clone
		}

		resp, err := c.inner.Do(attemptReq)
		if err == nil && !retryableStatus(resp.StatusCode) {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
			if attempt == c.config.MaxAttempts {
				// Hand the final response to the caller so it can report
				// the error body instead of a bare status string.
				return resp, nil
			}
			wait := retryAfter(resp)
			if err := resp.Body.Close(); err != nil {
				c.logger.Printf("Warning: closing retryable response body: %v", err)
			}
			if wait > backoff {
				backoff = wait
			}
		}

		if attempt == c.config.MaxAttempts {
			break
		}
		c.logger.Printf("Warning: %s %s attempt %d/%d failed (%v), retrying in %v",
			req.Method, req.URL.Path, attempt, c.config.MaxAttempts, lastErr, backoff)

		select {
		case <-req.Context().Done():
			return nil, fmt.Errorf("retry canceled: %w", req.Context().Err())
		case <-time.After(backoff):
		}
		backoff = c.nextBackoff(backoff)
	}

	return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxAttempts, lastErr)
}

func (c *Client) nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * 1.5)
	if next > c.config.MaxBackoff {
		next = c.config.MaxBackoff
	}
	maxJitter := int64(next / 4)
	if maxJitter > 0 {
		jitter, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("Warning: failed to generate jitter: %v", err)
		} else {
			next += time.Duration(jitter.Int64())
		}
	}
	return next
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryAfter honors a numeric Retry-After header on 429/503 responses.
func retryAfter(resp *http.Response) time.Duration {
	ra := resp.Header.Get("Retry-After")
	if ra == "" {
		return 0
	}
	secs, err := strconv.Atoi(ra)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
