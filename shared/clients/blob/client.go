package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"content-sharing-platform/shared/config"
	"content-sharing-platform/shared/metricsx"
)

var (
	ErrCircuitOpen = errors.New("blob store circuit open")
	ErrRejected    = errors.New("blob store rejected request")
	ErrUnavailable = errors.New("blob store unavailable")
)

// Client deletes objects from the blob store by public identifier.
type Client struct {
	baseURL  string
	token    string
	retryMax int
	backoff  time.Duration
	http     *http.Client
	breaker  *circuitBreaker
}

func New(cfg config.Config) (*Client, error) {
	if cfg.BlobStoreURL == "" {
		return nil, errors.New("BLOB_STORE_URL is required")
	}
	timeout := time.Duration(cfg.BlobTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  strings.TrimRight(cfg.BlobStoreURL, "/"),
		token:    cfg.BlobStoreToken,
		retryMax: cfg.BlobRetryMax,
		backoff:  100 * time.Millisecond,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: newCircuitBreaker(5, 30*time.Second),
	}, nil
}

// Delete removes the object. An object that is already gone counts as
// deleted.
func (c *Client) Delete(ctx context.Context, publicID string) error {
	if c == nil || c.http == nil {
		return errors.New("blob client not initialized")
	}
	publicID = strings.TrimSpace(publicID)
	if publicID == "" {
		return fmt.Errorf("%w: empty public id", ErrRejected)
	}
	if c.breaker.Open() {
		metricsx.IncBlobDelete("circuit_open")
		return ErrCircuitOpen
	}

	target := c.baseURL + "/objects/" + url.PathEscape(publicID)
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt*attempt)):
			}
		}
		status, err := c.doDelete(ctx, target)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			c.breaker.Fail()
			continue
		}
		switch {
		case status >= 500 || status == http.StatusTooManyRequests:
			lastErr = fmt.Errorf("%w: status %d", ErrUnavailable, status)
			c.breaker.Fail()
			continue
		case status == http.StatusNotFound || (status >= 200 && status < 300):
			c.breaker.Success()
			metricsx.IncBlobDelete("ok")
			metricsx.ObserveBlobDeleteLatency(time.Since(start))
			return nil
		default:
			metricsx.IncBlobDelete("rejected")
			return fmt.Errorf("%w: status %d", ErrRejected, status)
		}
	}
	metricsx.IncBlobDelete("error")
	return lastErr
}

func (c *Client) doDelete(ctx context.Context, target string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return 0, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

type circuitBreaker struct {
	mu            sync.Mutex
	failures      int
	openUntil     time.Time
	threshold     int
	resetDuration time.Duration
}

func newCircuitBreaker(threshold int, reset time.Duration) *circuitBreaker {
	return &circuitBreaker{threshold: threshold, resetDuration: reset}
}

func (b *circuitBreaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openUntil.IsZero() {
		return false
	}
	if time.Now().After(b.openUntil) {
		b.openUntil = time.Time{}
		b.failures = 0
		return false
	}
	return true
}

func (b *circuitBreaker) Fail() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openUntil = time.Now().Add(b.resetDuration)
	}
}

func (b *circuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openUntil = time.Time{}
}
