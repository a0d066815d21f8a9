// Package api provides the pooled HTTP client and request helpers shared by
// every HTTP adapter (route planner, Telegram).
//
// Connection reuse matters here: a batch run issues several planner calls per
// record against the same host.
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// DefaultTimeout bounds a complete request when no timeout is configured.
const DefaultTimeout = 30 * time.Second

var (
	sharedMu     sync.RWMutex
	sharedClient = NewHTTPClient(DefaultTimeout)
)

// GetHTTPClient returns the shared HTTP client instance.
func GetHTTPClient() *http.Client {
	sharedMu.RLock()
	defer sharedMu.RUnlock()
	return sharedClient
}

// SetHTTPClient replaces the shared client, used at start-up to apply the
// configured timeout and in tests.
func SetHTTPClient(client *http.Client) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	sharedClient = client
}

// NewHTTPClient creates an HTTP client with connection pooling.
//
// Pool configuration:
//   - MaxIdleConns: 100 idle connections across all hosts
//   - MaxIdleConnsPerHost: 10
//   - IdleConnTimeout: 90 seconds
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		},
	}
}

// StatusError is returned for responses with status >= 400.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is worth another attempt.
func (e *StatusError) Retryable() bool {
	switch e.Code {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// Do sends req and turns error statuses into *StatusError. The caller closes
// the body of a successful response.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}

// Retry describes the backoff for DoWithRetry.
type Retry struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetry is four attempts starting at 200ms, doubling.
var DefaultRetry = Retry{Attempts: 4, Backoff: 200 * time.Millisecond}

// DoWithRetry retries transient failures (network errors, 429 and 5xx) with
// exponential backoff while respecting context cancellation. makeReq is
// called per attempt so request bodies are fresh.
func DoWithRetry(ctx context.Context, client *http.Client, retry Retry, makeReq func() (*http.Request, error)) (*http.Response, error) {
	if retry.Attempts <= 0 {
		retry = DefaultRetry
	}
	backoff := retry.Backoff

	var lastErr error
	for attempt := 1; attempt <= retry.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req, err := makeReq()
		if err != nil {
			return nil, fmt.Errorf("make request: %w", err)
		}

		resp, err := Do(client, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		retryable := false
		var se *StatusError
		if errors.As(err, &se) {
			retryable = se.Retryable()
		}
		var netErr net.Error
		if !retryable && errors.As(err, &netErr) {
			retryable = true
		}

		if !retryable || attempt == retry.Attempts {
			return nil, lastErr
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return nil, lastErr
}
