package services

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/batnet/ledger/protocol"
)

// HTTPTransport implements protocol.Transport over net/http. Transient
// failures (network errors, 429, 5xx) are retried with exponential backoff;
// every other response is handed to the protocol layer as-is, which owns the
// status-code semantics.
type HTTPTransport struct {
	client     *http.Client
	log        *slog.Logger
	maxElapsed time.Duration
}

// NewHTTPTransport builds a transport with a per-request timeout and a cap
// on total retry time.
func NewHTTPTransport(requestTimeout, maxRetryElapsed time.Duration, log *slog.Logger) *HTTPTransport {
	return &HTTPTransport{
		client:     &http.Client{Timeout: requestTimeout},
		log:        log,
		maxElapsed: maxRetryElapsed,
	}
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// LoadURL implements protocol.Transport.
func (t *HTTPTransport) LoadURL(ctx context.Context, url string, headers map[string]string, body []byte, contentType, method string) (*protocol.Response, error) {
	attempt := func() (*protocol.Response, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		start := time.Now()
		resp, err := t.client.Do(req)
		if err != nil {
			t.log.Warn("request failed", "method", method, "url", url, "err", err)
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading response from %s: %w", url, err)
		}

		t.log.Debug("request complete",
			"method", method,
			"url", url,
			"status", resp.StatusCode,
			"elapsed", time.Since(start),
			"bytes", len(respBody))

		out := &protocol.Response{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Headers:    map[string]string{},
		}
		for k := range resp.Header {
			out.Headers[k] = resp.Header.Get(k)
		}

		if retryableStatus(resp.StatusCode) {
			return out, fmt.Errorf("%s returned status %d", url, resp.StatusCode)
		}
		return out, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = t.maxElapsed

	var result *protocol.Response
	err := backoff.Retry(func() error {
		resp, err := attempt()
		result = resp
		return err
	}, backoff.WithContext(policy, ctx))

	// When retries exhaust on a retryable status, surface the last response:
	// the protocol layer records the terminal status.
	if err != nil && result != nil {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}
