package services

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHTTPTransport_PassesThroughRequest(t *testing.T) {
	var gotMethod, gotContentType, gotCustom string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotContentType = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("X-Served-By", "fake")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"nonce":"n-1"}`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(5*time.Second, time.Second, testLogger())
	resp, err := transport.LoadURL(context.Background(), srv.URL,
		map[string]string{"Signature": "sig-value"},
		[]byte(`{"blindedTokens":[]}`), "application/json", http.MethodPost)
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "application/json", gotContentType)
	assert.Equal(t, "sig-value", gotCustom)
	assert.Equal(t, `{"blindedTokens":[]}`, string(gotBody))

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"nonce":"n-1"}`, string(resp.Body))
	assert.Equal(t, "fake", resp.Headers["X-Served-By"])
}

func TestHTTPTransport_RetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.Write([]byte(`ok`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(5*time.Second, 10*time.Second, testLogger())
	resp, err := transport.LoadURL(context.Background(), srv.URL, nil, nil, "", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPTransport_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"duplicate"}`))
	}))
	defer srv.Close()

	transport := NewHTTPTransport(5*time.Second, 10*time.Second, testLogger())
	resp, err := transport.LoadURL(context.Background(), srv.URL, nil, nil, "", http.MethodGet)
	require.NoError(t, err)
	// 4xx is the protocol layer's business, delivered untouched and unretried.
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPTransport_ExhaustedRetriesSurfaceLastResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	transport := NewHTTPTransport(time.Second, 50*time.Millisecond, testLogger())
	resp, err := transport.LoadURL(context.Background(), srv.URL, nil, nil, "", http.MethodGet)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHTTPTransport_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	transport := NewHTTPTransport(time.Second, time.Minute, testLogger())
	_, err := transport.LoadURL(ctx, srv.URL, nil, nil, "", http.MethodGet)
	require.Error(t, err)
}
