package papersources

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
)

func fastClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 100
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 5 * time.Millisecond
	}
	return NewHTTPClient(cfg)
}

func TestNewHTTPClient(t *testing.T) {
	t.Run("applies default values", func(t *testing.T) {
		client := NewHTTPClient(HTTPClientConfig{})

		require.NotNil(t, client)
		assert.Equal(t, 30*time.Second, client.client.Timeout)
		assert.Equal(t, DefaultUserAgent, client.config.UserAgent)
		assert.Equal(t, "http", client.Service())
		assert.Equal(t, 3, client.config.MaxRetries)
		assert.Equal(t, time.Second, client.config.RetryDelay)
		assert.Equal(t, float64(10), client.config.RateLimit)
		assert.Equal(t, 10, client.config.BurstSize)
	})

	t.Run("negative retries disable retrying", func(t *testing.T) {
		client := NewHTTPClient(HTTPClientConfig{MaxRetries: -1})
		assert.Equal(t, 0, client.config.MaxRetries)
	})
}

func TestHTTPClient_Get(t *testing.T) {
	t.Run("sends default User-Agent and extra headers", func(t *testing.T) {
		var gotUA, gotAccept string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
			gotAccept = r.Header.Get("Accept")
			w.Write([]byte("ok"))
		}))
		defer server.Close()

		client := fastClient(HTTPClientConfig{Service: "crossref"})
		resp, err := client.Get(context.Background(), server.URL, map[string]string{"Accept": "application/json"})
		require.NoError(t, err)
		defer resp.Body.Close()

		assert.Equal(t, DefaultUserAgent, gotUA)
		assert.Equal(t, "application/json", gotAccept)
	})

	t.Run("caller User-Agent wins", func(t *testing.T) {
		var gotUA string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotUA = r.Header.Get("User-Agent")
		}))
		defer server.Close()

		client := fastClient(HTTPClientConfig{})
		resp, err := client.Get(context.Background(), server.URL, map[string]string{"User-Agent": BrowserUserAgent})
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, BrowserUserAgent, gotUA)
	})

	t.Run("invalid URL", func(t *testing.T) {
		client := fastClient(HTTPClientConfig{})
		_, err := client.Get(context.Background(), "://bad", nil)
		require.Error(t, err)
	})
}

func TestHTTPClient_DoRetries(t *testing.T) {
	tests := []struct {
		name     string
		failures int32
		status   int
	}{
		{"429 then success", 2, http.StatusTooManyRequests},
		{"500 then success", 1, http.StatusInternalServerError},
		{"502 then success", 1, http.StatusBadGateway},
		{"503 then success", 3, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if atomic.AddInt32(&calls, 1) <= tt.failures {
					w.WriteHeader(tt.status)
					return
				}
				w.Write([]byte("done"))
			}))
			defer server.Close()

			client := fastClient(HTTPClientConfig{MaxRetries: 3})
			resp, err := client.Get(context.Background(), server.URL, nil)
			require.NoError(t, err)
			defer resp.Body.Close()

			body, _ := io.ReadAll(resp.Body)
			assert.Equal(t, "done", string(body))
			assert.Equal(t, tt.failures+1, atomic.LoadInt32(&calls))
		})
	}
}

func TestHTTPClient_DoExhausted(t *testing.T) {
	t.Run("429 becomes a rate limit error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		reg := prometheus.NewRegistry()
		metrics := observability.NewMetricsWith(reg, "test")
		client := fastClient(HTTPClientConfig{Service: "biorxiv", MaxRetries: 2, Metrics: metrics})

		_, err := client.Get(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrRateLimited))
		var rl *domain.RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, "biorxiv", rl.Source)
		assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ServiceRateLimited.WithLabelValues("biorxiv")))
	})

	t.Run("5xx becomes service unavailable", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer server.Close()

		client := fastClient(HTTPClientConfig{Service: "grobid", MaxRetries: 2})
		_, err := client.Get(context.Background(), server.URL, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrServiceUnavailable))
		var apiErr *domain.ExternalAPIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	})

	t.Run("4xx is returned without retry", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		client := fastClient(HTTPClientConfig{MaxRetries: 3})
		resp, err := client.Get(context.Background(), server.URL, nil)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("network failure becomes external API error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		url := server.URL
		server.Close()

		client := fastClient(HTTPClientConfig{Service: "crossref", MaxRetries: 1})
		_, err := client.Get(context.Background(), url, nil)
		var apiErr *domain.ExternalAPIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "crossref", apiErr.Source)
		assert.Zero(t, apiErr.StatusCode)
	})
}

func TestHTTPClient_DoContextCanceled(t *testing.T) {
	t.Run("canceled before request", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		client := fastClient(HTTPClientConfig{})
		_, err := client.Get(ctx, server.URL, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})

	t.Run("canceled during retry wait", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer server.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()

		client := fastClient(HTTPClientConfig{MaxRetries: 3})
		start := time.Now()
		_, err := client.Get(ctx, server.URL, nil)
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.DeadlineExceeded))
		assert.Less(t, time.Since(start), 5*time.Second)
	})
}

func TestHTTPClient_DoWithRequestBody(t *testing.T) {
	var calls int32
	var lastBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		lastBody = string(body)
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := fastClient(HTTPClientConfig{MaxRetries: 2})
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, server.URL, strings.NewReader("payload"))
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "payload", lastBody)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestHTTPClient_getRetryDelay(t *testing.T) {
	client := NewHTTPClient(HTTPClientConfig{RetryDelay: 2 * time.Second})

	tests := []struct {
		name   string
		header string
		check  func(t *testing.T, d time.Duration)
	}{
		{"empty", "", func(t *testing.T, d time.Duration) { assert.Equal(t, 2*time.Second, d) }},
		{"seconds", "7", func(t *testing.T, d time.Duration) { assert.Equal(t, 7*time.Second, d) }},
		{"zero seconds", "0", func(t *testing.T, d time.Duration) { assert.Equal(t, 2*time.Second, d) }},
		{"garbage", "soon", func(t *testing.T, d time.Duration) { assert.Equal(t, 2*time.Second, d) }},
		{"future date", time.Now().Add(30 * time.Second).UTC().Format(http.TimeFormat), func(t *testing.T, d time.Duration) {
			assert.Greater(t, d, 20*time.Second)
		}},
		{"past date", time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat), func(t *testing.T, d time.Duration) {
			assert.Equal(t, 2*time.Second, d)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			tt.check(t, client.getRetryDelay(resp))
		})
	}
}

func TestReadError(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader("no such work"))}
	err := ReadError("crossref", resp)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Contains(t, err.Error(), "no such work")

	resp = &http.Response{StatusCode: http.StatusBadRequest, Body: io.NopCloser(strings.NewReader("bad"))}
	err = ReadError("crossref", resp)
	assert.False(t, errors.Is(err, domain.ErrNotFound))
	var apiErr *domain.ExternalAPIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
}
