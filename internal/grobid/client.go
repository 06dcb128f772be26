// Package grobid converts PDFs to TEI XML through a GROBID server.
package grobid

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/papersources"
)

const (
	// DefaultBaseURL is where a local GROBID container listens.
	DefaultBaseURL = "http://localhost:8070"

	// DefaultTimeout bounds one conversion request.
	DefaultTimeout = 120 * time.Second

	// DefaultMaxRetries is how often a busy server is retried.
	DefaultMaxRetries = 5

	fulltextPath = "/api/processFulltextDocument"
	serviceName  = "grobid"
	maxTEIBytes  = 64 << 20
)

// Config holds GROBID client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int

	// RetryInterval is the first backoff interval. Default: 1s.
	RetryInterval time.Duration
}

// Client submits PDFs to GROBID's full-text endpoint.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

// New creates a GROBID client. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Client {
	cfg.applyDefaults()
	return NewWithHTTPClient(cfg, papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Service:   serviceName,
		Timeout:   cfg.Timeout,
		RateLimit: 4,
		BurstSize: 4,
		// Busy responses are retried here with backoff, not by the transport.
		MaxRetries: -1,
		Metrics:    metrics,
	}))
}

// NewWithHTTPClient creates a client with a custom HTTP client.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, httpClient: httpClient}
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = time.Second
	}
}

// Convert sends pdf to GROBID and returns the TEI document. GROBID answers
// 503 while its worker pool is saturated; those responses are retried with
// exponential backoff. Any other failure is returned immediately.
func (c *Client) Convert(ctx context.Context, filename string, pdf []byte) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.config.RetryInterval
	policy.MaxElapsedTime = 0

	var tei []byte
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		tei, err = c.convertOnce(ctx, filename, pdf)
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrServiceUnavailable) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.config.MaxRetries)), ctx))
	if err != nil {
		return nil, fmt.Errorf("grobid conversion after %d attempt(s): %w", attempt, err)
	}
	return tei, nil
}

func (c *Client) convertOnce(ctx context.Context, filename string, pdf []byte) ([]byte, error) {
	body, contentType, err := fulltextForm(filename, pdf)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.config.BaseURL, "/") + fulltextPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/xml")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, papersources.ReadError(serviceName, resp)
	}

	tei, err := io.ReadAll(io.LimitReader(resp.Body, maxTEIBytes))
	if err != nil {
		return nil, fmt.Errorf("reading TEI response: %w", err)
	}
	if len(bytes.TrimSpace(tei)) == 0 {
		return nil, domain.NewMalformedRecordError(serviceName, errors.New("empty TEI document"))
	}
	return tei, nil
}

// fulltextForm builds the multipart body for processFulltextDocument.
func fulltextForm(filename string, pdf []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("input", filename)
	if err != nil {
		return nil, "", fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(pdf); err != nil {
		return nil, "", fmt.Errorf("writing form file: %w", err)
	}
	if err := w.WriteField("segmentSentences", "1"); err != nil {
		return nil, "", fmt.Errorf("writing form field: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
