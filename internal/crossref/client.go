// Package crossref fetches work metadata from the Crossref REST API.
package crossref

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/papersources"
)

const (
	// DefaultBaseURL is the Crossref REST API base URL.
	DefaultBaseURL = "https://api.crossref.org"

	// DefaultRateLimit is the default rate limit (requests per second).
	DefaultRateLimit = 10.0

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	serviceName = "crossref"
)

// Config holds configuration for the Crossref client.
type Config struct {
	// BaseURL is the API base URL.
	BaseURL string

	// Mailto is sent as the polite-pool contact address when set.
	Mailto string

	Timeout   time.Duration
	RateLimit float64
	// Burst defaults to the HTTP client's burst.
	Burst int
}

func (c *Config) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
}

// Client looks up works by DOI.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
}

// New creates a Crossref client. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Client {
	cfg.applyDefaults()

	hc := papersources.HTTPClientConfig{
		Service:   serviceName,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: cfg.Burst,
		Metrics:   metrics,
	}
	if cfg.Mailto != "" {
		hc.UserAgent = papersources.DefaultUserAgent + " mailto:" + cfg.Mailto
	}

	return NewWithHTTPClient(cfg, papersources.NewHTTPClient(hc))
}

// NewWithHTTPClient creates a client with a custom HTTP client.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()
	return &Client{config: cfg, httpClient: httpClient}
}

// Lookup fetches the work message for doi. The returned bytes are the
// "message" object of the API envelope, suitable for caching verbatim.
// An unknown DOI yields an error matching domain.ErrNotFound.
func (c *Client) Lookup(ctx context.Context, doi domain.DOI) ([]byte, error) {
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/works/" + escapePath(doi.Stem())
	if c.config.Mailto != "" {
		endpoint += "?mailto=" + url.QueryEscape(c.config.Mailto)
	}

	resp, err := c.httpClient.Get(ctx, endpoint, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, fmt.Errorf("crossref lookup %s: %w", doi.Stem(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, papersources.ReadError(serviceName, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("reading crossref response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, domain.NewMalformedRecordError(serviceName, errors.New("invalid JSON response"))
	}

	message := gjson.GetBytes(body, "message")
	if !message.IsObject() {
		return nil, domain.NewMalformedRecordError(serviceName, errors.New("response has no message object"))
	}
	return []byte(message.Raw), nil
}

// escapePath escapes each segment of a DOI stem, keeping the slashes.
func escapePath(stem string) string {
	segments := strings.Split(stem, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
