// Package biorxiv talks to the bioRxiv/medRxiv preprint servers: the details
// API that tracks posted versions and their published targets, and the
// search index used to discover DOIs.
package biorxiv

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/papersources"
)

const (
	// DefaultAPIBaseURL is the details API base URL.
	DefaultAPIBaseURL = "https://api.biorxiv.org"

	// DefaultSiteBaseURL hosts the search index.
	DefaultSiteBaseURL = "https://www.biorxiv.org"

	// DefaultRateLimit is the default rate limit (2 requests per second).
	DefaultRateLimit = 2.0

	// DefaultBurst is the default token bucket size.
	DefaultBurst = 2

	// DefaultTimeout is the default request timeout.
	DefaultTimeout = 30 * time.Second

	serviceName = "biorxiv"
)

// DefaultServers are the preprint servers consulted, in order.
var DefaultServers = []string{"biorxiv", "medrxiv"}

// Config holds configuration for the bioRxiv/medRxiv client.
type Config struct {
	// APIBaseURL is the details API base URL.
	APIBaseURL string

	// SiteBaseURL is the search index base URL.
	SiteBaseURL string

	// Servers are consulted in order by Details.
	Servers []string

	// Timeout is the request timeout.
	Timeout time.Duration

	// RateLimit is the maximum requests per second.
	RateLimit float64

	// Burst is the token bucket size.
	Burst int
}

// applyDefaults sets default values for unset configuration fields.
func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.SiteBaseURL == "" {
		c.SiteBaseURL = DefaultSiteBaseURL
	}
	if len(c.Servers) == 0 {
		c.Servers = DefaultServers
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Burst == 0 {
		c.Burst = DefaultBurst
	}
}

// Client queries the preprint tracker and search index.
type Client struct {
	config     Config
	httpClient *papersources.HTTPClient
	metrics    *observability.Metrics
}

// New creates a new bioRxiv/medRxiv client. metrics may be nil.
func New(cfg Config, metrics *observability.Metrics) *Client {
	cfg.applyDefaults()

	httpClient := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Service:   serviceName,
		Timeout:   cfg.Timeout,
		RateLimit: cfg.RateLimit,
		BurstSize: cfg.Burst,
		Metrics:   metrics,
	})

	return &Client{
		config:     cfg,
		httpClient: httpClient,
		metrics:    metrics,
	}
}

// NewWithHTTPClient creates a client with a custom HTTP client.
// This is useful for testing with mock servers.
func NewWithHTTPClient(cfg Config, httpClient *papersources.HTTPClient) *Client {
	cfg.applyDefaults()

	return &Client{
		config:     cfg,
		httpClient: httpClient,
	}
}

// Details fetches the tracker collection for doi. Each configured server is
// tried in order and the first 200 response wins; a DOI no server knows
// yields "[]". The returned bytes are a JSON array suitable for caching.
func (c *Client) Details(ctx context.Context, doi domain.DOI) ([]byte, error) {
	base := strings.TrimRight(c.config.APIBaseURL, "/")

	for _, server := range c.config.Servers {
		endpoint := fmt.Sprintf("%s/details/%s/%s", base, server, doi.Stem())

		resp, err := c.httpClient.Get(ctx, endpoint, map[string]string{"Accept": "application/json"})
		if err != nil {
			return nil, fmt.Errorf("preprint details %s on %s: %w", doi.Stem(), server, err)
		}

		if resp.StatusCode != http.StatusOK {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading preprint details: %w", err)
		}
		if !gjson.ValidBytes(body) {
			return nil, domain.NewMalformedRecordError(serviceName, fmt.Errorf("invalid JSON from %s", endpoint))
		}

		collection := gjson.GetBytes(body, "collection")
		if !collection.IsArray() {
			return []byte("[]"), nil
		}
		return []byte(collection.Raw), nil
	}

	return []byte("[]"), nil
}

// PDFURLs returns the full-text PDF candidates for a preprint posted on any
// configured server.
func (c *Client) PDFURLs(doi domain.DOI, version int) []string {
	if version < 1 {
		version = 1
	}
	urls := make([]string, 0, len(c.config.Servers))
	for _, server := range c.config.Servers {
		urls = append(urls, fmt.Sprintf("https://www.%s.org/content/%sv%d.full.pdf", server, doi.Stem(), version))
	}
	return urls
}
