package pdf

import (
	"context"
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

// DefaultUnpaywallBaseURL is the Unpaywall v2 API base URL.
const DefaultUnpaywallBaseURL = "https://api.unpaywall.org/v2"

// Result is the outcome of a fallback lookup. Found is false when the
// service knows no open-access PDF for the DOI; that is not an error.
type Result struct {
	Found bool
	URL   string
}

// Resolver maps a DOI to a downloadable PDF location.
type Resolver interface {
	Resolve(ctx context.Context, doi domain.DOI) (Result, error)
}

// UnpaywallConfig configures the Unpaywall resolver.
type UnpaywallConfig struct {
	BaseURL string
	Email   string
	Timeout time.Duration
}

// UnpaywallResolver finds open-access PDF locations through Unpaywall.
type UnpaywallResolver struct {
	config     UnpaywallConfig
	httpClient *papersources.HTTPClient
}

// NewUnpaywallResolver creates a resolver. Unpaywall requires an email
// address on every request.
func NewUnpaywallResolver(cfg UnpaywallConfig, metrics *observability.Metrics) *UnpaywallResolver {
	return NewUnpaywallResolverWithHTTPClient(cfg, papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Service: "unpaywall",
		Timeout: cfg.Timeout,
		Metrics: metrics,
	}))
}

// NewUnpaywallResolverWithHTTPClient creates a resolver with a custom HTTP client.
func NewUnpaywallResolverWithHTTPClient(cfg UnpaywallConfig, httpClient *papersources.HTTPClient) *UnpaywallResolver {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultUnpaywallBaseURL
	}
	return &UnpaywallResolver{config: cfg, httpClient: httpClient}
}

// Resolve looks up the best open-access location for doi. The best
// location's PDF URL is preferred; otherwise the first location that has one.
func (u *UnpaywallResolver) Resolve(ctx context.Context, doi domain.DOI) (Result, error) {
	endpoint := fmt.Sprintf("%s/%s?email=%s",
		strings.TrimRight(u.config.BaseURL, "/"), doi.Stem(), url.QueryEscape(u.config.Email))

	resp, err := u.httpClient.Get(ctx, endpoint, map[string]string{"Accept": "application/json"})
	if err != nil {
		return Result{}, fmt.Errorf("unpaywall lookup %s: %w", doi.Stem(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, papersources.ReadError("unpaywall", resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return Result{}, fmt.Errorf("reading unpaywall response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return Result{}, domain.NewMalformedRecordError("unpaywall", fmt.Errorf("invalid JSON for %s", doi.Stem()))
	}

	if pdfURL := gjson.GetBytes(body, "best_oa_location.url_for_pdf").String(); pdfURL != "" {
		return Result{Found: true, URL: pdfURL}, nil
	}

	var found string
	gjson.GetBytes(body, "oa_locations").ForEach(func(_, loc gjson.Result) bool {
		found = loc.Get("url_for_pdf").String()
		return found == ""
	})
	if found != "" {
		return Result{Found: true, URL: found}, nil
	}
	return Result{}, nil
}
