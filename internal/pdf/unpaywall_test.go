package pdf

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/papersources"
)

func newTestResolver(t *testing.T, handler http.HandlerFunc) *UnpaywallResolver {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	hc := papersources.NewHTTPClient(papersources.HTTPClientConfig{
		Service:    "unpaywall",
		RateLimit:  1000,
		BurstSize:  100,
		MaxRetries: -1,
	})
	return NewUnpaywallResolverWithHTTPClient(UnpaywallConfig{BaseURL: server.URL, Email: "ops@example.org"}, hc)
}

func TestUnpaywallResolver_Resolve(t *testing.T) {
	doi := domain.MustParseDOI("10.1038/s41586-020-2649-2")

	tests := []struct {
		name    string
		status  int
		body    string
		want    Result
		wantErr error
	}{
		{
			name:   "best location",
			status: http.StatusOK,
			body:   `{"best_oa_location": {"url_for_pdf": "https://oa.example.org/best.pdf"}, "oa_locations": [{"url_for_pdf": "https://oa.example.org/other.pdf"}]}`,
			want:   Result{Found: true, URL: "https://oa.example.org/best.pdf"},
		},
		{
			name:   "falls back to other locations",
			status: http.StatusOK,
			body:   `{"best_oa_location": {"url_for_pdf": null}, "oa_locations": [{"url": "x"}, {"url_for_pdf": "https://oa.example.org/second.pdf"}]}`,
			want:   Result{Found: true, URL: "https://oa.example.org/second.pdf"},
		},
		{
			name:   "closed access",
			status: http.StatusOK,
			body:   `{"is_oa": false, "best_oa_location": null, "oa_locations": []}`,
			want:   Result{},
		},
		{
			name:   "unknown DOI",
			status: http.StatusNotFound,
			body:   `{"error": true}`,
			want:   Result{},
		},
		{
			name:    "malformed response",
			status:  http.StatusOK,
			body:    `{"best_oa_location": `,
			wantErr: domain.ErrMalformedRecord,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotPath, gotEmail string
			resolver := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				gotEmail = r.URL.Query().Get("email")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})

			got, err := resolver.Resolve(context.Background(), doi)
			assert.Equal(t, "/10.1038/s41586-020-2649-2", gotPath)
			assert.Equal(t, "ops@example.org", gotEmail)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	t.Run("server error", func(t *testing.T) {
		resolver := newTestResolver(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})
		_, err := resolver.Resolve(context.Background(), doi)
		var apiErr *domain.ExternalAPIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	})
}
