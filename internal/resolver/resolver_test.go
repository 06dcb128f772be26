package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
)

// fakeServices serves canned tracker and metadata records keyed by DOI stem.
type fakeServices struct {
	mu          sync.Mutex
	tracker     map[string]string
	metadata    map[string]string
	trackerHits int
	lookupHits  int
}

func newFakeServices() *fakeServices {
	return &fakeServices{tracker: map[string]string{}, metadata: map[string]string{}}
}

func (f *fakeServices) Details(_ context.Context, doi domain.DOI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trackerHits++
	if data, ok := f.tracker[doi.Stem()]; ok {
		return []byte(data), nil
	}
	return []byte("[]"), nil
}

func (f *fakeServices) Lookup(_ context.Context, doi domain.DOI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookupHits++
	if data, ok := f.metadata[doi.Stem()]; ok {
		return []byte(data), nil
	}
	return nil, domain.NewExternalAPIError("crossref", 404, "Resource not found.", domain.ErrNotFound)
}

func (f *fakeServices) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trackerHits + f.lookupHits
}

func preprintOf(targets ...string) string {
	rels := ""
	for i, t := range targets {
		if i > 0 {
			rels += ","
		}
		rels += fmt.Sprintf(`{"id": %q, "id-type": "doi", "asserted-by": "subject"}`, t)
	}
	return fmt.Sprintf(`{"relation": {"is-preprint-of": [%s]}}`, rels)
}

const publishedRecord = `{"title": ["Final"], "published-print": {"date-parts": [[2023, 1, 5]]}}`

func newTestResolver(t *testing.T, f *fakeServices, maxDepth int, metrics *observability.Metrics) (*Resolver, *cache.Cache) {
	t.Helper()
	c, err := cache.New(t.TempDir())
	require.NoError(t, err)
	r := New(c, NewRecords(f, f), Config{MaxDepth: maxDepth}, metrics, zerolog.Nop())
	return r, c
}

func readLedger(t *testing.T, c *cache.Cache, doi domain.DOI, key string, dst any) bool {
	t.Helper()
	e, err := c.Entry(doi)
	require.NoError(t, err)
	defer e.Close()
	ok, err := e.Status().Get(key, dst)
	require.NoError(t, err)
	return ok
}

func TestResolve_TerminalInput(t *testing.T) {
	f := newFakeServices()
	f.metadata["10.1038/final"] = publishedRecord

	r, _ := newTestResolver(t, f, 0, nil)
	res, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1038/final"))
	require.NoError(t, err)
	defer res.Entry.Close()

	assert.Equal(t, "10.1038/final", res.Entry.DOI().Stem())
	assert.True(t, res.Preprint.IsZero())
	assert.Equal(t, 0, res.Hops())
	assert.True(t, res.Published)
	assert.True(t, res.Entry.Exists(cache.StemMetadata))
	assert.True(t, res.Entry.Exists(cache.StemPreprintInfo))

	info, err := res.Entry.ReadArtifact(cache.StemPreprintInfo)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(info))
}

func TestResolve_FollowsTrackerBeforeMetadata(t *testing.T) {
	f := newFakeServices()
	f.tracker["10.1101/2022.04.21.488948"] = `[
		{"doi": "10.1101/2022.04.21.488948", "version": "1", "published": "NA"},
		{"doi": "10.1101/2022.04.21.488948", "version": "2", "published": "10.1038/s41586-023-0001-1"}
	]`
	f.metadata["10.1038/s41586-023-0001-1"] = publishedRecord

	r, c := newTestResolver(t, f, 0, nil)
	res, err := r.Resolve(context.Background(), domain.MustParseDOI("https://doi.org/10.1101/2022.04.21.488948"))
	require.NoError(t, err)
	defer res.Entry.Close()

	assert.Equal(t, "10.1038/s41586-023-0001-1", res.Entry.DOI().Stem())
	assert.Equal(t, "10.1101/2022.04.21.488948", res.Preprint.Stem())
	assert.Equal(t, 1, res.Hops())

	preprint, err := c.Entry(res.Preprint)
	require.NoError(t, err)
	defer preprint.Close()
	assert.False(t, preprint.Exists(cache.StemMetadata), "tracker hit must not consult metadata")

	var target string
	require.True(t, readLedger(t, c, res.Preprint, cache.KeyIsPreprintOf, &target))
	assert.Equal(t, "10.1038/s41586-023-0001-1", target)

	var published bool
	require.True(t, readLedger(t, c, res.Entry.DOI(), cache.KeyIsPublished, &published))
	assert.True(t, published)
}

func TestResolve_FollowsMetadataRelation(t *testing.T) {
	f := newFakeServices()
	f.metadata["10.1101/a"] = preprintOf("10.1101/b")
	f.metadata["10.1101/b"] = preprintOf("10.7554/c")
	f.metadata["10.7554/c"] = `{"title": ["Not yet"]}`

	r, _ := newTestResolver(t, f, 0, nil)
	res, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/a"))
	require.NoError(t, err)
	defer res.Entry.Close()

	assert.Equal(t, []string{"10.1101/a", "10.1101/b", "10.7554/c"}, stems(res.Chain))
	assert.Equal(t, "10.1101/b", res.Preprint.Stem())
	assert.False(t, res.Published)
}

func TestResolve_IsIdempotent(t *testing.T) {
	f := newFakeServices()
	f.metadata["10.1101/a"] = preprintOf("10.1038/final")
	f.metadata["10.1038/final"] = publishedRecord

	r, _ := newTestResolver(t, f, 0, nil)
	first, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/a"))
	require.NoError(t, err)
	first.Entry.Close()
	calls := f.calls()

	second, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/a"))
	require.NoError(t, err)
	defer second.Entry.Close()

	assert.Equal(t, calls, f.calls(), "second resolution must read only the cache")
	assert.Equal(t, first.Entry.Dir(), second.Entry.Dir())
}

func TestResolve_RelationErrors(t *testing.T) {
	tests := []struct {
		name   string
		record string
		reason string
	}{
		{
			name:   "two targets",
			record: preprintOf("10.1038/x", "10.1038/y"),
			reason: "multiple is-preprint-of relations",
		},
		{
			name:   "non-DOI target",
			record: `{"relation": {"is-preprint-of": [{"id": "https://example.org/x", "id-type": "uri"}]}}`,
			reason: `unsupported is-preprint-of id-type "uri"`,
		},
		{
			name:   "unparseable DOI target",
			record: `{"relation": {"is-preprint-of": [{"id": "not-a-doi", "id-type": "DOI"}]}}`,
			reason: "invalid DOI",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeServices()
			f.metadata["10.1101/a"] = tt.record

			reg := prometheus.NewRegistry()
			metrics := observability.NewMetricsWith(reg, "test")
			r, _ := newTestResolver(t, f, 0, metrics)

			_, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/a"))
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrAmbiguousRelation))
			assert.False(t, errors.Is(err, domain.ErrResolutionCycle))
			assert.Contains(t, err.Error(), tt.reason)

			var se *domain.StageError
			require.True(t, errors.As(err, &se))
			assert.Equal(t, domain.StageResolve, se.Stage)
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.ResolverErrors.WithLabelValues("ambiguous")))
		})
	}
}

func TestResolve_Cycles(t *testing.T) {
	t.Run("short cycle stops at the cap", func(t *testing.T) {
		f := newFakeServices()
		f.metadata["10.1101/a"] = preprintOf("10.1101/b")
		f.metadata["10.1101/b"] = preprintOf("10.1101/a")

		r, _ := newTestResolver(t, f, 0, nil)
		_, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/a"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrResolutionCycle))
		assert.False(t, errors.Is(err, domain.ErrAmbiguousRelation))

		var ce *domain.CycleError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, DefaultMaxDepth, ce.Hops)
		assert.Len(t, ce.Chain, DefaultMaxDepth)
		assert.Equal(t, "10.1101/a", ce.Start.Stem())
	})

	t.Run("chain longer than the cap", func(t *testing.T) {
		f := newFakeServices()
		for i := range 20 {
			f.metadata[fmt.Sprintf("10.1101/n%d", i)] = preprintOf(fmt.Sprintf("10.1101/n%d", i+1))
		}

		r, _ := newTestResolver(t, f, 5, nil)
		_, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/n0"))
		var ce *domain.CycleError
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, 5, ce.Hops)
	})

	t.Run("chain that fits the cap", func(t *testing.T) {
		f := newFakeServices()
		for i := range 4 {
			f.metadata[fmt.Sprintf("10.1101/n%d", i)] = preprintOf(fmt.Sprintf("10.1101/n%d", i+1))
		}
		f.metadata["10.1101/n4"] = publishedRecord

		r, _ := newTestResolver(t, f, 5, nil)
		res, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1101/n0"))
		require.NoError(t, err)
		defer res.Entry.Close()
		assert.Equal(t, 4, res.Hops())
	})
}

func TestResolve_ServiceAndRecordErrors(t *testing.T) {
	t.Run("metadata lookup failure", func(t *testing.T) {
		r, _ := newTestResolver(t, newFakeServices(), 0, nil)
		_, err := r.Resolve(context.Background(), domain.MustParseDOI("10.1000/unknown"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("corrupt cached record", func(t *testing.T) {
		f := newFakeServices()
		r, c := newTestResolver(t, f, 0, nil)

		doi := domain.MustParseDOI("10.1101/a")
		e, err := c.Entry(doi)
		require.NoError(t, err)
		require.NoError(t, e.WriteArtifact(cache.StemPreprintInfo, []byte(`{"not": "a list"}`)))
		e.Close()

		_, err = r.Resolve(context.Background(), doi)
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrMalformedRecord))
		assert.Zero(t, f.calls())
	})

	t.Run("cancelled context", func(t *testing.T) {
		r, _ := newTestResolver(t, newFakeServices(), 0, nil)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := r.Resolve(ctx, domain.MustParseDOI("10.1101/a"))
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func stems(dois []domain.DOI) []string {
	out := make([]string, len(dois))
	for i, d := range dois {
		out[i] = d.Stem()
	}
	return out
}
