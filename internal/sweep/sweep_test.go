package sweep

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/kvstore"
	"github.com/helixir/doicache/internal/papersources/biorxiv"
	"github.com/helixir/doicache/internal/worker"
)

type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]string
	fail    map[string]error
	calls   []string
}

func (f *fakeSearcher) Search(ctx context.Context, query string, from, to time.Time) ([]string, error) {
	key := biorxiv.DateRange{From: from, To: to}.Key()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, key)
	if err := f.fail[key]; err != nil {
		return nil, err
	}
	return f.results[key], nil
}

func (f *fakeSearcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeJournal struct {
	mu       sync.Mutex
	started  []domain.Run
	finished []domain.Run
}

func (j *fakeJournal) StartRun(_ context.Context, run *domain.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.started = append(j.started, *run)
	return nil
}

func (j *fakeJournal) FinishRun(_ context.Context, run *domain.Run) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, *run)
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*domain.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, events ...*domain.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return p.err
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var types []string
	for _, e := range p.events {
		types = append(types, e.EventType)
	}
	return types
}

type runnerFunc func(ctx context.Context, doi string) error

func (f runnerFunc) Run(ctx context.Context, doi string) error { return f(ctx, doi) }

func newPool(t *testing.T, slots int, run runnerFunc) *worker.Pool {
	t.Helper()
	return worker.New(worker.Config{
		Slots:              slots,
		PollInterval:       10 * time.Millisecond,
		CancelPollInterval: 5 * time.Millisecond,
	}, run)
}

func TestParams(t *testing.T) {
	now := time.Date(2024, 11, 30, 15, 0, 0, 0, time.UTC)

	t.Run("defaults", func(t *testing.T) {
		p := Params{Query: "gatk", Workers: 2}.WithDefaults(now)
		assert.Equal(t, "1970-01-01", p.StartDate)
		assert.Equal(t, "2024-11-30", p.EndDate)
		assert.NoError(t, p.Validate())
	})

	t.Run("explicit dates are kept", func(t *testing.T) {
		p := Params{Query: "gatk", Workers: 1, StartDate: "2024-01-01", EndDate: "2024-02-01"}.WithDefaults(now)
		assert.Equal(t, "2024-01-01", p.StartDate)
		assert.Equal(t, "2024-02-01", p.EndDate)
	})

	tests := []struct {
		name   string
		params Params
		field  string
	}{
		{"missing query", Params{Workers: 1}, "Query"},
		{"zero workers", Params{Query: "q"}, "Workers"},
		{"negative interval", Params{Query: "q", Workers: 1, Interval: -1}, "Interval"},
		{"bad start date", Params{Query: "q", Workers: 1, StartDate: "2024/01/01"}, "StartDate"},
		{"bad end date", Params{Query: "q", Workers: 1, EndDate: "yesterday"}, "EndDate"},
		{"inverted range", Params{Query: "q", Workers: 1, StartDate: "2024-02-01", EndDate: "2024-01-01"}, "end_date"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.WithDefaults(now).Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidInput))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestSearchCachePath(t *testing.T) {
	assert.Equal(t,
		filepath.Join("/cache", "queries", "__cache__gatk_30.json"),
		SearchCachePath("/cache", "gatk", 30))
	assert.Equal(t,
		filepath.Join("/cache", "queries", "__cache__gatk_0.json"),
		SearchCachePath("/cache", "gatk", 0))

	t.Run("query stays one file under the queries directory", func(t *testing.T) {
		dir := filepath.Join("/cache", "queries")
		for _, query := range []string{
			"single cell/rna-seq",
			"../../etc/passwd",
			"..",
			"a/../../b",
			`crispr\screen`,
		} {
			path := SearchCachePath("/cache", query, 7)
			assert.Equal(t, dir, filepath.Dir(path), query)
			assert.True(t, strings.HasPrefix(filepath.Base(path), "__cache__"), query)
			assert.True(t, strings.HasSuffix(path, "_7.json"), query)
		}
		assert.Equal(t,
			filepath.Join(dir, "__cache__single%20cell%2Frna-seq_30.json"),
			SearchCachePath("/cache", "single cell/rna-seq", 30))
	})
}

func TestDiscover(t *testing.T) {
	params := Params{Query: "gatk", Workers: 1, StartDate: "2024-01-01", EndDate: "2024-01-25", Interval: 10}

	t.Run("searches each window once", func(t *testing.T) {
		root := t.TempDir()
		searcher := &fakeSearcher{results: map[string][]string{
			"2024-01-01,2024-01-11": {"https://doi.org/10.1101/a", "https://doi.org/10.1101/b"},
			"2024-01-11,2024-01-21": {},
			"2024-01-21,2024-01-25": {"https://doi.org/10.1101/c"},
		}}
		s := New(root, searcher)

		var got []string
		n, err := s.Discover(context.Background(), params, func(dois ...string) { got = append(got, dois...) })
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Equal(t, []string{"https://doi.org/10.1101/a", "https://doi.org/10.1101/b", "https://doi.org/10.1101/c"}, got)
		assert.Equal(t, 3, searcher.callCount())

		store, err := kvstore.Open(SearchCachePath(root, "gatk", 10))
		require.NoError(t, err)
		keys, err := store.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"2024-01-01,2024-01-11", "2024-01-11,2024-01-21", "2024-01-21,2024-01-25"}, keys)

		got = nil
		n, err = s.Discover(context.Background(), params, func(dois ...string) { got = append(got, dois...) })
		require.NoError(t, err)
		assert.Equal(t, 3, n)
		assert.Len(t, got, 3)
		assert.Equal(t, 3, searcher.callCount(), "cached windows must not be searched again")
	})

	t.Run("failed window is skipped and retried next time", func(t *testing.T) {
		root := t.TempDir()
		searcher := &fakeSearcher{
			results: map[string][]string{
				"2024-01-01,2024-01-11": {"https://doi.org/10.1101/a"},
				"2024-01-21,2024-01-25": {"https://doi.org/10.1101/c"},
			},
			fail: map[string]error{
				"2024-01-11,2024-01-21": domain.ErrServiceUnavailable,
			},
		}
		s := New(root, searcher)

		var got []string
		n, err := s.Discover(context.Background(), params, func(dois ...string) { got = append(got, dois...) })
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Equal(t, []string{"https://doi.org/10.1101/a", "https://doi.org/10.1101/c"}, got)

		delete(searcher.fail, "2024-01-11,2024-01-21")
		_, err = s.Discover(context.Background(), params, func(...string) {})
		require.NoError(t, err)
		assert.Equal(t, 4, searcher.callCount())
	})

	t.Run("no interval searches the whole range", func(t *testing.T) {
		root := t.TempDir()
		searcher := &fakeSearcher{results: map[string][]string{
			"2024-01-01,2024-01-25": {"https://doi.org/10.1101/a"},
		}}
		p := params
		p.Interval = 0

		n, err := New(root, searcher).Discover(context.Background(), p, func(...string) {})
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		_, err = os.Stat(SearchCachePath(root, "gatk", 0))
		assert.NoError(t, err)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		searcher := &fakeSearcher{}
		_, err := New(t.TempDir(), searcher).Discover(ctx, params, func(...string) {})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, searcher.callCount())
	})

	t.Run("corrupt search cache", func(t *testing.T) {
		root := t.TempDir()
		path := SearchCachePath(root, "gatk", 10)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("{"), 0o644))

		_, err := New(root, &fakeSearcher{}).Discover(context.Background(), params, func(...string) {})
		assert.Error(t, err)
	})
}

func TestRun(t *testing.T) {
	params := Params{Query: "gatk", Workers: 2, StartDate: "2024-01-01", EndDate: "2024-01-31"}

	t.Run("processes every discovered DOI", func(t *testing.T) {
		searcher := &fakeSearcher{results: map[string][]string{
			"2024-01-01,2024-01-31": {
				"https://doi.org/10.1101/ok-1",
				"https://doi.org/10.1101/fail",
				"https://doi.org/10.1101/ok-2",
			},
		}}
		journal := &fakeJournal{}
		publisher := &fakePublisher{}
		s := New(t.TempDir(), searcher, WithJournal(journal), WithPublisher(publisher))

		pool := newPool(t, 2, func(ctx context.Context, doi string) error {
			if strings.Contains(doi, "fail") {
				return domain.ErrDownloadExhausted
			}
			return nil
		})

		run := NewRun(params)
		require.NoError(t, s.Run(context.Background(), run, params, pool))

		assert.False(t, pool.Running())
		assert.Equal(t, domain.RunStatusCompleted, run.Status)
		assert.Equal(t, domain.RunSummary{Enqueued: 3, Succeeded: 2, Failed: 1}, run.Summary)
		require.NotNil(t, run.FinishedAt)

		require.Len(t, journal.started, 1)
		assert.Equal(t, domain.RunStatusRunning, journal.started[0].Status)
		require.Len(t, journal.finished, 1)
		assert.Equal(t, domain.RunStatusCompleted, journal.finished[0].Status)

		assert.Equal(t, []string{domain.EventTypeRunStarted, domain.EventTypeRunCompleted}, publisher.types())
		for _, e := range publisher.events {
			assert.Equal(t, run.ID.String(), e.RunID)
		}
	})

	t.Run("nothing discovered", func(t *testing.T) {
		s := New(t.TempDir(), &fakeSearcher{})
		pool := newPool(t, 1, func(context.Context, string) error { return nil })

		run := NewRun(params)
		require.NoError(t, s.Run(context.Background(), run, params, pool))
		assert.Equal(t, domain.RunStatusCompleted, run.Status)
		assert.Equal(t, domain.RunSummary{}, run.Summary)
	})

	t.Run("cancellation stops in-flight work", func(t *testing.T) {
		searcher := &fakeSearcher{results: map[string][]string{
			"2024-01-01,2024-01-31": {"https://doi.org/10.1101/hang"},
		}}
		journal := &fakeJournal{}
		s := New(t.TempDir(), searcher, WithJournal(journal))

		started := make(chan struct{})
		pool := newPool(t, 1, func(ctx context.Context, doi string) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			<-started
			cancel()
		}()

		run := NewRun(params)
		err := s.Run(ctx, run, params, pool)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, domain.RunStatusCancelled, run.Status)
		assert.Equal(t, 1, run.Summary.Cancelled)
		require.Len(t, journal.finished, 1)
		assert.Equal(t, domain.RunStatusCancelled, journal.finished[0].Status)
	})

	t.Run("publish failures do not fail the run", func(t *testing.T) {
		publisher := &fakePublisher{err: errors.New("broker down")}
		s := New(t.TempDir(), &fakeSearcher{}, WithPublisher(publisher))
		pool := newPool(t, 1, func(context.Context, string) error { return nil })

		run := NewRun(params)
		require.NoError(t, s.Run(context.Background(), run, params, pool))
		assert.Len(t, publisher.types(), 2)
	})
}
