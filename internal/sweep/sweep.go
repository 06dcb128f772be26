// Package sweep discovers DOIs from the preprint search index and drives
// them through a worker pool.
//
// A sweep splits its date range into windows, searches each window once
// (results are remembered in a per-query store under the cache root), and
// enqueues every DOI found. When the queue drains, the pool is stopped and
// the run summary recorded.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/kvstore"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/papersources/biorxiv"
)

// QueriesDir is the cache-root subdirectory holding search result stores.
const QueriesDir = "queries"

// Searcher returns the DOIs the search index lists for query in [from, to].
type Searcher interface {
	Search(ctx context.Context, query string, from, to time.Time) ([]string, error)
}

// Pool is the worker pool a sweep feeds.
type Pool interface {
	Start(ctx context.Context)
	Enqueue(dois ...string)
	Wait(ctx context.Context) error
	Stop() (domain.RunSummary, error)
}

// Journal records run lifecycle. Implementations must tolerate being
// called with a run whose fields are partially set.
type Journal interface {
	StartRun(ctx context.Context, run *domain.Run) error
	FinishRun(ctx context.Context, run *domain.Run) error
}

// Publisher emits run lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, events ...*domain.Event) error
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithJournal records runs in j.
func WithJournal(j Journal) Option {
	return func(s *Sweeper) { s.journal = j }
}

// WithPublisher publishes run events through p.
func WithPublisher(p Publisher) Option {
	return func(s *Sweeper) { s.publisher = p }
}

// WithMetrics records discovery metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sweeper) { s.metrics = m }
}

// WithLogger sets the sweep logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// Sweeper discovers DOIs and runs them through a pool.
type Sweeper struct {
	root      string
	searcher  Searcher
	journal   Journal
	publisher Publisher
	metrics   *observability.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a Sweeper that keeps its search result stores under root.
func New(root string, searcher Searcher, opts ...Option) *Sweeper {
	s := &Sweeper{
		root:     root,
		searcher: searcher,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With().Str("component", "sweep").Logger()
	return s
}

// SearchCachePath returns the result store for query and interval. The
// query is path-escaped so that every query maps to one file directly
// under the queries directory.
func SearchCachePath(root, query string, interval int) string {
	return filepath.Join(root, QueriesDir, fmt.Sprintf("__cache__%s_%d.json", url.PathEscape(query), interval))
}

// NewRun creates the run record for params.
func NewRun(params Params) *domain.Run {
	return &domain.Run{
		ID:        uuid.New(),
		Query:     params.Query,
		StartDate: params.StartDate,
		EndDate:   params.EndDate,
		Interval:  params.Interval,
		Workers:   params.Workers,
		Status:    domain.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
}

// Discover searches every window of the params' range and passes each
// window's DOIs to emit, in window order. Windows already in the result
// store are not searched again. A window whose search fails is logged and
// skipped. It returns the number of DOIs emitted.
func (s *Sweeper) Discover(ctx context.Context, params Params, emit func(dois ...string)) (int, error) {
	start, end, err := params.Range()
	if err != nil {
		return 0, err
	}

	storePath := SearchCachePath(s.root, params.Query, params.Interval)
	if err := os.MkdirAll(filepath.Dir(storePath), 0o755); err != nil {
		return 0, fmt.Errorf("creating queries directory: %w", err)
	}
	store, err := kvstore.Open(storePath)
	if err != nil {
		return 0, fmt.Errorf("opening search cache: %w", err)
	}

	total := 0
	for _, window := range biorxiv.DateRanges(start, end, params.Interval) {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		key := window.Key()
		logger := s.logger.With().Str("window", key).Logger()

		var dois []string
		found, err := store.Get(key, &dois)
		if err != nil {
			return total, fmt.Errorf("reading search cache: %w", err)
		}

		if found {
			s.metrics.RecordDiscovered("cache", len(dois))
			logger.Debug().Int("dois", len(dois)).Msg("window served from search cache")
		} else {
			logger.Info().Str("query", params.Query).Msg("searching window")
			dois, err = s.searcher.Search(ctx, params.Query, window.From, window.To)
			if err != nil {
				if ctx.Err() != nil {
					return total, ctx.Err()
				}
				logger.Error().Err(err).Msg("search failed; skipping window")
				continue
			}
			if dois == nil {
				dois = []string{}
			}
			if err := store.Set(key, dois); err != nil {
				logger.Warn().Err(err).Msg("failed to record window in search cache")
			}
			s.metrics.RecordDiscovered("search", len(dois))
		}

		for _, doi := range dois {
			logger.Debug().Str("doi", doi).Msg("DOI added")
		}
		if len(dois) > 0 {
			emit(dois...)
		}
		total += len(dois)
	}
	return total, nil
}

// Run executes a sweep: it starts pool, enqueues every discovered DOI,
// waits for the queue to drain, and stops the pool. Cancelling ctx stops
// discovery and the pool early and marks the run cancelled.
func (s *Sweeper) Run(ctx context.Context, run *domain.Run, params Params, pool Pool) error {
	logger := observability.WithRunContext(s.logger, run.ID.String(), params.Query)
	started := s.now()

	s.startRun(ctx, run, logger)
	pool.Start(ctx)

	var runErr error
	discovered, err := s.Discover(ctx, params, pool.Enqueue)
	if err != nil {
		runErr = fmt.Errorf("discovery: %w", err)
	} else {
		logger.Info().Int("dois", discovered).Msg("discovery finished; waiting for queue to drain")
		if err := pool.Wait(ctx); err != nil {
			runErr = fmt.Errorf("waiting for queue: %w", err)
		}
	}

	logger.Info().Msg("stopping workers")
	summary, stopErr := pool.Stop()
	if stopErr != nil {
		runErr = errors.Join(runErr, stopErr)
	}

	finished := s.now().UTC()
	run.Summary = summary
	run.FinishedAt = &finished
	switch {
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		run.Status = domain.RunStatusCancelled
	case runErr != nil:
		run.Status = domain.RunStatusFailed
	default:
		run.Status = domain.RunStatusCompleted
	}

	// The run context may already be cancelled; the final records still
	// need to be written.
	s.finishRun(context.WithoutCancel(ctx), run, s.now().Sub(started), logger)
	return runErr
}

func (s *Sweeper) startRun(ctx context.Context, run *domain.Run, logger zerolog.Logger) {
	if s.journal != nil {
		if err := s.journal.StartRun(ctx, run); err != nil {
			logger.Warn().Err(err).Msg("failed to journal run start")
		}
	}
	s.publish(ctx, domain.EventTypeRunStarted, run, domain.RunStartedPayload{
		RunID:     run.ID,
		Query:     run.Query,
		StartDate: run.StartDate,
		EndDate:   run.EndDate,
		Interval:  run.Interval,
		Workers:   run.Workers,
	}, logger)
	logger.Info().
		Str("start_date", run.StartDate).
		Str("end_date", run.EndDate).
		Int("interval", run.Interval).
		Int("workers", run.Workers).
		Msg("sweep started")
}

func (s *Sweeper) finishRun(ctx context.Context, run *domain.Run, elapsed time.Duration, logger zerolog.Logger) {
	if s.journal != nil {
		if err := s.journal.FinishRun(ctx, run); err != nil {
			logger.Warn().Err(err).Msg("failed to journal run completion")
		}
	}
	s.publish(ctx, domain.EventTypeRunCompleted, run, domain.RunCompletedPayload{
		RunID:    run.ID,
		Status:   run.Status,
		Summary:  run.Summary,
		Duration: elapsed,
	}, logger)
	logger.Info().
		Str("status", string(run.Status)).
		Int("enqueued", run.Summary.Enqueued).
		Int("succeeded", run.Summary.Succeeded).
		Int("failed", run.Summary.Failed).
		Int("cancelled", run.Summary.Cancelled).
		Dur("duration", elapsed).
		Msg("sweep finished")
}

func (s *Sweeper) publish(ctx context.Context, eventType string, run *domain.Run, payload any, logger zerolog.Logger) {
	if s.publisher == nil {
		return
	}
	event, err := domain.NewEvent(eventType, run.ID, "", payload)
	if err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to build event")
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Str("event_type", eventType).Msg("failed to publish event")
	}
}
