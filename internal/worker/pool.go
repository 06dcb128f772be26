// Package worker runs DOIs through a bounded pool of slots fed by a shared
// queue.
//
// Each slot takes one DOI at a time and hands it to a Runner, which isolates
// the DOI's processing so that a crash or a hang cannot take the slot down
// with it. While a DOI is in flight the slot polls the pool's running flag
// and cancels the unit as soon as the flag clears.
//
// Shutdown follows the producer: once the queue is drained and every item
// released, Stop clears the running flag and joins every slot.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
)

// Defaults for Config.
const (
	DefaultSlots              = 4
	DefaultPollInterval       = time.Second
	DefaultCancelPollInterval = 500 * time.Millisecond
)

// Config configures a Pool.
type Config struct {
	// Slots is the number of concurrent DOIs.
	Slots int
	// PollInterval bounds each queue wait, after which a slot rechecks the
	// running flag.
	PollInterval time.Duration
	// CancelPollInterval is how often a slot checks the running flag while
	// a DOI is in flight.
	CancelPollInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.Slots <= 0 {
		c.Slots = DefaultSlots
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.CancelPollInterval <= 0 {
		c.CancelPollInterval = DefaultCancelPollInterval
	}
}

// OutcomeHandler observes every DOI that leaves a slot. It is called from
// slot goroutines and must be safe for concurrent use.
type OutcomeHandler func(ctx context.Context, outcome domain.Outcome)

// Option configures a Pool.
type Option func(*Pool)

// WithRunID tags outcomes and log lines with a run ID.
func WithRunID(id uuid.UUID) Option {
	return func(p *Pool) {
		p.runID = id
	}
}

// WithOutcomeHandler registers h to observe outcomes.
func WithOutcomeHandler(h OutcomeHandler) Option {
	return func(p *Pool) {
		p.handlers = append(p.handlers, h)
	}
}

// WithMetrics records pool metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pool) {
		p.metrics = m
	}
}

// WithLogger sets the pool logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Pool) {
		p.logger = logger
	}
}

// Pool is a fixed set of worker slots sharing one queue.
type Pool struct {
	cfg      Config
	runner   Runner
	queue    *Queue
	runID    uuid.UUID
	handlers []OutcomeHandler
	metrics  *observability.Metrics
	logger   zerolog.Logger

	running atomic.Bool
	slots   conc.WaitGroup
	started atomic.Bool

	mu      sync.Mutex
	summary domain.RunSummary
}

// New creates a pool that processes DOIs with runner.
func New(cfg Config, runner Runner, opts ...Option) *Pool {
	cfg.applyDefaults()
	p := &Pool{
		cfg:    cfg,
		runner: runner,
		queue:  NewQueue(),
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With().Str("component", "worker_pool").Logger()
	if p.runID != uuid.Nil {
		p.logger = p.logger.With().Str("run_id", p.runID.String()).Logger()
	}
	return p
}

// Start sets the running flag and launches the slots. ctx bounds queue
// waits only: once it is done the slots stop taking DOIs, and in-flight
// DOIs are still cancelled through the running flag.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.running.Store(true)
	for i := range p.cfg.Slots {
		slot := i + 1
		p.slots.Go(func() {
			p.slot(ctx, slot)
		})
	}
	p.logger.Info().Int("slots", p.cfg.Slots).Msg("worker pool started")
}

// Enqueue adds DOIs to the queue.
func (p *Pool) Enqueue(dois ...string) {
	p.queue.Put(dois...)
	p.metrics.RecordEnqueued(len(dois))
	p.metrics.SetQueueDepth(p.queue.Len())

	p.mu.Lock()
	p.summary.Enqueued += len(dois)
	p.mu.Unlock()
}

// Wait blocks until every enqueued DOI has been processed or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	return p.queue.Join(ctx)
}

// Stop clears the running flag, which cancels in-flight DOIs, and joins
// every slot. It returns the run summary. A slot that panicked outside its
// runner is reported as an error.
func (p *Pool) Stop() (domain.RunSummary, error) {
	p.running.Store(false)

	var err error
	if p.started.Load() {
		if r := p.slots.WaitAndRecover(); r != nil {
			err = fmt.Errorf("worker slot panicked: %w", r.AsError())
			p.logger.Error().Str("stack", string(r.Stack)).Msg("worker slot panicked")
		}
	}

	summary := p.Summary()
	p.logger.Info().
		Int("enqueued", summary.Enqueued).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("cancelled", summary.Cancelled).
		Msg("worker pool stopped")
	return summary, err
}

// Running reports the running flag.
func (p *Pool) Running() bool {
	return p.running.Load()
}

// Summary returns the counts so far.
func (p *Pool) Summary() domain.RunSummary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

// QueueLen returns the number of DOIs waiting.
func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

func (p *Pool) slot(ctx context.Context, slot int) {
	logger := observability.WithSlotContext(p.logger, slot)
	logger.Debug().Msg("slot started")

	for p.running.Load() {
		doi, ok := p.queue.Get(ctx, p.cfg.PollInterval)
		if !ok {
			if ctx.Err() != nil {
				logger.Debug().Msg("slot context done")
				return
			}
			continue
		}
		p.process(ctx, slot, doi, logger)
	}

	logger.Debug().Msg("slot stopped")
}

// process runs one DOI and releases its queue item whatever the outcome.
func (p *Pool) process(ctx context.Context, slot int, doi string, logger zerolog.Logger) {
	defer p.queue.Done()
	p.metrics.SetQueueDepth(p.queue.Len())

	logger = observability.WithDOIContext(logger, doi)
	outcome := domain.Outcome{
		RunID:     p.runID,
		DOI:       doi,
		Slot:      slot,
		StartedAt: time.Now().UTC(),
	}
	p.metrics.RecordDOIStarted()
	logger.Info().Msg("processing")

	err := p.supervise(doi, logger)

	outcome.FinishedAt = time.Now().UTC()
	switch {
	case err == nil:
		outcome.Status = domain.OutcomeSucceeded
		logger.Info().Dur("duration", outcome.Duration()).Msg("succeeded")
	case errors.Is(err, domain.ErrCancelled):
		outcome.Status = domain.OutcomeCancelled
		outcome.Error = err.Error()
		logger.Warn().Dur("duration", outcome.Duration()).Msg("cancelled")
	default:
		outcome.Status = domain.OutcomeFailed
		outcome.Error = err.Error()
		event := logger.Error().Err(err).Dur("duration", outcome.Duration())
		var se *domain.StageError
		if errors.As(err, &se) {
			event = event.Str("stage", string(se.Stage))
		}
		event.Msg("failed")
	}

	p.mu.Lock()
	p.summary.Add(outcome.Status)
	p.mu.Unlock()

	p.metrics.RecordDOIFinished(string(outcome.Status), outcome.Duration().Seconds())
	for _, h := range p.handlers {
		h(ctx, outcome)
	}
}

// supervise runs the DOI in its own goroutine and cancels it when the
// running flag clears. A panic in the runner is converted to a failure.
func (p *Pool) supervise(doi string, logger zerolog.Logger) error {
	unitCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var pc panics.Catcher
		var err error
		pc.Try(func() {
			err = p.runner.Run(unitCtx, doi)
		})
		if r := pc.Recovered(); r != nil {
			logger.Error().Str("stack", string(r.Stack)).Msg("runner panicked")
			parsed, _ := domain.ParseDOI(doi)
			err = domain.NewStageError(parsed, domain.StageIsolation, r.AsError())
		}
		done <- err
	}()

	ticker := time.NewTicker(p.cfg.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-done:
			return err
		case <-ticker.C:
			if p.running.Load() {
				continue
			}
			cancel()
			err := <-done
			if err == nil {
				return nil
			}
			return fmt.Errorf("%w: %w", domain.ErrCancelled, err)
		}
	}
}
