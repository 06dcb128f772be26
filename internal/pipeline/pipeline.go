// Package pipeline derives a resolved DOI's artifacts: metadata, PDF,
// structured markup, plain-text extracts and the LLM analysis.
//
// Every step first checks whether its artifact already exists in the cache
// entry and does nothing when it does, so a pipeline can be rerun after a
// crash or on an already complete entry without calling any service.
package pipeline

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/llm"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/pdf"
	"github.com/helixir/doicache/internal/resolver"
)

// Downloader fetches a PDF from a URL.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (*pdf.DownloadResult, error)
}

// Converter turns a PDF into structured markup.
type Converter interface {
	Convert(ctx context.Context, filename string, pdf []byte) ([]byte, error)
}

// PreprintURLs builds the preprint server PDF locations of a DOI.
type PreprintURLs interface {
	PDFURLs(doi domain.DOI, version int) []string
}

// SkipReason explains why a pipeline finished without an analysis.
type SkipReason string

// SkipNotPublished means the terminal DOI has no publication stamp yet.
const SkipNotPublished SkipReason = "not_published"

// Services are the collaborators a Pipeline calls.
type Services struct {
	Resolver     *resolver.Resolver
	Downloader   Downloader
	PreprintURLs PreprintURLs
	// Fallback is consulted when every metadata link fails. Nil disables it.
	Fallback  pdf.Resolver
	Converter Converter
	Analyzer  llm.Analyzer
}

// Pipeline runs the artifact steps for one DOI at a time. It holds no
// per-DOI state and is safe for concurrent use.
type Pipeline struct {
	services Services
	records  *resolver.Records
	prompt   string
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// New creates a Pipeline that analyzes with prompt. metrics may be nil.
func New(services Services, prompt string, metrics *observability.Metrics, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		services: services,
		records:  services.Resolver.Records(),
		prompt:   prompt,
		metrics:  metrics,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Result describes a finished pipeline run.
type Result struct {
	// DOI is the input DOI.
	DOI domain.DOI
	// Terminal is the published version the input resolved to.
	Terminal domain.DOI
	// Preprint is the DOI that led to Terminal, if any.
	Preprint domain.DOI
	// Dir is the terminal cache entry directory.
	Dir string
	// Published reports the terminal DOI's publication state.
	Published bool
	// Analyzed is true when the analysis artifact exists.
	Analyzed bool
	// Skipped is set when the analysis was not attempted.
	Skipped SkipReason
	// AnalysisPath is the analysis artifact path when Analyzed.
	AnalysisPath string
	// Duration is the wall time of the run.
	Duration time.Duration
}

// Process resolves doi and runs every step on its terminal entry. Errors
// are *domain.StageError values naming the failed step.
func (p *Pipeline) Process(ctx context.Context, doi domain.DOI) (*Result, error) {
	start := time.Now()

	res, err := p.services.Resolver.Resolve(ctx, doi)
	if err != nil {
		return nil, err
	}
	defer res.Entry.Close()

	result := &Result{
		DOI:       doi,
		Terminal:  res.Entry.DOI(),
		Preprint:  res.Preprint,
		Dir:       res.Entry.Dir(),
		Published: res.Published,
	}

	if err := p.run(ctx, res, result); err != nil {
		res.Entry.Logger().Error().Err(err).Msg("pipeline failed")
		return nil, err
	}

	result.Duration = time.Since(start)
	event := res.Entry.Logger().Info().Dur("duration", result.Duration).Bool("analyzed", result.Analyzed)
	if result.Skipped != "" {
		event = event.Str("skipped", string(result.Skipped))
	}
	event.Msg("pipeline finished")
	return result, nil
}

func (p *Pipeline) run(ctx context.Context, res *resolver.Resolution, result *Result) error {
	e := res.Entry

	if err := p.step(e, domain.StageMetadata, func() (bool, error) {
		existed := e.Exists(cache.StemMetadata)
		_, err := p.records.Metadata(ctx, e)
		return !existed, err
	}); err != nil {
		return err
	}

	if err := p.step(e, domain.StageDownload, func() (bool, error) {
		return p.ensurePDF(ctx, e, res.Preprint)
	}); err != nil {
		return err
	}

	if err := p.step(e, domain.StageConvert, func() (bool, error) {
		return p.ensureTEI(ctx, e)
	}); err != nil {
		return err
	}

	if err := p.step(e, domain.StageExtract, func() (bool, error) {
		return p.ensureText(e)
	}); err != nil {
		return err
	}

	if !res.Published {
		p.metrics.RecordStage(string(domain.StageAnalyze), observability.ResultSkipped)
		e.Logger().Info().Msg("not published, skipping analysis")
		result.Skipped = SkipNotPublished
		return nil
	}

	if err := p.step(e, domain.StageAnalyze, func() (bool, error) {
		return p.ensureAnalysis(ctx, e)
	}); err != nil {
		return err
	}
	result.Analyzed = true
	result.AnalysisPath = e.Path(cache.StemAnalysis)
	return nil
}

// step runs fn, which reports whether it produced anything, and records the
// outcome against stage.
func (p *Pipeline) step(e *cache.Entry, stage domain.Stage, fn func() (bool, error)) error {
	logger := observability.WithStageContext(*e.Logger(), string(stage))

	did, err := fn()
	if err != nil {
		p.metrics.RecordStage(string(stage), observability.ResultFailed)
		return domain.NewStageError(e.DOI(), stage, err)
	}
	if did {
		p.metrics.RecordStage(string(stage), observability.ResultDone)
		logger.Debug().Msg("stage done")
	} else {
		p.metrics.RecordStage(string(stage), observability.ResultSkipped)
		logger.Debug().Msg("stage already complete")
	}
	return nil
}
