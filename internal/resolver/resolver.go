// Package resolver walks preprint relations from an arbitrary DOI to the
// terminal published version.
//
// Each hop consults two signals in order: the preprint tracker's published
// target, then the metadata record's is-preprint-of relation. The first
// signal that names a target is followed. A DOI with no target is terminal.
// The walk is capped so that cyclic or inconsistent metadata always ends in
// a CycleError.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/crossref"
	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
)

// DefaultMaxDepth is the default hop cap.
const DefaultMaxDepth = 10

// Config configures a Resolver.
type Config struct {
	// MaxDepth is the number of entries the walk may visit. Zero uses
	// DefaultMaxDepth.
	MaxDepth int
}

// Resolver follows preprint relations through the cache.
type Resolver struct {
	cache    *cache.Cache
	records  *Records
	maxDepth int
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

// New creates a Resolver. metrics may be nil.
func New(c *cache.Cache, records *Records, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) *Resolver {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Resolver{
		cache:    c,
		records:  records,
		maxDepth: cfg.MaxDepth,
		metrics:  metrics,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// Cache returns the cache the resolver opens entries in.
func (r *Resolver) Cache() *cache.Cache {
	return r.cache
}

// Records returns the record store the resolver reads through.
func (r *Resolver) Records() *Records {
	return r.records
}

// Resolution is the outcome of a successful walk.
type Resolution struct {
	// Entry is the open cache entry of the terminal DOI. The caller closes it.
	Entry *cache.Entry

	// Preprint is the DOI that led to the terminal one, or the zero DOI when
	// the input was already terminal.
	Preprint domain.DOI

	// Chain lists every DOI visited, input first, terminal last.
	Chain []domain.DOI

	// Published reports whether the terminal metadata carries a print or
	// online publication stamp.
	Published bool
}

// Hops returns the number of relations followed.
func (res *Resolution) Hops() int {
	return len(res.Chain) - 1
}

// Resolve walks from doi to its terminal published version.
func (r *Resolver) Resolve(ctx context.Context, doi domain.DOI) (*Resolution, error) {
	start := time.Now()
	res, err := r.resolve(ctx, doi)
	if err != nil {
		r.metrics.RecordResolutionError(errorKind(err))
		r.metrics.RecordStage(string(domain.StageResolve), observability.ResultFailed)
		return nil, domain.NewStageError(doi, domain.StageResolve, err)
	}

	r.metrics.RecordResolution(res.Hops())
	r.metrics.RecordStage(string(domain.StageResolve), observability.ResultDone)
	r.logger.Debug().
		Str("doi", doi.Stem()).
		Str("terminal", res.Entry.DOI().Stem()).
		Int("hops", res.Hops()).
		Dur("duration", time.Since(start)).
		Msg("resolved")
	return res, nil
}

func (r *Resolver) resolve(ctx context.Context, doi domain.DOI) (*Resolution, error) {
	var preprint domain.DOI
	current := doi
	chain := make([]domain.DOI, 0, 2)

	for range r.maxDepth {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chain = append(chain, current)

		entry, err := r.cache.Entry(current)
		if err != nil {
			return nil, err
		}

		target, record, err := r.successor(ctx, entry)
		if err != nil {
			entry.Logger().Error().Err(err).Msg("resolution failed")
			_ = entry.Close()
			return nil, err
		}

		if target.IsZero() {
			published := record.IsPublished()
			entry.Mark(cache.KeyIsPublished, published)
			entry.Logger().Info().Bool("published", published).Msg("terminal DOI")
			return &Resolution{
				Entry:     entry,
				Preprint:  preprint,
				Chain:     chain,
				Published: published,
			}, nil
		}

		entry.Mark(cache.KeyIsPreprintOf, target.Stem())
		entry.Logger().Info().Str("target", target.Stem()).Msg("preprint of")
		_ = entry.Close()

		preprint = current
		current = target
	}

	return nil, &domain.CycleError{Start: doi, Hops: r.maxDepth, Chain: chain}
}

// successor returns the DOI entry e is a preprint of, or the zero DOI. The
// metadata record is always read when there is no successor.
func (r *Resolver) successor(ctx context.Context, e *cache.Entry) (domain.DOI, *crossref.Record, error) {
	info, err := r.records.PreprintInfo(ctx, e)
	if err != nil {
		return domain.DOI{}, nil, err
	}
	if published := info.PublishedDOI(); published != "" {
		target, err := domain.ParseDOI(published)
		if err != nil {
			return domain.DOI{}, nil, domain.NewMalformedRecordError(e.Path(cache.StemPreprintInfo), err)
		}
		return target, nil, nil
	}

	record, err := r.records.Metadata(ctx, e)
	if err != nil {
		return domain.DOI{}, nil, err
	}
	target, err := relationTarget(e.DOI(), record.PreprintOf())
	if err != nil {
		return domain.DOI{}, nil, err
	}
	return target, record, nil
}

// relationTarget picks the single DOI-typed is-preprint-of target.
func relationTarget(doi domain.DOI, rels []crossref.Relation) (domain.DOI, error) {
	switch len(rels) {
	case 0:
		return domain.DOI{}, nil
	case 1:
	default:
		targets := make([]string, len(rels))
		for i, rel := range rels {
			targets[i] = rel.ID
		}
		return domain.DOI{}, &domain.RelationError{DOI: doi, Reason: "multiple is-preprint-of relations", Targets: targets}
	}

	rel := rels[0]
	if !rel.IsDOI() {
		return domain.DOI{}, &domain.RelationError{
			DOI:     doi,
			Reason:  fmt.Sprintf("unsupported is-preprint-of id-type %q", rel.IDType),
			Targets: []string{rel.ID},
		}
	}
	target, err := domain.ParseDOI(rel.ID)
	if err != nil {
		return domain.DOI{}, &domain.RelationError{DOI: doi, Reason: err.Error(), Targets: []string{rel.ID}}
	}
	return target, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, domain.ErrAmbiguousRelation):
		return "ambiguous"
	case errors.Is(err, domain.ErrResolutionCycle):
		return "cycle"
	default:
		return "other"
	}
}
