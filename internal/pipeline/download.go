package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/observability"
	"github.com/helixir/doicache/internal/pdf"
)

// PDF download strategies, in the order they are tried.
const (
	StrategyLinks    = "links"
	StrategyFallback = "fallback"
	StrategyPreprint = "preprint"
)

// errNoCandidates means a strategy had nothing to try.
var errNoCandidates = errors.New("no candidate links")

// ensurePDF makes sure e holds a valid PDF. An existing PDF that fails
// validation, such as one truncated by an interrupted run, is removed and
// downloaded again. preprint, when set, is the entry whose PDF may be
// borrowed as a last resort.
func (p *Pipeline) ensurePDF(ctx context.Context, e *cache.Entry, preprint domain.DOI) (bool, error) {
	logger := e.Logger()

	if e.Exists(cache.StemPDF) {
		err := pdf.ValidateFile(e.Path(cache.StemPDF))
		if err == nil {
			return false, nil
		}
		logger.Warn().Err(err).Msg("cached PDF is invalid, downloading again")
		if err := e.Remove(cache.StemPDF); err != nil {
			return false, err
		}
	}

	var errs []error
	strategies := []struct {
		name string
		fn   func() error
	}{
		{StrategyLinks, func() error { return p.downloadLinks(ctx, e) }},
		{StrategyFallback, func() error { return p.downloadFallback(ctx, e) }},
		{StrategyPreprint, func() error { return p.borrowPreprint(ctx, e, preprint) }},
	}

	for _, s := range strategies {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		err := s.fn()
		if err == nil {
			p.metrics.RecordPDFAttempt(s.name, observability.ResultDone)
			logger.Info().Str("strategy", s.name).Msg("PDF downloaded")
			e.Mark(cache.KeyPDFDownloaded, true)
			return true, nil
		}
		if errors.Is(err, errNoCandidates) {
			p.metrics.RecordPDFAttempt(s.name, observability.ResultSkipped)
		} else {
			p.metrics.RecordPDFAttempt(s.name, observability.ResultFailed)
		}
		logger.Warn().Err(err).Str("strategy", s.name).Msg("PDF strategy failed")
		errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
	}

	return false, fmt.Errorf("%w: %w", domain.ErrDownloadExhausted, errors.Join(errs...))
}

// downloadLinks tries the ranked metadata links of a published entry, or the
// preprint server locations of an unpublished one.
func (p *Pipeline) downloadLinks(ctx context.Context, e *cache.Entry) error {
	urls, err := p.candidateURLs(ctx, e)
	if err != nil {
		return err
	}
	if len(urls) == 0 {
		return errNoCandidates
	}

	var errs []error
	for _, u := range urls {
		if err := p.downloadTo(ctx, e, u); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			e.Logger().Debug().Err(err).Str("url", u).Msg("link failed")
			errs = append(errs, err)
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

func (p *Pipeline) candidateURLs(ctx context.Context, e *cache.Entry) ([]string, error) {
	record, err := p.records.Metadata(ctx, e)
	if err != nil {
		return nil, err
	}

	if record.IsPublished() {
		links := pdf.RankLinks(record.Links())
		urls := make([]string, 0, len(links))
		for _, l := range links {
			if l.URL != "" {
				urls = append(urls, l.URL)
			}
		}
		return urls, nil
	}

	info, err := p.records.PreprintInfo(ctx, e)
	if err != nil {
		return nil, err
	}
	return p.services.PreprintURLs.PDFURLs(e.DOI(), info.LatestVersion()), nil
}

// downloadFallback asks the fallback resolver for an open-access copy.
func (p *Pipeline) downloadFallback(ctx context.Context, e *cache.Entry) error {
	if p.services.Fallback == nil {
		return errNoCandidates
	}
	found, err := p.services.Fallback.Resolve(ctx, e.DOI())
	if err != nil {
		return err
	}
	if !found.Found {
		return errNoCandidates
	}
	return p.downloadTo(ctx, e, found.URL)
}

// borrowPreprint ensures the preprint entry has a PDF and links to it.
func (p *Pipeline) borrowPreprint(ctx context.Context, e *cache.Entry, preprint domain.DOI) error {
	if preprint.IsZero() {
		return errNoCandidates
	}

	c, err := p.services.Resolver.Cache().Entry(preprint)
	if err != nil {
		return err
	}
	defer c.Close()

	c.Logger().Info().Str("for", e.DOI().Stem()).Msg("providing PDF for published version")
	if _, err := p.ensurePDF(ctx, c, domain.DOI{}); err != nil {
		return err
	}
	return e.Link(cache.StemPDF, c.Path(cache.StemPDF))
}

// downloadTo downloads rawURL and stores it as e's PDF if it validates.
func (p *Pipeline) downloadTo(ctx context.Context, e *cache.Entry, rawURL string) error {
	result, err := p.services.Downloader.Download(ctx, rawURL)
	if err != nil {
		return err
	}
	if _, err := e.WriteArtifactFrom(cache.StemPDF, bytes.NewReader(result.Content), pdf.ValidateFile); err != nil {
		return fmt.Errorf("%s: %w", rawURL, err)
	}
	e.Logger().Info().
		Str("url", result.URL).
		Int64("size", result.SizeBytes).
		Str("sha256", result.ContentHash).
		Msg("PDF saved")
	return nil
}
