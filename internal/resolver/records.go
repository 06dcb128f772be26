package resolver

import (
	"context"
	"fmt"

	"github.com/helixir/doicache/internal/cache"
	"github.com/helixir/doicache/internal/crossref"
	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/papersources/biorxiv"
)

// MetadataSource looks up the remote metadata record of a DOI.
type MetadataSource interface {
	Lookup(ctx context.Context, doi domain.DOI) ([]byte, error)
}

// PreprintTracker looks up the preprint tracker record of a DOI. An unknown
// DOI yields an empty JSON array, not an error.
type PreprintTracker interface {
	Details(ctx context.Context, doi domain.DOI) ([]byte, error)
}

// Records reads an entry's remote records from its cache directory, fetching
// and persisting each one the first time it is needed. The on-disk copy is
// authoritative afterwards: a record is never refetched while its file
// exists, and a corrupt file is reported rather than replaced.
type Records struct {
	metadata MetadataSource
	tracker  PreprintTracker
}

// NewRecords creates a Records over the given services.
func NewRecords(metadata MetadataSource, tracker PreprintTracker) *Records {
	return &Records{metadata: metadata, tracker: tracker}
}

// Metadata returns the entry's metadata record.
func (r *Records) Metadata(ctx context.Context, e *cache.Entry) (*crossref.Record, error) {
	data, err := r.load(ctx, e, cache.StemMetadata, r.metadata.Lookup)
	if err != nil {
		return nil, err
	}
	record, err := crossref.ParseRecord(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Path(cache.StemMetadata), err)
	}
	return record, nil
}

// PreprintInfo returns the entry's preprint tracker record. The record is
// persisted even when empty so the tracker is consulted once per DOI.
func (r *Records) PreprintInfo(ctx context.Context, e *cache.Entry) (biorxiv.Info, error) {
	data, err := r.load(ctx, e, cache.StemPreprintInfo, r.tracker.Details)
	if err != nil {
		return nil, err
	}
	info, err := biorxiv.ParseInfo(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.Path(cache.StemPreprintInfo), err)
	}
	return info, nil
}

func (r *Records) load(ctx context.Context, e *cache.Entry, stem string, fetch func(context.Context, domain.DOI) ([]byte, error)) ([]byte, error) {
	if e.Exists(stem) {
		return e.ReadArtifact(stem)
	}

	logger := e.Logger()
	logger.Info().Str("artifact", stem).Msg("fetching record")

	data, err := fetch(ctx, e.DOI())
	if err != nil {
		return nil, err
	}
	if err := e.WriteArtifact(stem, data); err != nil {
		return nil, err
	}

	logger.Info().Str("path", e.Path(stem)).Msg("record saved")
	return data, nil
}
