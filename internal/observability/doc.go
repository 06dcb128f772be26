// Package observability provides logging, metrics, and context helpers for
// the DOI cache.
//
// # Logging
//
// Create a logger from configuration:
//
//	logger, closer := observability.NewLogger(observability.LoggingConfig{
//	    Level:  "info",
//	    Format: "console",
//	    Output: "stderr",
//	    File:   "doi-cache/process_dois.log",
//	})
//	defer closer.Close()
//
// When File is set every entry is also written as a JSON line to a file
// rotated by size. Per-DOI logs live beside the cached artifacts and are
// owned by the cache package.
//
// Add run and DOI context to a logger:
//
//	logger = observability.WithRunContext(logger, runID, query)
//	logger = observability.WithDOIContext(logger, doi.Stem())
//
// # Metrics
//
//	metrics := observability.NewMetrics("doicache")
//	metrics.RecordEnqueued(len(dois))
//	metrics.RecordStage("download", observability.ResultDone)
//
// A nil *Metrics records nothing, so components accept it optionally.
//
// # Standard Fields
//
//   - run_id: sweep run identifier
//   - query: discovery search query
//   - slot: worker slot index
//   - doi: bare DOI stem
//   - stage: pipeline stage (resolve, metadata, download, convert, extract, analyze)
//   - service: external service name (crossref, biorxiv, unpaywall, grobid, llm)
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
