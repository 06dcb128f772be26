// Package cache maps DOIs to deterministic on-disk directories and manages
// the artifacts and status ledger stored in them.
//
// Layout under the cache root:
//
//	<root>/<prefix>/<suffix with / replaced by _>/
//	    <prefix>_<suffix>_xref.json
//	    <prefix>_<suffix>_preprint_info.json
//	    <prefix>_<suffix>.pdf
//	    <prefix>_<suffix>.tei.xml
//	    <prefix>_<suffix>_body.txt
//	    <prefix>_<suffix>_authors.txt
//	    <prefix>_<suffix>_references.txt
//	    <prefix>_<suffix>_analysis.json
//	    <prefix>_<suffix>_status.json
//	    process.log
//
// Every artifact is written through a temporary file in the entry directory
// that is synced and renamed over the final name, so an artifact is either
// absent or complete.
package cache

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/helixir/doicache/internal/domain"
)

// Artifact stems. Stems starting with "." are glued to the identifier;
// the others are joined with an underscore.
const (
	StemMetadata     = "xref.json"
	StemPreprintInfo = "preprint_info.json"
	StemPDF          = ".pdf"
	StemTEI          = ".tei.xml"
	StemBody         = "body.txt"
	StemAuthors      = "authors.txt"
	StemReferences   = "references.txt"
	StemAnalysis     = "analysis.json"
	StemStatus       = "status.json"
)

// LogFileName is the per-entry human-readable log.
const LogFileName = "process.log"

// DefaultRoot is the cache root used when none is configured.
const DefaultRoot = "./doi-cache"

// DirPerm is the permission of entry directories.
const DirPerm fs.FileMode = 0o755

// FormatFilename applies the artifact naming convention to stem.
func FormatFilename(doi domain.DOI, stem string) string {
	base := doi.Prefix() + "_" + doi.FlatSuffix()
	if strings.HasPrefix(stem, ".") {
		return base + stem
	}
	return base + "_" + stem
}

// Cache is a content-addressed artifact cache rooted at one directory.
// It is safe for concurrent use; entries for different DOIs never share files.
type Cache struct {
	root      string
	version   string
	logOutput io.Writer
}

// Option configures a Cache.
type Option func(*Cache)

// WithVersion sets the tool version stamped into new status ledgers.
func WithVersion(version string) Option {
	return func(c *Cache) {
		c.version = version
	}
}

// WithLogOutput sets the process-level destination that entry loggers tee to
// in addition to their process.log file.
func WithLogOutput(w io.Writer) Option {
	return func(c *Cache) {
		if w != nil {
			c.logOutput = w
		}
	}
}

// New creates a cache rooted at root, creating the directory if needed.
func New(root string, opts ...Option) (*Cache, error) {
	if root == "" {
		root = DefaultRoot
	}
	c := &Cache{
		root:      root,
		version:   "dev",
		logOutput: io.Discard,
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := os.MkdirAll(root, DirPerm); err != nil {
		return nil, fmt.Errorf("create cache root %s: %w", root, err)
	}
	return c, nil
}

// Root returns the cache root directory.
func (c *Cache) Root() string {
	return c.root
}

// Version returns the version stamped into new ledgers.
func (c *Cache) Version() string {
	return c.version
}

// Dir returns the entry directory for doi without touching the filesystem.
func (c *Cache) Dir(doi domain.DOI) string {
	return filepath.Join(c.root, doi.Prefix(), doi.FlatSuffix())
}

// Locate returns the entry directory for doi, creating it and its parents
// when absent. Concurrent callers racing on the same DOI all succeed.
func (c *Cache) Locate(doi domain.DOI) (string, error) {
	if doi.IsZero() {
		return "", domain.NewValidationError("doi", "must not be empty")
	}
	dir := c.Dir(doi)
	if err := os.MkdirAll(dir, DirPerm); err != nil {
		return "", fmt.Errorf("create cache entry %s: %w", dir, err)
	}
	return dir, nil
}

// Entry opens the cache entry for doi. The first open records the creation
// time and tool version in the status ledger. Callers must Close the entry
// to release its log file.
func (c *Cache) Entry(doi domain.DOI) (*Entry, error) {
	dir, err := c.Locate(doi)
	if err != nil {
		return nil, err
	}

	logFile, err := os.OpenFile(filepath.Join(dir, LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open entry log: %w", err)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(c.logOutput, logFile)).
		Level(zerolog.GlobalLevel()).
		With().
		Timestamp().
		Str("doi", doi.Stem()).
		Logger()

	e := &Entry{
		doi:     doi,
		dir:     dir,
		logFile: logFile,
		logger:  logger,
	}

	if err := e.openStatus(c.version); err != nil {
		_ = logFile.Close()
		return nil, err
	}

	e.logger.Debug().Str("dir", dir).Msg("opened cache entry")
	return e, nil
}

// isNotExist reports whether err means a missing file.
func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}
