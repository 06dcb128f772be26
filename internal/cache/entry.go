package cache

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/helixir/doicache/internal/domain"
	"github.com/helixir/doicache/internal/kvstore"
)

// Status ledger keys.
const (
	KeyCreatedAt               = "created_at"
	KeyVersion                 = "__version__"
	KeyPDFDownloaded           = "pdf_downloaded"
	KeyPDFConverted            = "pdf_converted"
	KeyTextBodyExtracted       = "text_body_extracted"
	KeyTextAuthorsExtracted    = "text_authors_extracted"
	KeyTextReferencesExtracted = "text_references_extracted"
	KeyArticleAnalyzed         = "article_analyzed"
	KeyIsPublished             = "is_published"
	KeyIsPreprintOf            = "is_preprint_of"
)

// Entry is the directory and artifact set of one DOI.
type Entry struct {
	doi     domain.DOI
	dir     string
	status  *kvstore.Store
	logFile *os.File
	logger  zerolog.Logger
}

// openStatus opens the ledger and stamps a new one. A ledger that cannot be
// opened is logged and left unset; the ledger is telemetry only.
func (e *Entry) openStatus(version string) error {
	status, err := kvstore.Open(e.Path(StemStatus))
	if err != nil {
		e.logger.Warn().Err(err).Msg("status ledger unavailable")
		return nil
	}
	e.status = status

	err = status.Update(func(data map[string]json.RawMessage) error {
		if _, ok := data[KeyCreatedAt]; ok {
			return nil
		}
		created, err := json.Marshal(time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			return err
		}
		stamp, err := json.Marshal(version)
		if err != nil {
			return err
		}
		data[KeyCreatedAt] = created
		data[KeyVersion] = stamp
		return nil
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to stamp status ledger")
	}
	return nil
}

// DOI returns the entry's DOI.
func (e *Entry) DOI() domain.DOI {
	return e.doi
}

// Dir returns the entry directory.
func (e *Entry) Dir() string {
	return e.dir
}

// Logger returns the entry logger, which writes to process.log and to the
// cache's process-level output.
func (e *Entry) Logger() *zerolog.Logger {
	return &e.logger
}

// Status returns the status ledger, or nil when it could not be opened.
func (e *Entry) Status() *kvstore.Store {
	return e.status
}

// Path returns the full path of the artifact named by stem.
func (e *Entry) Path(stem string) string {
	return filepath.Join(e.dir, FormatFilename(e.doi, stem))
}

// Exists reports whether the artifact named by stem is present. A symbolic
// reference whose target is missing does not count.
func (e *Entry) Exists(stem string) bool {
	_, err := os.Stat(e.Path(stem))
	return err == nil
}

// Mark records a ledger value. Failures are logged and never returned.
func (e *Entry) Mark(key string, value any) {
	if e.status == nil {
		return
	}
	if err := e.status.Set(key, value); err != nil {
		e.logger.Warn().Err(err).Str("key", key).Msg("failed to update status ledger")
	}
}

// ReadArtifact returns the bytes of the artifact named by stem.
func (e *Entry) ReadArtifact(stem string) ([]byte, error) {
	path := e.Path(stem)
	data, err := os.ReadFile(path)
	if err != nil {
		if isNotExist(err) {
			return nil, domain.NewNotFoundError("artifact", path)
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

// ReadJSON decodes the artifact named by stem into dst.
func (e *Entry) ReadJSON(stem string, dst any) error {
	data, err := e.ReadArtifact(stem)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.NewMalformedRecordError(e.Path(stem), err)
	}
	return nil
}

// WriteArtifact atomically writes data as the artifact named by stem.
func (e *Entry) WriteArtifact(stem string, data []byte) error {
	path := e.Path(stem)
	if err := renameio.WriteFile(path, data, kvstore.FilePerm, renameio.WithTempDir(e.dir)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// WriteJSON atomically writes v as indented JSON.
func (e *Entry) WriteJSON(stem string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode %s: %w", stem, err)
	}
	return e.WriteArtifact(stem, data)
}

// WriteArtifactFrom streams r into the artifact named by stem. When check is
// non-nil it is called with the fully written temporary file before the
// rename; a check error discards the temporary file and leaves no artifact.
func (e *Entry) WriteArtifactFrom(stem string, r io.Reader, check func(tmpPath string) error) (int64, error) {
	path := e.Path(stem)
	pending, err := renameio.NewPendingFile(path, renameio.WithTempDir(e.dir), renameio.WithPermissions(kvstore.FilePerm))
	if err != nil {
		return 0, fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer func() { _ = pending.Cleanup() }()

	n, err := io.Copy(pending, r)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", path, err)
	}
	if err := pending.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", path, err)
	}
	if check != nil {
		if err := check(pending.Name()); err != nil {
			return n, err
		}
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return n, fmt.Errorf("commit %s: %w", path, err)
	}
	return n, nil
}

// Remove deletes the artifact named by stem. A missing artifact is not an
// error.
func (e *Entry) Remove(stem string) error {
	if err := os.Remove(e.Path(stem)); err != nil && !isNotExist(err) {
		return fmt.Errorf("remove %s: %w", e.Path(stem), err)
	}
	return nil
}

// Link makes the artifact named by stem a relative symbolic reference to
// target, which usually lives in another entry.
func (e *Entry) Link(stem, target string) error {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", target, err)
	}
	absDir, err := filepath.Abs(e.dir)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", e.dir, err)
	}
	rel, err := filepath.Rel(absDir, absTarget)
	if err != nil {
		return fmt.Errorf("relative path to %s: %w", target, err)
	}
	path := e.Path(stem)
	if err := renameio.Symlink(rel, path); err != nil {
		return fmt.Errorf("link %s -> %s: %w", path, rel, err)
	}
	return nil
}

// Close releases the entry's log file.
func (e *Entry) Close() error {
	if e.logFile == nil {
		return nil
	}
	err := e.logFile.Close()
	e.logFile = nil
	return err
}
