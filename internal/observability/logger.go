package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LoggingConfig contains logger configuration options.
type LoggingConfig struct {
	// Level is the minimum log level (trace, debug, info, warn, error, fatal, panic).
	Level string

	// Format is the output format (json, console, pretty).
	Format string

	// Output is the output destination (stdout, stderr).
	Output string

	// AddSource adds source file and line number to log entries.
	AddSource bool

	// TimeFormat is the time format for timestamps.
	TimeFormat string

	// File, when set, additionally writes JSON log lines to a rotated file.
	File string

	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int

	// Compress gzips rotated files.
	Compress bool
}

// DefaultLoggingConfig returns a LoggingConfig with sensible defaults.
func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:      "info",
		Format:     "console",
		Output:     "stderr",
		AddSource:  false,
		TimeFormat: time.RFC3339,
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// NewLogger creates a new zerolog logger based on configuration. The returned
// closer releases the rotated log file, if any; it is never nil.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer) {
	output, closer := NewWriter(cfg)
	return NewLoggerWithWriter(cfg, output), closer
}

// NewLoggerWithWriter creates a logger writing to output, which is normally
// the writer returned by NewWriter.
func NewLoggerWithWriter(cfg LoggingConfig, output io.Writer) zerolog.Logger {
	logger := zerolog.New(output).With().Timestamp()

	if cfg.AddSource {
		logger = logger.Caller()
	}

	log := logger.Logger()

	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)
	log = log.Level(level)

	return log
}

// NewWriter builds the log destination described by cfg. Loggers that need
// the same destination with extra sinks, such as per-entry log files, wrap
// the returned writer.
func NewWriter(cfg LoggingConfig) (io.Writer, io.Closer) {
	var output io.Writer

	switch strings.ToLower(cfg.Output) {
	case "stdout":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stderr
	}

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	} else {
		zerolog.TimeFieldFormat = time.RFC3339
	}

	if strings.ToLower(cfg.Format) == "console" || strings.ToLower(cfg.Format) == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: zerolog.TimeFieldFormat,
		}
	}

	var closer io.Closer = nopCloser{}
	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = zerolog.MultiLevelWriter(output, rotated)
		closer = rotated
	}

	return output, closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// parseLevel converts a string log level to zerolog.Level.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	case "panic":
		return zerolog.PanicLevel
	default:
		return zerolog.InfoLevel
	}
}

// WithRunContext adds sweep run fields to a logger.
func WithRunContext(logger zerolog.Logger, runID, query string) zerolog.Logger {
	return logger.With().
		Str("run_id", runID).
		Str("query", query).
		Logger()
}

// WithDOIContext adds the DOI being processed to a logger.
func WithDOIContext(logger zerolog.Logger, doi string) zerolog.Logger {
	return logger.With().
		Str("doi", doi).
		Logger()
}

// WithSlotContext adds worker slot fields to a logger.
func WithSlotContext(logger zerolog.Logger, slot int) zerolog.Logger {
	return logger.With().
		Int("slot", slot).
		Logger()
}

// WithStageContext adds the pipeline stage to a logger.
func WithStageContext(logger zerolog.Logger, stage string) zerolog.Logger {
	return logger.With().
		Str("stage", stage).
		Logger()
}

// WithServiceContext adds external service fields to a logger.
func WithServiceContext(logger zerolog.Logger, service, endpoint string) zerolog.Logger {
	return logger.With().
		Str("service", service).
		Str("endpoint", endpoint).
		Logger()
}
