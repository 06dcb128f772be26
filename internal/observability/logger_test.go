package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLoggingConfig(t *testing.T) {
	cfg := DefaultLoggingConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "console", cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.False(t, cfg.AddSource)
	assert.Empty(t, cfg.File)
}

func TestNewLogger(t *testing.T) {
	t.Run("creates logger with default config", func(t *testing.T) {
		logger, closer := NewLogger(DefaultLoggingConfig())
		require.NotNil(t, closer)
		assert.NoError(t, closer.Close())
		assert.NotEqual(t, zerolog.Logger{}, logger)
	})

	t.Run("creates logger with json format on stdout", func(t *testing.T) {
		logger, closer := NewLogger(LoggingConfig{Level: "debug", Format: "json", Output: "stdout"})
		defer closer.Close()
		assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
	})

	t.Run("tees to rotated file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "process_dois.log")
		logger, closer := NewLogger(LoggingConfig{
			Level:     "info",
			Format:    "json",
			Output:    "stderr",
			File:      path,
			MaxSizeMB: 1,
		})
		logger.Info().Str("doi", "10.1101/x").Msg("worker started")
		require.NoError(t, closer.Close())

		raw, err := os.ReadFile(path)
		require.NoError(t, err)

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(raw))), &entry))
		assert.Equal(t, "worker started", entry["message"])
		assert.Equal(t, "10.1101/x", entry["doi"])
	})

	t.Run("writes to a supplied writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf)
		logger.Debug().Msg("dropped")
		logger.Info().Msg("kept")

		assert.NotContains(t, buf.String(), "dropped")
		assert.Contains(t, buf.String(), `"message":"kept"`)
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"DEBUG", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"fatal", zerolog.FatalLevel},
		{"panic", zerolog.PanicLevel},
		{"unknown", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.input))
		})
	}
}

func TestLoggerContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	enriched := WithRunContext(logger, "run-1", "gatk")
	enriched = WithSlotContext(enriched, 2)
	enriched = WithDOIContext(enriched, "10.1101/2022.04.21.488948")
	enriched = WithStageContext(enriched, "download")
	enriched = WithServiceContext(enriched, "crossref", "works")
	enriched.Info().Msg("chained context")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))

	assert.Equal(t, "run-1", logEntry["run_id"])
	assert.Equal(t, "gatk", logEntry["query"])
	assert.Equal(t, float64(2), logEntry["slot"])
	assert.Equal(t, "10.1101/2022.04.21.488948", logEntry["doi"])
	assert.Equal(t, "download", logEntry["stage"])
	assert.Equal(t, "crossref", logEntry["service"])
	assert.Equal(t, "works", logEntry["endpoint"])
}
