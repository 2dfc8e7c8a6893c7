package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/josephch/aamp-go/internal/config"
)

func testLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

func TestNewLoggerWithWriter_RedactsSensitiveFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	logger.Info("acquiring license",
		slog.String("license", "https://license.example.com/acquire?token=abc123"),
		slog.String("keyid", "deadbeef"),
		slog.String("cookie", "session=secret"),
	)

	out := buf.String()
	assert.NotContains(t, out, "deadbeef")
	assert.NotContains(t, out, "session=secret")
}

func TestNewLoggerWithWriter_RedactsURLQueryParams(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	logger.Info("fetching fragment",
		slog.String("url", "http://cdn.example.com/seg.ts?license=xyz&keyid=abcd&bandwidth=5000000"),
	)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	url, _ := entry["url"].(string)
	assert.NotContains(t, url, "xyz")
	assert.NotContains(t, url, "abcd")
	assert.Contains(t, url, "bandwidth=5000000")
}

func TestNewLoggerWithWriter_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	cfg := testLoggingConfig()
	cfg.Format = "text"
	logger := NewLoggerWithWriter(cfg, &buf)

	logger.Info("hello")
	assert.True(t, strings.Contains(buf.String(), "hello"))
}

func TestSetLogLevel_ChangesGlobalLevel(t *testing.T) {
	SetLogLevel("debug")
	assert.Equal(t, "debug", GetLogLevel())

	SetLogLevel("trace")
	assert.Equal(t, "trace", GetLogLevel())

	SetLogLevel("info")
	assert.Equal(t, "info", GetLogLevel())
}

func TestWithComponentAndOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	logger = WithComponent(logger, "drm")
	logger = WithOperation(logger, "acquire_key")
	logger.Info("state transition")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "drm", entry["component"])
	assert.Equal(t, "acquire_key", entry["operation"])
}

func TestWithError_NilIsNoop(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	logger = WithError(logger, nil)
	logger.Info("no error here")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, hasError := entry["error"]
	assert.False(t, hasError)
}

func TestWithError_SetsErrorField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	logger = WithError(logger, errors.New("boom"))
	logger.Info("failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "boom", entry["error"])
}

func TestLoggerContext_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	ctx := ContextWithLogger(context.Background(), logger)
	got := LoggerFromContext(ctx)
	assert.Same(t, logger, got)

	ctx = ContextWithRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	ctx = ContextWithCorrelationID(ctx, "corr-1")
	assert.Equal(t, "corr-1", CorrelationIDFromContext(ctx))
}

func TestTimedOperationWithError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(testLoggingConfig(), &buf)

	var err error
	done := TimedOperationWithError(context.Background(), logger, "acquire_key", &err)
	err = errors.New("license server unreachable")
	done()

	out := buf.String()
	assert.Contains(t, out, "operation failed")
	assert.Contains(t, out, "license server unreachable")
}
