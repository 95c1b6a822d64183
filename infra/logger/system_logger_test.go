package logger

import (
	"bytes"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietConfig(minLevel LogLevel) SystemLoggerConfig {
	return SystemLoggerConfig{
		EnableConsole: false,
		MinLevel:      minLevel,
		Service:       "test-service",
		Version:       "1.0.0",
		Environment:   "test",
	}
}

type captured struct {
	mu      sync.Mutex
	entries []SystemLog
}

func (c *captured) hook(entry SystemLog) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func TestNewSystemLogger(t *testing.T) {
	config := quietConfig(LevelInfo)
	config.EnableOpenSearch = true

	logger := NewSystemLogger(nil, config)

	assert.NotNil(t, logger)
	assert.False(t, logger.enableOpenSearch, "OpenSearch needs a client")
	assert.Equal(t, config.MinLevel, logger.minLevel)
	assert.Equal(t, config.Service, logger.service)
}

func TestSystemLogger_ShouldLog(t *testing.T) {
	tests := []struct {
		name     string
		minLevel LogLevel
		level    LogLevel
		expected bool
	}{
		{name: "debug_level_allows_all", minLevel: LevelDebug, level: LevelDebug, expected: true},
		{name: "info_level_blocks_debug", minLevel: LevelInfo, level: LevelDebug, expected: false},
		{name: "warn_level_allows_error", minLevel: LevelWarn, level: LevelError, expected: true},
		{name: "error_level_blocks_warn", minLevel: LevelError, level: LevelWarn, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewSystemLogger(nil, quietConfig(tt.minLevel))
			assert.Equal(t, tt.expected, logger.shouldLog(tt.level))
		})
	}
}

func TestSystemLogger_ExtractComponent(t *testing.T) {
	logger := NewSystemLogger(nil, quietConfig(LevelDebug))

	tests := []struct {
		name     string
		filePath string
		expected string
	}{
		{name: "nested_package", filePath: "/src/pawguard/infra/waf/engine.go", expected: "infra/waf"},
		{name: "top_package", filePath: "/src/pawguard/handler/auth.go", expected: "handler"},
		{name: "unknown_file", filePath: "/some/other/path/file.go", expected: "path"},
		{name: "single_part", filePath: "file.go", expected: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, logger.extractComponent(tt.filePath))
		})
	}
}

func TestSystemLogger_ErrorDoesNotMutateCallerFields(t *testing.T) {
	logger := NewSystemLogger(nil, quietConfig(LevelDebug))
	c := &captured{}
	logger.AddHook(c.hook)

	fields := map[string]any{"order": "abc"}
	logger.Error("provider failed", errors.New("boom"), LogContext{Fields: fields})

	require.Len(t, c.entries, 1)
	assert.Equal(t, "boom", c.entries[0].Error)
	_, leaked := fields["error"]
	assert.False(t, leaked)
}

func TestSystemLogger_SecurityBypassesLevel(t *testing.T) {
	logger := NewSystemLogger(nil, quietConfig(LevelFatal))
	c := &captured{}
	logger.AddHook(c.hook)

	logger.Warn("filtered out")
	logger.Security("revoked_token_use", SeverityHigh, LogContext{UserID: "u1", IP: "10.0.0.9"})
	logger.Security("waf_block", SeverityMedium)

	require.Len(t, c.entries, 2)
	assert.Equal(t, LevelError, c.entries[0].Level)
	assert.Equal(t, "revoked_token_use", c.entries[0].Event)
	assert.Equal(t, SeverityHigh, c.entries[0].Severity)
	assert.Equal(t, "10.0.0.9", c.entries[0].IP)
	assert.Equal(t, LevelWarn, c.entries[1].Level)
}

func TestSystemLogger_LogToConsole(t *testing.T) {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	config := quietConfig(LevelDebug)
	config.EnableConsole = true
	logger := NewSystemLogger(nil, config)

	logger.Info("Test console message", LogContext{RequestID: "abc"})

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	buf.ReadFrom(r)
	output := buf.String()

	assert.Contains(t, output, "Test console message")
	assert.Contains(t, output, "INFO")
	assert.Contains(t, output, "req_id=abc")
}
