package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in    string
		level LogLevel
		ok    bool
	}{
		{"trace", LevelTrace, true},
		{"DEBUG", LevelDebug, true},
		{" info ", LevelInfo, true},
		{"warning", LevelWarn, true},
		{"error", LevelError, true},
		{"off", LevelNone, true},
		{"", LevelInfo, false},
		{"loud", LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			level, ok := ParseLevel(tt.in)
			assert.Equal(t, tt.level, level)
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestGetLevelFromEnv(t *testing.T) {
	t.Setenv(LevelEnv, "warn")
	assert.Equal(t, LevelWarn, GetLevelFromEnv())
	t.Setenv(LevelEnv, "bogus")
	assert.Equal(t, LevelInfo, GetLevelFromEnv())
}

func TestConsoleLoggerFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLoggerWithWriter(&buf, LevelDebug, false)
	log.WithPrefix("[cache]").With(map[string]interface{}{"cache": "workouts"}).Warn("backend down: %s", "timeout")
	log.Trace("hidden")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, "\n"))
	assert.Contains(t, out, "[WARN]  [cache] backend down: timeout")
	assert.Contains(t, out, `{"cache":"workouts"}`)
	assert.NotContains(t, out, "\033[")
}

func TestConsoleLoggerWithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	root := NewConsoleLoggerWithWriter(&buf, LevelInfo, false)
	root.With(map[string]interface{}{"a": 1})
	root.Info("plain")
	assert.NotContains(t, buf.String(), `"a"`)
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLoggerWithSink(&buf, LevelInfo).(*jsonLogger)
	ts := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	log.now = func() time.Time { return ts }

	log.With(map[string]interface{}{"component": "cache", "key": "user:42"}).Error("failed %d times", 3)
	log.Debug("skipped")

	var entry JSONLogEntry
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "failed 3 times", entry.Message)
	assert.Equal(t, "ERROR", entry.Severity)
	assert.Equal(t, "cache", entry.Component)
	assert.Equal(t, "user:42", entry.Metadata["key"])
	assert.True(t, entry.Timestamp.Equal(ts))
}

func TestJSONLoggerWithContextTrace(t *testing.T) {
	var buf bytes.Buffer
	log := NewJSONLoggerWithSink(&buf, LevelInfo)
	tid, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	sid, _ := trace.SpanIDFromHex("0102030405060708")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID: tid,
		SpanID:  sid,
	}))
	log.WithContext(ctx).Info("hello")
	assert.Contains(t, buf.String(), "0102030405060708090a0b0c0d0e0f10")
}

func TestTestLogger(t *testing.T) {
	log := NewTestLogger()
	child := log.With(map[string]interface{}{"cache": "recipes"})
	child.Warn("cache get failed: %v", "boom")
	log.Info("ok")

	assert.Len(t, log.Logs(), 2)
	warns := log.Severity("WARNING")
	require.Len(t, warns, 1)
	assert.Equal(t, "recipes", warns[0].Metadata["cache"])
	assert.True(t, log.Contains("failed: boom"))
	assert.False(t, log.Contains("nope"))
}
