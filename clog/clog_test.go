package clog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readJSONLines 读取 JSON 日志文件，每行一条
func readJSONLines(t *testing.T, file string) []map[string]interface{} {
	t.Helper()

	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()

	var logs []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry), "invalid json line: %s", line)
		logs = append(logs, entry)
	}
	require.NoError(t, scanner.Err())
	return logs
}

func newFileLogger(t *testing.T, level string, opts ...Option) (Logger, string) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "app.log")
	logger, err := New(context.Background(), &Config{
		Level:     level,
		Format:    "json",
		Output:    file,
		AddSource: true,
	}, opts...)
	require.NoError(t, err)
	return logger, file
}

func TestGetDefaultConfig(t *testing.T) {
	dev := GetDefaultConfig("development")
	assert.Equal(t, "debug", dev.Level)
	assert.Equal(t, "console", dev.Format)
	assert.True(t, dev.EnableColor)

	prod := GetDefaultConfig("production")
	assert.Equal(t, "info", prod.Level)
	assert.Equal(t, "json", prod.Format)
	assert.False(t, prod.EnableColor)

	require.NoError(t, dev.Validate())
	require.NoError(t, prod.Validate())
	require.NoError(t, GetDefaultConfig("test").Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		config *Config
		errMsg string
	}{
		{"nil config", nil, "cannot be nil"},
		{"bad level", &Config{Level: "verbose", Format: "json", Output: "stdout"}, "invalid log level"},
		{"bad format", &Config{Level: "info", Format: "xml", Output: "stdout"}, "invalid log format"},
		{"empty output", &Config{Level: "info", Format: "json"}, "output cannot be empty"},
		{"negative rotation", &Config{Level: "info", Format: "json", Output: "a.log",
			Rotation: &RotationConfig{MaxSize: -1}}, "maxSize cannot be negative"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)

			_, err = New(context.Background(), tt.config)
			require.Error(t, err)
		})
	}
}

func TestLoggerLevelsAndFields(t *testing.T) {
	logger, file := newFileLogger(t, "info")

	logger.Debug("hidden")
	logger.Info("fields test",
		String("string", "hello"),
		Int("int", 42),
		Bool("bool", true),
		Duration("duration", 5*time.Second),
		Err(errors.New("boom")),
	)
	logger.Warn("warn msg")
	logger.Error("error msg")

	logs := readJSONLines(t, file)
	require.Len(t, logs, 3)

	first := logs[0]
	assert.Equal(t, "fields test", first["msg"])
	assert.Equal(t, "hello", first["string"])
	assert.Equal(t, float64(42), first["int"])
	assert.Equal(t, true, first["bool"])
	assert.Equal(t, "5s", first["duration"])
	assert.Equal(t, "boom", first["error"])
	assert.Equal(t, "warn", logs[1]["level"])
	assert.Equal(t, "error", logs[2]["level"])
}

func TestLoggerNamespace(t *testing.T) {
	logger, file := newFileLogger(t, "debug", WithNamespace("root"))

	logger.Namespace("a").Namespace("b").Info("nested")
	logger.With(String("namespace", "ignored"), String("k", "v")).Info("with")

	logs := readJSONLines(t, file)
	require.Len(t, logs, 2)
	assert.Equal(t, "root.a.b", logs[0]["namespace"])
	assert.Equal(t, "root", logs[1]["namespace"])
	assert.Equal(t, "v", logs[1]["k"])
}

func TestLoggerCaller(t *testing.T) {
	logger, file := newFileLogger(t, "info")
	logger.Info("caller test")

	logs := readJSONLines(t, file)
	require.Len(t, logs, 1)
	caller, ok := logs[0]["caller"].(string)
	require.True(t, ok)
	assert.Contains(t, caller, "clog_test.go")
}

func TestInitAndTraceID(t *testing.T) {
	file := filepath.Join(t.TempDir(), "global.log")
	require.NoError(t, Init(context.Background(), &Config{Level: "info", Format: "json", Output: file}))
	defer func() {
		_ = Init(context.Background(), GetDefaultConfig("test"))
	}()

	ctx := WithTraceID(context.Background(), "trace-123")
	id, ok := TraceID(ctx)
	require.True(t, ok)
	assert.Equal(t, "trace-123", id)

	WithContext(ctx).Info("traced")
	Namespace("pkg").Info("namespaced")
	Info("plain")

	logs := readJSONLines(t, file)
	require.Len(t, logs, 3)
	assert.Equal(t, "trace-123", logs[0]["trace_id"])
	assert.Equal(t, "pkg", logs[1]["namespace"])
	_, hasTrace := logs[2]["trace_id"]
	assert.False(t, hasTrace)
}

func TestRotationOutput(t *testing.T) {
	file := filepath.Join(t.TempDir(), "nested", "rotate.log")
	logger, err := New(context.Background(), &Config{
		Level:  "info",
		Format: "json",
		Output: file,
		Rotation: &RotationConfig{
			MaxSize:    1,
			MaxBackups: 2,
			MaxAge:     1,
		},
	})
	require.NoError(t, err)

	logger.Info("rotation log", Int("i", 1))

	logs := readJSONLines(t, file)
	require.Len(t, logs, 1)
	assert.Equal(t, "rotation log", logs[0]["msg"])
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	logger.Info("dropped")
	logger.Namespace("x").With(String("k", "v")).Error("dropped")
}
