package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/tacit/internal/config"
)

func TestNewLogger_DefaultConfig(t *testing.T) {
	logger, err := NewLogger(NewDefaultConfig(), nil)
	require.NoError(t, err)
	require.NotNil(t, logger.Underlying())

	assert.True(t, logger.Enabled(zapcore.InfoLevel))
	assert.False(t, logger.Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad format", func(c *Config) { c.Format = "xml" }},
		{"bad level", func(c *Config) { c.Level = "loud" }},
		{"no outputs", func(c *Config) { c.Output = OutputConfig{} }},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }},
		{"empty field value", func(c *Config) { c.Fields = map[string]string{"service": ""} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			_, err := NewLogger(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	lvl, err := LevelFromString("trace")
	require.NoError(t, err)
	assert.Equal(t, TraceLevel, lvl)

	lvl, err = LevelFromString("warn")
	require.NoError(t, err)
	assert.Equal(t, zapcore.WarnLevel, lvl)

	_, err = LevelFromString("shouting")
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := WithRepo(context.Background(), "acme/widgets")
	ctx = WithRunID(ctx, 7)
	ctx = WithRequestID(ctx, "req-1")

	tl := NewTestLogger()
	tl.Info(ctx, "phase complete", zap.Int("rules", 3))

	tl.AssertLogged(t, zapcore.InfoLevel, "phase complete")
	tl.AssertField(t, "phase complete", "repo", "acme/widgets")
	tl.AssertField(t, "phase complete", "run_id", int64(7))
	tl.AssertField(t, "phase complete", "request.id", "req-1")
	tl.AssertField(t, "phase complete", "rules", int64(3))
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, ContextFields(context.Background()))
	_, ok := RunIDFromContext(context.Background())
	assert.False(t, ok)
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()).Underlying())

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "from context")
	tl.AssertLogged(t, zapcore.WarnLevel, "from context")
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	var buf bytes.Buffer
	core := zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.DebugLevel)
	logger := zap.New(core).With(zap.String("api_key", "sk-live-123"))

	logger.Info("calling host",
		zap.String("github_token", "ghp_abcdefghijklmnopqrstuvwxyz"),
		zap.String("header", "Bearer abc.def"),
		zap.String("repo", "acme/widgets"),
		Secret("webhook", config.Secret("hunter2")),
	)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))

	assert.Equal(t, "[REDACTED]", entry["api_key"])
	assert.Equal(t, "[REDACTED]", entry["github_token"])
	assert.Equal(t, "[REDACTED:pattern]", entry["header"])
	assert.Equal(t, "acme/widgets", entry["repo"])
	assert.Equal(t, "[REDACTED:7]", entry["webhook"])
	assert.NotContains(t, buf.String(), "sk-live-123")
	assert.NotContains(t, buf.String(), "hunter2")
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{})
	require.NoError(t, err)

	var buf bytes.Buffer
	zap.New(zapcore.NewCore(enc, zapcore.AddSync(&buf), zapcore.InfoLevel)).
		Info("plain", zap.String("token", "visible"))
	assert.Contains(t, buf.String(), "visible")
}

func TestSampledCore_ErrorsNeverSampled(t *testing.T) {
	var buf bytes.Buffer
	base := zapcore.NewCore(newEncoder("json"), zapcore.AddSync(&buf), zapcore.DebugLevel)
	core := newSampledCore(base, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(1e9),
		Initial:    1,
		Thereafter: 0,
	})
	logger := zap.New(core)

	for i := 0; i < 5; i++ {
		logger.Error("persistent failure")
		logger.Info("noisy")
	}

	assert.Equal(t, 5, bytes.Count(buf.Bytes(), []byte("persistent failure")))
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte("noisy")))
}
