package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string, perm os.FileMode) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), perm))
	return path
}

func TestLoadWithFile_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadWithFile(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 8420, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "noop", cfg.Agent.Provider)
	assert.Equal(t, 3, cfg.Extraction.Concurrency)
	assert.Equal(t, 10, cfg.Extraction.MaxItems)
	assert.InDelta(t, 0.85, cfg.Extraction.AutoApproveThreshold, 1e-9)
	assert.Equal(t, 10*time.Second, cfg.Similarity.Timeout.Duration())
	assert.True(t, cfg.Redaction.Enabled)
	assert.True(t, cfg.Events.Embedded)
}

func TestLoadWithFile_ValidYAML(t *testing.T) {
	path := writeConfig(t, `server:
  port: 9191
  shutdown_timeout: 3s
store:
  path: /tmp/tacit-test.db
agent:
  provider: anthropic
  api_key: sk-test
  max_turns: 5
extraction:
  concurrency: 2
redaction:
  enabled: false
`, 0600)

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout.Duration())
	assert.Equal(t, "/tmp/tacit-test.db", cfg.Store.Path)
	assert.Equal(t, "anthropic", cfg.Agent.Provider)
	assert.Equal(t, "sk-test", cfg.Agent.APIKey.Value())
	assert.Equal(t, 5, cfg.Agent.MaxTurns)
	assert.Equal(t, 2, cfg.Extraction.Concurrency)
	assert.False(t, cfg.Redaction.Enabled)
	assert.True(t, cfg.Events.Embedded, "unset bools keep their defaults")
}

func TestLoadWithFile_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n", 0600)
	t.Setenv("TACIT_SERVER_PORT", "9292")
	t.Setenv("TACIT_EXTRACTION_MAX_ITEMS", "4")
	t.Setenv("TACIT_GITHUB_WEBHOOK_SECRET", "hook-secret")

	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	assert.Equal(t, 9292, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Extraction.MaxItems)
	assert.Equal(t, "hook-secret", cfg.GitHub.WebhookSecret.Value())
}

func TestLoadWithFile_RejectsInsecurePermissions(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9191\n", 0644)

	_, err := LoadWithFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insecure config file permissions")
}

func TestLoadWithFile_InvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad provider", "agent:\n  provider: magic\n", "unknown agent provider"},
		{"missing key", "agent:\n  provider: openai\n", "requires an api key"},
		{"bad comparer", "similarity:\n  comparer: vibes\n", "unknown similarity comparer"},
		{"threshold range", "extraction:\n  duplicate_threshold: 1.5\n", "duplicate_threshold"},
		{"port range", "server:\n  port: 70000\n", "invalid server port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadWithFile(writeConfig(t, tt.content, 0600))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfig_UnmarshalSection(t *testing.T) {
	path := writeConfig(t, "logging:\n  format: console\n", 0600)
	cfg, err := LoadWithFile(path)
	require.NoError(t, err)

	out := struct {
		Format string `koanf:"format"`
		Level  string `koanf:"level"`
	}{Format: "json", Level: "info"}
	require.NoError(t, cfg.Unmarshal("logging", &out))

	assert.Equal(t, "console", out.Format)
	assert.Equal(t, "info", out.Level, "absent keys keep the pre-populated value")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "server.port", envKey("TACIT_SERVER_PORT"))
	assert.Equal(t, "agent.api_key", envKey("TACIT_AGENT_API_KEY"))
	assert.Equal(t, "store", envKey("TACIT_STORE"))
}
