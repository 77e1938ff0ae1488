package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 60, cfg.RateLimitMessages)
	assert.Equal(t, 60*time.Second, cfg.RateLimitWindow)
	assert.Equal(t, 100, cfg.HistoryLimit)
	assert.Equal(t, 5*time.Second, cfg.MatchTolerance)
	assert.Equal(t, 30*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("MATCH_TOLERANCE", "2s")
	t.Setenv("CONFIRM_TIMEOUT", "45s")
	t.Setenv("CHAT_GATEWAY_URL", "ws://gateway:9999/ws/chat")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.MatchTolerance)
	assert.Equal(t, 45*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, "ws://gateway:9999/ws/chat", cfg.GatewayURL)
}

func TestLoadWithPrefix(t *testing.T) {
	t.Setenv("ENGINE_LOG_LEVEL", "debug")

	cfg, err := LoadWithPrefix("ENGINE")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadPrompts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.yaml")
	raw := `prompts:
  - title: Summarize
    text: Summarize this document
  - title: Explain
    text: Explain this code
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	prompts, err := LoadPrompts(path)
	require.NoError(t, err)
	require.Len(t, prompts, 2)
	assert.Equal(t, "Summarize", prompts[0].Title)
	assert.Equal(t, "Explain this code", prompts[1].Text)
}

func TestLoadPrompts_MissingFileIsEmpty(t *testing.T) {
	prompts, err := LoadPrompts(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.NoError(t, err)
	assert.Empty(t, prompts)
}

func TestLoadPrompts_EmptyPath(t *testing.T) {
	prompts, err := LoadPrompts("")
	assert.NoError(t, err)
	assert.Nil(t, prompts)
}

func TestLoadPrompts_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("prompts: {not: [valid"), 0o644))

	_, err := LoadPrompts(path)
	assert.Error(t, err)
}
