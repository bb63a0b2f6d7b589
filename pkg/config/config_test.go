package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 30*time.Minute, cfg.Tasks.Timeout)
	assert.Equal(t, 20, cfg.Tasks.MaxIterations)
	assert.Equal(t, 120*time.Second, cfg.Sandbox.BashTimeout)
	assert.Equal(t, ModeAsk, cfg.Permissions.DefaultMode)
	assert.False(t, cfg.Permissions.AllowBypass)
	assert.Equal(t, time.Hour, cfg.Reaper.Interval)
	assert.Equal(t, 24*time.Hour, cfg.Reaper.InactivityThreshold)
}

func TestLoadYAMLOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlDoc := `
llm:
  provider: ollama
  model: qwen2.5-coder
retry:
  base_delay: 250ms
permissions:
  default_mode: auto_safe
`
	require.NoError(t, os.WriteFile(path, []byte(yamlDoc), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ProviderOllama, cfg.LLM.Provider)
	assert.Equal(t, "qwen2.5-coder", cfg.LLM.Model)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, ModeAutoSafe, cfg.Permissions.DefaultMode)
	assert.Equal(t, 8192, cfg.LLM.MaxTokens)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_LLM_MODEL", "gpt-5")
	t.Setenv("AGENTD_LLM_PROVIDER", "openai")
	t.Setenv("AGENTD_RETRY_MAX_ATTEMPTS", "5")
	t.Setenv("AGENTD_TASKS_TIMEOUT", "90s")
	t.Setenv("AGENTD_PERMISSIONS_ALLOW_BYPASS", "true")
	t.Setenv("AGENTD_PERMISSIONS_DENY_COMMANDS", "shutdown, reboot")
	t.Setenv("AGENTD_LLM_TEMPERATURE", "0.7")
	t.Setenv("AGENTD_SANDBOX_VIEW_LIMIT", "not-a-number")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", cfg.LLM.Model)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, 5, cfg.Retry.MaxAttempts)
	assert.Equal(t, 90*time.Second, cfg.Tasks.Timeout)
	assert.True(t, cfg.Permissions.AllowBypass)
	assert.Equal(t, []string{"shutdown", "reboot"}, cfg.Permissions.DenyCommands)
	assert.InDelta(t, 0.7, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, 200, cfg.Sandbox.ViewLimit)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown provider", func(c *Config) { c.LLM.Provider = "bard" }},
		{"zero attempts", func(c *Config) { c.Retry.MaxAttempts = 0 }},
		{"negative delay", func(c *Config) { c.Retry.BaseDelay = -time.Second }},
		{"zero timeout", func(c *Config) { c.Tasks.Timeout = 0 }},
		{"zero iterations", func(c *Config) { c.Tasks.MaxIterations = 0 }},
		{"unknown mode", func(c *Config) { c.Permissions.DefaultMode = "yolo" }},
		{"worktree without repo", func(c *Config) { c.Workspace.Mode = WorkspaceModeWorktree }},
		{"zero reaper interval", func(c *Config) { c.Reaper.Interval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := DefaultPath(t.TempDir())
	cfg := Default()
	cfg.LLM.Model = "gemini-2.5-pro"
	cfg.LLM.Provider = ProviderGoogle
	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.LLM, loaded.LLM)
	assert.Equal(t, cfg.Reaper, loaded.Reaper)
}

func TestGetAPIKeyOrder(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "from-config"
	t.Setenv(EnvAnthropicAPIKey, "")
	SetDecryptedSecrets(nil)

	key, err := GetAPIKey(cfg, ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "from-config", key)

	SetDecryptedSecrets(map[string]string{EnvAnthropicAPIKey: "from-secrets"})
	t.Cleanup(func() { SetDecryptedSecrets(nil) })
	key, err = GetAPIKey(cfg, ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "from-secrets", key)

	t.Setenv(EnvAnthropicAPIKey, "from-env")
	key, err = GetAPIKey(cfg, ProviderAnthropic)
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)

	_, err = GetAPIKey(cfg, "bard")
	require.Error(t, err)
}

func TestGetAPIKeyOllamaHost(t *testing.T) {
	t.Setenv(EnvOllamaHost, "")
	cfg := Default()
	host, err := GetAPIKey(cfg, ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:11434", host)

	cfg.LLM.BaseURL = "http://gpu-box:11434"
	host, err = GetAPIKey(cfg, ProviderOllama)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", host)
}
