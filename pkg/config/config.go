// Package config loads agentd configuration from YAML with AGENTD_* environment
// overrides, and manages the encrypted secrets file that holds provider API keys.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agentd/pkg/logx"
)

// Project layout constants.
const (
	ProjectConfigDir      = ".agentd"
	ProjectConfigFilename = "config.yaml"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderOllama    = "ollama"
	ProviderGoogle    = "google"
)

// Environment variables consulted for provider credentials.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// Permission modes accepted in permissions.default_mode.
const (
	ModeAsk      = "ask"
	ModeAutoSafe = "auto_safe"
	ModeBypass   = "bypass"
)

// Workspace modes.
const (
	WorkspaceModeDir      = "dir"
	WorkspaceModeWorktree = "worktree"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// LLMConfig selects and tunes the AI backend.
type LLMConfig struct {
	Provider         string  `yaml:"provider"`
	Model            string  `yaml:"model"`
	MaxTokens        int     `yaml:"max_tokens"`
	Temperature      float64 `yaml:"temperature"`
	BaseURL          string  `yaml:"base_url,omitempty"`
	APIKey           string  `yaml:"api_key,omitempty"`
	MaxContextTokens int     `yaml:"max_context_tokens"`
}

// RetryConfig is the AI-call retry policy. Backoff is linear: BaseDelay × retry number.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
}

// TasksConfig bounds task execution.
type TasksConfig struct {
	Timeout       time.Duration `yaml:"timeout"`
	MaxIterations int           `yaml:"max_iterations"`
	UseTools      bool          `yaml:"use_tools"`
}

// SandboxConfig holds tool limits.
type SandboxConfig struct {
	BashTimeout    time.Duration `yaml:"bash_timeout"`
	ViewLimit      int           `yaml:"view_limit"`
	MaxGlobResults int           `yaml:"max_glob_results"`
}

// PermissionsConfig configures the permission gate.
type PermissionsConfig struct {
	DefaultMode  string   `yaml:"default_mode"`
	AllowBypass  bool     `yaml:"allow_bypass"`
	DenyCommands []string `yaml:"deny_commands"`
}

// ReaperConfig controls inactive-agent cleanup.
type ReaperConfig struct {
	Interval            time.Duration `yaml:"interval"`
	InactivityThreshold time.Duration `yaml:"inactivity_threshold"`
}

// WorkspaceConfig selects how agent workspaces are allocated.
type WorkspaceConfig struct {
	Mode string `yaml:"mode"`
	Root string `yaml:"root"`
	Repo string `yaml:"repo,omitempty"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// EventsConfig configures event sinks. Empty NATSURL disables NATS forwarding and
// empty LogDir disables the JSONL event log.
type EventsConfig struct {
	NATSURL       string `yaml:"nats_url,omitempty"`
	SubjectPrefix string `yaml:"nats_subject_prefix"`
	LogDir        string `yaml:"log_dir,omitempty"`
}

type SkillsConfig struct {
	Dir          string `yaml:"dir"`
	CacheMaxCost int64  `yaml:"cache_max_cost"`
}

// TelemetryConfig configures OTLP tracing. Empty OTLPEndpoint disables export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint,omitempty"`
	ServiceName  string `yaml:"service_name"`
}

// Config is the complete agentd configuration.
type Config struct {
	LLM           LLMConfig         `yaml:"llm"`
	Retry         RetryConfig       `yaml:"retry"`
	Tasks         TasksConfig       `yaml:"tasks"`
	Sandbox       SandboxConfig     `yaml:"sandbox"`
	Permissions   PermissionsConfig `yaml:"permissions"`
	Reaper        ReaperConfig      `yaml:"reaper"`
	Workspace     WorkspaceConfig   `yaml:"workspace"`
	Database      DatabaseConfig    `yaml:"database"`
	Server        ServerConfig      `yaml:"server"`
	Events        EventsConfig      `yaml:"events"`
	Skills        SkillsConfig      `yaml:"skills"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	PrometheusURL string            `yaml:"prometheus_url,omitempty"`
}

//nolint:gochecknoglobals // package logger
var logger = logx.NewLogger("config")

// Default returns a config populated with every default value.
func Default() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:         ProviderAnthropic,
			Model:            "claude-sonnet-4-5",
			MaxTokens:        8192,
			Temperature:      0.2,
			MaxContextTokens: 150000,
		},
		Retry: RetryConfig{MaxAttempts: 3, BaseDelay: time.Second},
		Tasks: TasksConfig{Timeout: 30 * time.Minute, MaxIterations: 20, UseTools: true},
		Sandbox: SandboxConfig{
			BashTimeout:    120 * time.Second,
			ViewLimit:      200,
			MaxGlobResults: 1000,
		},
		Permissions: PermissionsConfig{
			DefaultMode:  ModeAsk,
			DenyCommands: []string{"rm -rf /", "mkfs", ":(){ :|:& };:"},
		},
		Reaper: ReaperConfig{Interval: time.Hour, InactivityThreshold: 24 * time.Hour},
		Workspace: WorkspaceConfig{
			Mode: WorkspaceModeDir,
			Root: filepath.Join(ProjectConfigDir, "workspaces"),
		},
		Database: DatabaseConfig{Path: filepath.Join(ProjectConfigDir, "agentd.db")},
		Server:   ServerConfig{Addr: ":8080", MetricsPath: "/metrics"},
		Events: EventsConfig{
			SubjectPrefix: "agentd",
			LogDir:        filepath.Join(ProjectConfigDir, "events"),
		},
		Skills:    SkillsConfig{Dir: "skills", CacheMaxCost: 16 << 20},
		Telemetry: TelemetryConfig{ServiceName: "agentd"},
	}
}

// DefaultPath returns <projectDir>/.agentd/config.yaml.
func DefaultPath(projectDir string) string {
	return filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)
}

// Load reads the YAML file at path on top of Default, applies AGENTD_* overrides,
// and validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		logger.Info("📝 Config file %s not found, using defaults", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating the parent directory.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderAnthropic, ProviderOpenAI, ProviderOllama, ProviderGoogle:
	default:
		return fmt.Errorf("%w: unknown llm.provider %q", ErrInvalidConfig, c.LLM.Provider)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("%w: llm.model is required", ErrInvalidConfig)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("%w: llm.max_tokens must be positive", ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry.max_attempts must be positive", ErrInvalidConfig)
	}
	if c.Retry.BaseDelay < 0 {
		return fmt.Errorf("%w: retry.base_delay must not be negative", ErrInvalidConfig)
	}
	if c.Tasks.Timeout <= 0 {
		return fmt.Errorf("%w: tasks.timeout must be positive", ErrInvalidConfig)
	}
	if c.Tasks.MaxIterations <= 0 {
		return fmt.Errorf("%w: tasks.max_iterations must be positive", ErrInvalidConfig)
	}
	if c.Sandbox.BashTimeout <= 0 {
		return fmt.Errorf("%w: sandbox.bash_timeout must be positive", ErrInvalidConfig)
	}
	if c.Reaper.Interval <= 0 || c.Reaper.InactivityThreshold <= 0 {
		return fmt.Errorf("%w: reaper durations must be positive", ErrInvalidConfig)
	}
	switch c.Permissions.DefaultMode {
	case ModeAsk, ModeAutoSafe, ModeBypass:
	default:
		return fmt.Errorf("%w: unknown permissions.default_mode %q", ErrInvalidConfig, c.Permissions.DefaultMode)
	}
	switch c.Workspace.Mode {
	case WorkspaceModeDir:
	case WorkspaceModeWorktree:
		if strings.TrimSpace(c.Workspace.Repo) == "" {
			return fmt.Errorf("%w: workspace.repo is required in worktree mode", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown workspace.mode %q", ErrInvalidConfig, c.Workspace.Mode)
	}
	return nil
}

// GetAPIKey returns the credential for provider. Lookup order is the provider's
// environment variable, then the decrypted secrets file, then llm.api_key.
// For Ollama it returns the host URL instead.
func GetAPIKey(cfg *Config, provider string) (string, error) {
	var envVar string
	switch provider {
	case ProviderAnthropic:
		envVar = EnvAnthropicAPIKey
	case ProviderOpenAI:
		envVar = EnvOpenAIAPIKey
	case ProviderGoogle:
		envVar = EnvGoogleAPIKey
	case ProviderOllama:
		if host := os.Getenv(EnvOllamaHost); host != "" {
			return host, nil
		}
		if cfg != nil && cfg.LLM.BaseURL != "" {
			return cfg.LLM.BaseURL, nil
		}
		return "http://localhost:11434", nil
	default:
		return "", fmt.Errorf("unknown provider: %s", provider)
	}

	if key, err := GetSecret(envVar); err == nil && key != "" {
		return key, nil
	}
	if cfg != nil && cfg.LLM.APIKey != "" {
		return cfg.LLM.APIKey, nil
	}
	return "", fmt.Errorf("API key not found: %s not set in environment, secrets file, or config", envVar)
}
