// Package config defines the server configuration model, YAML loading, and
// the startup device profile.
package config

import (
	"fmt"
	"os"
	"time"
)

// Backend types understood by the provider registry.
const (
	BackendOpenAICompatible = "openai_compatible"
	BackendOllama           = "ollama"
	BackendAnthropic        = "anthropic"
	BackendVision           = "vision"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig              `yaml:"server"`
	Backends   map[string]*BackendConfig `yaml:"backends"`
	Classifier ClassifierConfig          `yaml:"classifier"`
	Memory     MemoryConfig              `yaml:"memory"`
	Telemetry  TelemetryConfig           `yaml:"telemetry"`
	Logging    LoggingConfig             `yaml:"logging"`
	Workspace  WorkspaceConfig           `yaml:"workspace"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// BackendConfig describes one LLM backend endpoint. TextModel names the
// companion text-only model a vision backend uses for imageless
// requests; other backend types ignore it.
type BackendConfig struct {
	Type        string  `yaml:"type"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	TextModel   string  `yaml:"text_model"`
	APIKeyEnv   string  `yaml:"api_key_env"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
	TimeoutSec  int     `yaml:"timeout_seconds"`
}

// APIKey resolves the backend's API key from the environment. Empty when no
// key is configured or set.
func (b *BackendConfig) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

// Timeout returns the request timeout as a duration.
func (b *BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSec) * time.Second
}

// ClassifierConfig controls the routing keyword table.
type ClassifierConfig struct {
	// KeywordsFile overrides the built-in keyword table. Optional.
	KeywordsFile string `yaml:"keywords_file"`
	// Watch reloads the keyword table when the file changes.
	Watch bool `yaml:"watch"`
}

// MemoryConfig controls conversation persistence.
type MemoryConfig struct {
	Dir            string `yaml:"dir"`
	SessionTTLHrs  int    `yaml:"session_ttl_hours"`
	CleanupMinutes int    `yaml:"cleanup_interval_minutes"`
}

// TelemetryConfig controls the execution log and observability.
type TelemetryConfig struct {
	Database string `yaml:"database"`
	Observe  bool   `yaml:"observe"`
}

// LoggingConfig controls slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// WorkspaceConfig declares the project root that file tools are confined to.
type WorkspaceConfig struct {
	ProjectRoot string `yaml:"project_root"`
}

// SetDefaults fills in zero values.
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Backends == nil {
		c.Backends = DefaultBackends()
	} else {
		for name, def := range DefaultBackends() {
			if _, ok := c.Backends[name]; !ok {
				c.Backends[name] = def
			}
		}
	}
	for _, b := range c.Backends {
		b.setDefaults()
	}
	if c.Memory.Dir == "" {
		c.Memory.Dir = "memory"
	}
	if c.Memory.SessionTTLHrs == 0 {
		c.Memory.SessionTTLHrs = 24
	}
	if c.Memory.CleanupMinutes == 0 {
		c.Memory.CleanupMinutes = 60
	}
	if c.Telemetry.Database == "" {
		c.Telemetry.Database = "memory/evaluation.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Workspace.ProjectRoot == "" {
		if wd, err := os.Getwd(); err == nil {
			c.Workspace.ProjectRoot = wd
		} else {
			c.Workspace.ProjectRoot = "."
		}
	}
}

func (b *BackendConfig) setDefaults() {
	if b.TimeoutSec == 0 {
		b.TimeoutSec = 120
	}
	if b.MaxTokens == 0 {
		b.MaxTokens = 4096
	}
	if b.Temperature == 0 {
		b.Temperature = 0.7
	}
}

// Validate checks configuration consistency.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	for name, b := range c.Backends {
		switch b.Type {
		case BackendOpenAICompatible, BackendOllama, BackendAnthropic, BackendVision:
		default:
			return fmt.Errorf("backend %s: unknown type %q", name, b.Type)
		}
		if b.BaseURL == "" {
			return fmt.Errorf("backend %s: base_url is required", name)
		}
	}
	for _, required := range []string{"local", "ollama", "anthropic", "vision_local", "vision_cloud"} {
		if _, ok := c.Backends[required]; !ok {
			return fmt.Errorf("backend %s: missing", required)
		}
	}
	if c.Classifier.KeywordsFile != "" {
		if _, err := os.Stat(c.Classifier.KeywordsFile); err != nil {
			return fmt.Errorf("classifier: keywords file: %w", err)
		}
	}
	return nil
}

// DefaultBackends returns the built-in backend topology: two local
// llama.cpp endpoints, an Ollama daemon, and two cloud APIs.
func DefaultBackends() map[string]*BackendConfig {
	return map[string]*BackendConfig{
		"local": {
			Type:    BackendOpenAICompatible,
			BaseURL: "http://127.0.0.1:8000/v1",
			Model:   "local",
		},
		"vision_local": {
			Type:    BackendOpenAICompatible,
			BaseURL: "http://127.0.0.1:8001/v1",
			Model:   "vision",
		},
		"ollama": {
			Type:    BackendOllama,
			BaseURL: "http://127.0.0.1:11434",
			Model:   "llama3.2",
		},
		"anthropic": {
			Type:      BackendAnthropic,
			BaseURL:   "https://api.anthropic.com",
			Model:     "claude-sonnet-4-20250514",
			APIKeyEnv: "ANTHROPIC_API_KEY",
		},
		"vision_cloud": {
			Type:      BackendVision,
			BaseURL:   "https://api.groq.com/openai/v1",
			Model:     "llama-3.2-11b-vision-preview",
			TextModel: "llama-3.3-70b-versatile",
			APIKeyEnv: "GROQ_API_KEY",
		},
	}
}
