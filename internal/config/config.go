package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/titanous/json5"
)

// Config is the root configuration for the WebForge server.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Database  DatabaseConfig  `json:"database"`
	Sandbox   SandboxConfig   `json:"sandbox"`
	Agent     AgentConfig     `json:"agent"`
	Provider  ProviderConfig  `json:"provider"`
	Events    EventsConfig    `json:"events"`
	Telemetry TelemetryConfig `json:"telemetry,omitempty"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	RateLimitRPM int    `json:"rate_limit_rpm"` // per-user create-message limit
}

// AuthConfig configures token issuance. The secret comes from env only.
type AuthConfig struct {
	SecretKey      string `json:"-"` // WEBFORGE_SECRET_KEY
	TokenAlgorithm string `json:"token_algorithm"`
	TokenTTLMin    int    `json:"token_ttl_min"`
}

// DatabaseConfig selects the durable store backend.
// URL is read from env WEBFORGE_DATABASE_URL when set (secret for postgres).
type DatabaseConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	URL    string `json:"url,omitempty"`
}

// SandboxConfig configures the per-session file sandbox.
type SandboxConfig struct {
	BaseDir          string `json:"base_dir"`
	MaxSandboxSizeMB int    `json:"max_sandbox_size_mb"`
	MaxFileSizeMB    int    `json:"max_file_size_mb"`
}

// AgentConfig configures the execution loop.
type AgentConfig struct {
	Enabled                bool   `json:"enabled"`
	MaxIterations          int    `json:"max_iterations"`
	StreamingReasoning     bool   `json:"streaming_reasoning"`
	ToolTimeoutSeconds     int    `json:"tool_timeout_seconds"`
	BashTimeoutSeconds     int    `json:"bash_timeout_seconds"`
	MaxToolCallsPerMessage int    `json:"max_tool_calls_per_message"`
	MaxUserInputLength     int    `json:"max_user_input_length"`
	MaxHistoryMessages     int    `json:"max_history_messages"`
	TruncationEnabled      bool   `json:"truncation_enabled"`
	TruncationWarning      string `json:"truncation_warning"`
}

// ProviderConfig configures the chat-completion provider.
// The API key comes from env WEBFORGE_DEEPSEEK_API_KEY only.
type ProviderConfig struct {
	BaseURL       string `json:"base_url"`
	APIKey        string `json:"-"`
	Model         string `json:"model"`
	ReasonerModel string `json:"reasoner_model"`
}

// EventsConfig configures the per-session live event queues.
type EventsConfig struct {
	QueueSize        int `json:"queue_size"`
	HeartbeatSeconds int `json:"heartbeat_seconds"`
}

// TelemetryConfig configures OpenTelemetry trace export.
// When disabled, a no-op tracer is installed.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled,omitempty"`
	Endpoint    string `json:"endpoint,omitempty"` // OTLP HTTP endpoint, e.g. "localhost:4318"
	ServiceName string `json:"service_name,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			RateLimitRPM: 20,
		},
		Auth: AuthConfig{
			TokenAlgorithm: "HS256",
			TokenTTLMin:    30,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			URL:    "webforge.db",
		},
		Sandbox: SandboxConfig{
			BaseDir:          "./sandboxes",
			MaxSandboxSizeMB: 100,
			MaxFileSizeMB:    1,
		},
		Agent: AgentConfig{
			Enabled:                true,
			MaxIterations:          100,
			StreamingReasoning:     true,
			ToolTimeoutSeconds:     30,
			BashTimeoutSeconds:     30,
			MaxToolCallsPerMessage: 20,
			MaxUserInputLength:     10000,
			MaxHistoryMessages:     20,
			TruncationEnabled:      true,
			TruncationWarning:      "...(消息已截取)",
		},
		Provider: ProviderConfig{
			BaseURL:       "https://api.deepseek.com",
			Model:         "deepseek-chat",
			ReasonerModel: "deepseek-reasoner",
		},
		Events: EventsConfig{
			QueueSize:        100,
			HeartbeatSeconds: 15,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "webforge",
		},
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file is not an error; defaults plus env apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// fall through to env overrides
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides overlays WEBFORGE_* environment variables.
// The secret key and API key are env-only; the database URL may also come
// from the config file, and a non-empty env value replaces it.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("WEBFORGE_SECRET_KEY"); v != "" {
		c.Auth.SecretKey = v
	}
	if v := os.Getenv("WEBFORGE_DEEPSEEK_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("WEBFORGE_DEEPSEEK_BASE_URL"); v != "" {
		c.Provider.BaseURL = v
	}
	if v := os.Getenv("WEBFORGE_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("WEBFORGE_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("WEBFORGE_SANDBOX_DIR"); v != "" {
		c.Sandbox.BaseDir = v
	}
	if v := os.Getenv("WEBFORGE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("WEBFORGE_AGENT_ENABLED"); v != "" {
		c.Agent.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("WEBFORGE_OTEL_ENDPOINT"); v != "" {
		c.Telemetry.Enabled = true
		c.Telemetry.Endpoint = v
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be \"sqlite\" or \"postgres\", got %q", c.Database.Driver)
	}
	if c.Agent.MaxIterations <= 0 {
		return fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations)
	}
	if c.Sandbox.MaxFileSizeMB <= 0 || c.Sandbox.MaxSandboxSizeMB <= 0 {
		return fmt.Errorf("sandbox size limits must be positive")
	}
	if c.Events.QueueSize <= 0 {
		return fmt.Errorf("events.queue_size must be positive, got %d", c.Events.QueueSize)
	}
	return nil
}

// ExpandHome expands a leading ~ in a path.
func ExpandHome(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
