// Package config loads the daemon's configuration surface (spec §6): per
// provider credentials, default model, Agent Loop limits, sandbox policy,
// and the ambient server/logging settings.
package config

import "time"

// Config is the root configuration structure.
type Config struct {
	Version   int                 `yaml:"version"`
	Server    ServerConfig        `yaml:"server"`
	Database  DatabaseConfig      `yaml:"database"`
	Providers map[string]Provider `yaml:"providers"`
	Defaults  DefaultsConfig      `yaml:"defaults"`
	Limits    LimitsConfig        `yaml:"limits"`
	Paths     PathsConfig         `yaml:"paths"`
	Sandbox   SandboxConfig       `yaml:"sandbox"`
	Logging   LoggingConfig       `yaml:"logging"`
	Tracing   TracingConfig       `yaml:"tracing"`
}

// ServerConfig configures the daemon's HTTP, WebSocket, and IPC surfaces.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
	IPCSocket   string `yaml:"ipc_socket"`
}

// DatabaseConfig configures the Conversation Store's durable backend.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// Provider holds one LLM provider's credentials and endpoint override.
// Omitting APIKey disables the provider entirely.
type Provider struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	// Legacy selects the legacy function-calling wire format for
	// OpenAI-compatible endpoints that predate native tool calls.
	Legacy bool `yaml:"legacy"`
}

// DefaultsConfig supplies fallbacks used when a Work omits a field.
type DefaultsConfig struct {
	Model    string `yaml:"model"`
	Provider string `yaml:"provider"`
}

// LimitsConfig bounds the Agent Loop and Tool Executor (spec §6).
type LimitsConfig struct {
	MaxIterations      int           `yaml:"max_iterations"`
	TurnDeadline       time.Duration `yaml:"turn_deadline_secs"`
	ReadFileMaxBytes   int64         `yaml:"read_file_max_bytes"`
	BashDefaultTimeout time.Duration `yaml:"bash_default_timeout_secs"`
	SQLiteBusyTimeout  time.Duration `yaml:"sqlite_busy_timeout_secs"`
}

// PathsConfig configures where new projects are created/scanned.
type PathsConfig struct {
	ProjectsDefault string `yaml:"projects_default"`
	WorktreesRoot   string `yaml:"worktrees_root"`
}

// SandboxConfig configures the Path Sandbox.
type SandboxConfig struct {
	FollowSymlinks bool `yaml:"follow_symlinks"`
}

// LoggingConfig configures the slog-based logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OpenTelemetry span export. An empty Endpoint
// disables tracing; NewTracer still returns a working no-op tracer.
type TracingConfig struct {
	Endpoint       string  `yaml:"otlp_endpoint"`
	ServiceName    string  `yaml:"service_name"`
	Environment    string  `yaml:"environment"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"insecure"`
}

// Defaults returns the built-in configuration used when no config file is
// given, matching the defaults enumerated in spec §6.
func Defaults() *Config {
	return &Config{
		Version: CurrentVersion,
		Server: ServerConfig{
			Host:     "127.0.0.1",
			HTTPPort: 8787,
		},
		Defaults: DefaultsConfig{
			Provider: "anthropic",
		},
		Limits: LimitsConfig{
			MaxIterations:      16,
			TurnDeadline:       10 * time.Minute,
			ReadFileMaxBytes:   1 << 20,
			BashDefaultTimeout: 120 * time.Second,
			SQLiteBusyTimeout:  5 * time.Second,
		},
		Sandbox: SandboxConfig{FollowSymlinks: false},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

// Load reads path (YAML or JSON5, with $include support) and merges it over
// Defaults. An empty path returns Defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, err
	}
	decoded, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	mergeDefaults(cfg, decoded)
	return cfg, nil
}

// mergeDefaults fills the zero-valued fields of decoded from defaults
// (decodeRawConfig only fills what appears in the file), then copies the
// merged result into *defaults.
func mergeDefaults(defaults, decoded *Config) {
	if decoded.Server.Host == "" {
		decoded.Server.Host = defaults.Server.Host
	}
	if decoded.Server.HTTPPort == 0 {
		decoded.Server.HTTPPort = defaults.Server.HTTPPort
	}
	if decoded.Defaults.Provider == "" {
		decoded.Defaults.Provider = defaults.Defaults.Provider
	}
	if decoded.Limits.MaxIterations == 0 {
		decoded.Limits.MaxIterations = defaults.Limits.MaxIterations
	}
	if decoded.Limits.TurnDeadline == 0 {
		decoded.Limits.TurnDeadline = defaults.Limits.TurnDeadline
	}
	if decoded.Limits.ReadFileMaxBytes == 0 {
		decoded.Limits.ReadFileMaxBytes = defaults.Limits.ReadFileMaxBytes
	}
	if decoded.Limits.BashDefaultTimeout == 0 {
		decoded.Limits.BashDefaultTimeout = defaults.Limits.BashDefaultTimeout
	}
	if decoded.Limits.SQLiteBusyTimeout == 0 {
		decoded.Limits.SQLiteBusyTimeout = defaults.Limits.SQLiteBusyTimeout
	}
	if decoded.Logging.Level == "" {
		decoded.Logging.Level = defaults.Logging.Level
	}
	if decoded.Logging.Format == "" {
		decoded.Logging.Format = defaults.Logging.Format
	}
	*defaults = *decoded
}
