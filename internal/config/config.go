// Package config handles loading and validating safeshell configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

const (
	DefaultSandboxDir   = "./sandbox"
	DefaultPort         = 5000
	DefaultOllamaURL    = "http://127.0.0.1:11434"
	DefaultOllamaModel  = "tinyllama"
	DefaultSystemPrefix = "You are UVA SDS GPT. Answer concisely.\n"
)

// Config is the root configuration.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ./data. Override: SAFESHELL_DATA_DIR.
	LogLevel      string               `json:"log_level,omitempty" yaml:"log_level,omitempty"`
	Server        ServerConfig         `json:"server" yaml:"server"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Ollama        OllamaConfig         `json:"ollama" yaml:"ollama"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = SQLite under DataDir
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"`
}

// ServerConfig configures the HTTP gateway.
type ServerConfig struct {
	Host      string          `json:"host" yaml:"host"` // Default: 0.0.0.0
	Port      int             `json:"port" yaml:"port"` // Default: 5000. Override: PORT.
	APIKeys   []string        `json:"api_keys,omitempty" yaml:"api_keys,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
	Docs      bool            `json:"docs" yaml:"docs"` // Serve OpenAPI docs.
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// RateLimitConfig is a per-client token bucket.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // 0 = disabled
	Burst             int `json:"burst" yaml:"burst"`
}

// SandboxConfig configures command validation and execution.
type SandboxConfig struct {
	Dir              string   `json:"dir" yaml:"dir"` // Override: SANDBOX_DIR.
	AllowedVerbs     []string `json:"allowed_verbs,omitempty" yaml:"allowed_verbs,omitempty"`
	TimeoutSeconds   float64  `json:"timeout_seconds" yaml:"timeout_seconds"`       // Default: 3
	MaxOutputBytes   int      `json:"max_output_bytes" yaml:"max_output_bytes"`     // Default: 8000
	MaxCommandLength int      `json:"max_command_length" yaml:"max_command_length"` // Default: 4096
	MaxCPUSeconds    int      `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`
	MaxMemoryMB      int      `json:"max_memory_mb" yaml:"max_memory_mb"`
}

// Timeout returns the per-command timeout.
func (s SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 3 * time.Second
	}
	return time.Duration(s.TimeoutSeconds * float64(time.Second))
}

// OllamaConfig configures the /api/chat proxy.
type OllamaConfig struct {
	BaseURL        string `json:"base_url" yaml:"base_url"` // Override: OLLAMA_URL.
	Model          string `json:"model" yaml:"model"`       // Override: OLLAMA_MODEL.
	TimeoutSeconds int    `json:"timeout_seconds" yaml:"timeout_seconds"`
	SystemPrefix   string `json:"system_prefix,omitempty" yaml:"system_prefix,omitempty"`
}

// AgentConfig configures the tool-calling agent.
type AgentConfig struct {
	ModelID       string `json:"model_id" yaml:"model_id"` // Override: SMOL_MODEL_ID. Default: ollama_chat/<ollama model>.
	BaseURL       string `json:"base_url" yaml:"base_url"` // Override: SMOL_BASE_URL. Default: Ollama URL.
	APIKey        string `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	MaxIterations int    `json:"max_iterations" yaml:"max_iterations"` // Default: 8
	SystemPrompt  string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	// Fallback retries against the Ollama URL when BaseURL differs and fails.
	Fallback bool `json:"fallback" yaml:"fallback"`
}

// StorageConfig configures the audit persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"` // "sqlite" (default), "postgres" or "none".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: <data_dir>/safeshell.db
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"` // Override: DATABASE_URL.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"`
}

// AuditConfig configures invocation audit retention.
type AuditConfig struct {
	RetentionDays int    `json:"retention_days" yaml:"retention_days"` // Default: 7. Negative keeps everything.
	PruneSchedule string `json:"prune_schedule" yaml:"prune_schedule"` // Cron spec. Default: @every 1h
}

// ObservabilityConfig configures metrics, tracing and anomaly detection.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "safeshell"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
	Insecure    bool    `json:"insecure" yaml:"insecure"`
}

// AnomalyConfig configures error-rate warnings over a sliding window.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Default: 300
}

// DefaultConfigPath returns the config path used when none is given.
func DefaultConfigPath() string {
	return goutils.Env("SAFESHELL_CONFIG", "safeshell.yaml")
}

// Load reads a JSON or YAML config file, applies environment overrides and
// defaults, and validates the result. A missing file is not an error: the
// configuration is then built from defaults and the environment alone.
// The format is chosen by extension: .yml/.yaml for YAML, anything else JSON.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		default:
			if err := decode(resolved, data, &cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing YAML config %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing JSON config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnv lets environment variables take precedence over file values.
func (c *Config) applyEnv() error {
	c.Sandbox.Dir = goutils.Env("SANDBOX_DIR", c.Sandbox.Dir)
	c.Ollama.BaseURL = goutils.Env("OLLAMA_URL", c.Ollama.BaseURL)
	c.Ollama.Model = goutils.Env("OLLAMA_MODEL", c.Ollama.Model)
	c.Agent.ModelID = goutils.Env("SMOL_MODEL_ID", c.Agent.ModelID)
	c.Agent.BaseURL = goutils.Env("SMOL_BASE_URL", c.Agent.BaseURL)
	c.DataDir = goutils.Env("SAFESHELL_DATA_DIR", c.DataDir)
	c.LogLevel = goutils.Env("SAFESHELL_LOG_LEVEL", c.LogLevel)

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	if keys := os.Getenv("SAFESHELL_API_KEYS"); keys != "" {
		c.Server.APIKeys = splitList(keys)
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = dsn
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Sandbox.Dir == "" {
		c.Sandbox.Dir = DefaultSandboxDir
	}
	if c.Ollama.BaseURL == "" {
		c.Ollama.BaseURL = DefaultOllamaURL
	}
	if c.Ollama.Model == "" {
		c.Ollama.Model = DefaultOllamaModel
	}
	if c.Ollama.TimeoutSeconds <= 0 {
		c.Ollama.TimeoutSeconds = 60
	}
	if c.Ollama.SystemPrefix == "" {
		c.Ollama.SystemPrefix = DefaultSystemPrefix
	}
	if c.Agent.ModelID == "" {
		c.Agent.ModelID = "ollama_chat/" + c.Ollama.Model
	}
	if c.Agent.BaseURL == "" {
		c.Agent.BaseURL = c.Ollama.BaseURL
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = 8
	}
	if c.Audit.RetentionDays == 0 {
		c.Audit.RetentionDays = 7
	}
	if c.Audit.PruneSchedule == "" {
		c.Audit.PruneSchedule = "@every 1h"
	}
	if c.Observability == nil {
		c.Observability = &ObservabilityConfig{
			Metrics: &MetricsConfig{Enabled: true},
		}
	}
	if m := c.Observability.Metrics; m != nil && m.Path == "" {
		m.Path = "/metrics"
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level %q is not supported (use debug, info, warn or error)", c.LogLevel)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.RateLimit.RequestsPerMinute < 0 || c.Server.RateLimit.Burst < 0 {
		return fmt.Errorf("server.rate_limit values must not be negative")
	}
	for i, key := range c.Server.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("server.api_keys[%d] is empty", i)
		}
	}
	for i, verb := range c.Sandbox.AllowedVerbs {
		if verb == "" || strings.ContainsAny(verb, " \t/\\") {
			return fmt.Errorf("sandbox.allowed_verbs[%d] %q must be a bare program name", i, verb)
		}
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Sandbox.MaxOutputBytes < 0 || c.Sandbox.MaxCommandLength < 0 {
		return fmt.Errorf("sandbox output and command limits must not be negative")
	}
	if c.Sandbox.MaxCPUSeconds < 0 || c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox resource limits must not be negative")
	}
	switch c.StorageDriverName() {
	case "sqlite", "none":
	case "postgres":
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required (set DATABASE_URL env var)")
		}
	default:
		return fmt.Errorf("storage.driver %q is not supported (use sqlite, postgres or none)", c.Storage.Driver)
	}
	if t := c.Observability.Tracing; t != nil && t.Enabled {
		if t.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		if t.Protocol != "" && t.Protocol != "grpc" && t.Protocol != "http" {
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", t.Protocol)
		}
	}
	return nil
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil && c.Storage.Driver != "" {
		return c.Storage.Driver
	}
	return "sqlite"
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.DataDir, "safeshell.db")
}

// AuditRetention returns how long audit records are kept, or 0 for forever.
func (c *Config) AuditRetention() time.Duration {
	if c.Audit.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(c.Audit.RetentionDays) * 24 * time.Hour
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
