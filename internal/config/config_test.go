package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var envKeys = []string{
	"SANDBOX_DIR", "OLLAMA_URL", "OLLAMA_MODEL", "SMOL_MODEL_ID", "SMOL_BASE_URL",
	"PORT", "SAFESHELL_DATA_DIR", "SAFESHELL_LOG_LEVEL", "SAFESHELL_API_KEYS",
	"DATABASE_URL", "SAFESHELL_CONFIG",
}

// clearEnv unsets every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Dir != DefaultSandboxDir {
		t.Errorf("Sandbox.Dir = %q", cfg.Sandbox.Dir)
	}
	if cfg.Sandbox.Timeout() != 3*time.Second {
		t.Errorf("Timeout = %s", cfg.Sandbox.Timeout())
	}
	if cfg.Server.Port != 5000 || cfg.Server.Addr() != "0.0.0.0:5000" {
		t.Errorf("Addr = %s", cfg.Server.Addr())
	}
	if cfg.Ollama.BaseURL != DefaultOllamaURL || cfg.Ollama.Model != "tinyllama" {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Agent.ModelID != "ollama_chat/tinyllama" || cfg.Agent.BaseURL != DefaultOllamaURL {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Agent.MaxIterations != 8 {
		t.Errorf("MaxIterations = %d", cfg.Agent.MaxIterations)
	}
	if cfg.StorageDriverName() != "sqlite" || cfg.DatabasePath() != filepath.Join("data", "safeshell.db") {
		t.Errorf("storage = %s at %s", cfg.StorageDriverName(), cfg.DatabasePath())
	}
	if cfg.AuditRetention() != 7*24*time.Hour || cfg.Audit.PruneSchedule != "@every 1h" {
		t.Errorf("audit = %+v", cfg.Audit)
	}
	if m := cfg.Observability.Metrics; m == nil || !m.Enabled || m.Path != "/metrics" {
		t.Errorf("metrics = %+v", m)
	}
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "safeshell.yaml", `
log_level: debug
server:
  port: 8080
  api_keys: [k1, k2]
  rate_limit:
    requests_per_minute: 30
    burst: 5
sandbox:
  dir: /srv/sandbox
  allowed_verbs: [ls, wc]
  timeout_seconds: 1.5
ollama:
  model: llama3.2
audit:
  retention_days: -1
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Server.Port != 8080 || len(cfg.Server.APIKeys) != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Server.RateLimit.RequestsPerMinute != 30 || cfg.Server.RateLimit.Burst != 5 {
		t.Errorf("rate limit = %+v", cfg.Server.RateLimit)
	}
	if cfg.Sandbox.Timeout() != 1500*time.Millisecond {
		t.Errorf("Timeout = %s", cfg.Sandbox.Timeout())
	}
	if strings.Join(cfg.Sandbox.AllowedVerbs, ",") != "ls,wc" {
		t.Errorf("verbs = %v", cfg.Sandbox.AllowedVerbs)
	}
	// The agent model follows the Ollama model when not set explicitly.
	if cfg.Agent.ModelID != "ollama_chat/llama3.2" {
		t.Errorf("Agent.ModelID = %q", cfg.Agent.ModelID)
	}
	if cfg.AuditRetention() != 0 {
		t.Errorf("AuditRetention = %s, want 0 (keep forever)", cfg.AuditRetention())
	}
}

func TestLoad_JSON(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "safeshell.json", `{"sandbox": {"dir": "box", "max_output_bytes": 100}, "storage": {"driver": "none"}}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Dir != "box" || cfg.Sandbox.MaxOutputBytes != 100 || cfg.StorageDriverName() != "none" {
		t.Errorf("cfg = %+v", cfg.Sandbox)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "safeshell.yaml", "sandbox:\n  dir: from-file\nserver:\n  port: 7000\n")
	t.Setenv("SANDBOX_DIR", "/tmp/box")
	t.Setenv("OLLAMA_URL", "http://ollama:11434")
	t.Setenv("OLLAMA_MODEL", "phi3")
	t.Setenv("SMOL_MODEL_ID", "ollama_chat/qwen2.5")
	t.Setenv("SMOL_BASE_URL", "http://agent:11434")
	t.Setenv("PORT", "9090")
	t.Setenv("SAFESHELL_API_KEYS", " a , ,b ")
	t.Setenv("DATABASE_URL", "postgres://u:p@db/safeshell")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Sandbox.Dir != "/tmp/box" {
		t.Errorf("Sandbox.Dir = %q", cfg.Sandbox.Dir)
	}
	if cfg.Ollama.BaseURL != "http://ollama:11434" || cfg.Ollama.Model != "phi3" {
		t.Errorf("Ollama = %+v", cfg.Ollama)
	}
	if cfg.Agent.ModelID != "ollama_chat/qwen2.5" || cfg.Agent.BaseURL != "http://agent:11434" {
		t.Errorf("Agent = %+v", cfg.Agent)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Port = %d", cfg.Server.Port)
	}
	if strings.Join(cfg.Server.APIKeys, "|") != "a|b" {
		t.Errorf("APIKeys = %q", cfg.Server.APIKeys)
	}
	if cfg.StorageDriverName() != "postgres" || cfg.Storage.Postgres.DSN != "postgres://u:p@db/safeshell" {
		t.Errorf("storage = %+v", cfg.Storage)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		env     map[string]string
		wantErr string
	}{
		{"bad port env", "", map[string]string{"PORT": "abc"}, "invalid PORT"},
		{"port range", "server:\n  port: 70000\n", nil, "server.port"},
		{"log level", "log_level: loud\n", nil, "log_level"},
		{"verb with slash", "sandbox:\n  allowed_verbs: [/bin/ls]\n", nil, "allowed_verbs[0]"},
		{"negative timeout", "sandbox:\n  timeout_seconds: -1\n", nil, "timeout_seconds"},
		{"driver", "storage:\n  driver: mysql\n", nil, "storage.driver"},
		{"postgres without dsn", "storage:\n  driver: postgres\n", nil, "storage.postgres.dsn"},
		{"tracing endpoint", "observability:\n  tracing:\n    enabled: true\n", nil, "tracing.endpoint"},
		{"malformed yaml", "server: [\n", nil, "parsing YAML"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			path := filepath.Join(t.TempDir(), "absent.yaml")
			if tc.file != "" {
				path = writeFile(t, "safeshell.yaml", tc.file)
			}
			_, err := Load(path)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Load error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}

func TestDefaultConfigPath(t *testing.T) {
	clearEnv(t)
	if got := DefaultConfigPath(); got != "safeshell.yaml" {
		t.Errorf("DefaultConfigPath = %q", got)
	}
	t.Setenv("SAFESHELL_CONFIG", "/etc/safeshell/config.json")
	if got := DefaultConfigPath(); got != "/etc/safeshell/config.json" {
		t.Errorf("DefaultConfigPath = %q", got)
	}
}
