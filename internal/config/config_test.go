// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidYAML(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
server:
  http_addr: "127.0.0.1:9090"

node:
  id: "alpha"
  peers:
    - id: "beta"
      url: "http://beta:9090"

database:
  path: "./test.db"

auth:
  jwt_secret: "`+testSecret+`"
  token_ttl: "12h"

agents:
  heartbeat_interval: "5s"
  heartbeat_timeout: "20s"

missions:
  default_timeout: "2m"
  default_max_retries: 5
  tick_interval: "500ms"

bus:
  max_retries: 4
  relay_interval: "3s"
  unread_window: "14d"

executor:
  enabled: true
  command: "llm"
  args: ["--quiet"]

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:9090")
	}
	if cfg.Node.ID != "alpha" || len(cfg.Node.Peers) != 1 || cfg.Node.Peers[0].URL != "http://beta:9090" {
		t.Errorf("Node = %+v", cfg.Node)
	}
	if cfg.Auth.TokenTTL != 12*time.Hour {
		t.Errorf("Auth.TokenTTL = %v, want 12h", cfg.Auth.TokenTTL)
	}
	if cfg.Agents.HeartbeatInterval != 5*time.Second {
		t.Errorf("Agents.HeartbeatInterval = %v, want 5s", cfg.Agents.HeartbeatInterval)
	}
	if cfg.Agents.HeartbeatTimeout != 20*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 20s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Missions.DefaultTimeout != 2*time.Minute || cfg.Missions.DefaultMaxRetries != 5 {
		t.Errorf("Missions = %+v", cfg.Missions)
	}
	if cfg.Missions.TickInterval != 500*time.Millisecond {
		t.Errorf("Missions.TickInterval = %v, want 500ms", cfg.Missions.TickInterval)
	}
	if cfg.Bus.MaxRetries != 4 || cfg.Bus.RelayInterval != 3*time.Second {
		t.Errorf("Bus = %+v", cfg.Bus)
	}
	if cfg.Bus.UnreadWindow != 14*24*time.Hour {
		t.Errorf("Bus.UnreadWindow = %v, want 336h", cfg.Bus.UnreadWindow)
	}
	if !cfg.Executor.Enabled || cfg.Executor.Command != "llm" || len(cfg.Executor.Args) != 1 {
		t.Errorf("Executor = %+v", cfg.Executor)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics = %+v", cfg.Metrics)
	}
}

func TestLoad_ValidTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
[server]
http_addr = "0.0.0.0:7070"

[node]
id = "gamma"

[[node.peers]]
id = "alpha"
url = "http://alpha:8080"

[[node.peers]]
id = "beta"
url = "http://beta:8080"

[auth]
jwt_secret = "`+testSecret+`"

[agents]
heartbeat_interval = "10s"
heartbeat_timeout = "45s"

[bus]
unread_window = "72h"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:7070" {
		t.Errorf("Server.HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if len(cfg.Node.Peers) != 2 || cfg.Node.Peers[1].ID != "beta" {
		t.Errorf("Node.Peers = %+v", cfg.Node.Peers)
	}
	if cfg.Agents.HeartbeatTimeout != 45*time.Second {
		t.Errorf("Agents.HeartbeatTimeout = %v, want 45s", cfg.Agents.HeartbeatTimeout)
	}
	if cfg.Bus.UnreadWindow != 72*time.Hour {
		t.Errorf("Bus.UnreadWindow = %v, want 72h", cfg.Bus.UnreadWindow)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
auth:
  jwt_secret: "`+testSecret+`"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"http_addr", cfg.Server.HTTPAddr, DefaultHTTPAddr},
		{"database.path", cfg.Database.Path, DefaultDatabasePath},
		{"token_ttl", cfg.Auth.TokenTTL, DefaultTokenTTL},
		{"heartbeat_interval", cfg.Agents.HeartbeatInterval, DefaultHeartbeatInterval},
		{"heartbeat_timeout", cfg.Agents.HeartbeatTimeout, DefaultHeartbeatTimeout},
		{"default_timeout", cfg.Missions.DefaultTimeout, DefaultMissionTimeout},
		{"default_max_retries", cfg.Missions.DefaultMaxRetries, DefaultMaxRetries},
		{"tick_interval", cfg.Missions.TickInterval, DefaultTickInterval},
		{"bus.max_retries", cfg.Bus.MaxRetries, DefaultBusMaxRetries},
		{"relay_interval", cfg.Bus.RelayInterval, DefaultRelayInterval},
		{"unread_window", cfg.Bus.UnreadWindow, DefaultUnreadWindow},
		{"executor.command", cfg.Executor.Command, DefaultExecutorCommand},
		{"logging.level", cfg.Logging.Level, "info"},
		{"logging.format", cfg.Logging.Format, "text"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", testSecret)
	t.Setenv("TEST_NODE_ID", "from-env")

	path := writeConfig(t, "config.yaml", `
node:
  id: "${TEST_NODE_ID}"
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
database:
  path: "${TEST_UNSET_DB_PATH}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Node.ID != "from-env" {
		t.Errorf("Node.ID = %q, want %q", cfg.Node.ID, "from-env")
	}
	// Unset variables expand to empty and then take the default
	if cfg.Database.Path != DefaultDatabasePath {
		t.Errorf("Database.Path = %q, want default", cfg.Database.Path)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() should return error for missing file")
	}
}

func TestLoad_InvalidSyntax(t *testing.T) {
	for name, content := range map[string]string{
		"config.yaml": "server:\n  http_addr: [unclosed",
		"config.toml": "[server\nhttp_addr = 1",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, name, content))
			if err == nil {
				t.Fatal("Load() should fail on invalid syntax")
			}
			if !strings.Contains(err.Error(), "parsing config file") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name  string
		field string
	}{
		{"garbage", "heartbeat_interval: \"soon\""},
		{"negative", "heartbeat_interval: \"-5s\""},
		{"bad days", "heartbeat_timeout: \"xd\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, "config.yaml", "auth:\n  jwt_secret: \""+testSecret+"\"\nagents:\n  "+tt.field+"\n")
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() should fail on invalid duration")
			}
			if !strings.Contains(err.Error(), "parsing durations") {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := &Config{Auth: AuthConfig{JWTSecret: testSecret}}
		c.applyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing secret", func(c *Config) { c.Auth.JWTSecret = "" }, "jwt_secret is required"},
		{"short secret", func(c *Config) { c.Auth.JWTSecret = "short" }, "at least 32"},
		{"timeout not above interval", func(c *Config) { c.Agents.HeartbeatTimeout = c.Agents.HeartbeatInterval }, "must exceed"},
		{"peers without node id", func(c *Config) { c.Node.Peers = []PeerConfig{{ID: "b", URL: "http://b"}} }, "node.id is required"},
		{"bad node id", func(c *Config) { c.Node.ID = "Alpha Node" }, "must match"},
		{"peer without url", func(c *Config) {
			c.Node.ID = "a"
			c.Node.Peers = []PeerConfig{{ID: "b"}}
		}, "requires id and url"},
		{"peer is self", func(c *Config) {
			c.Node.ID = "a"
			c.Node.Peers = []PeerConfig{{ID: "a", URL: "http://a"}}
		}, "local node"},
		{"duplicate peer", func(c *Config) {
			c.Node.ID = "a"
			c.Node.Peers = []PeerConfig{{ID: "b", URL: "http://b"}, {ID: "b", URL: "http://b2"}}
		}, "duplicate peer"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"tailscale without hostname", func(c *Config) { c.Tailscale.Enabled = true }, "tailscale.hostname"},
		{"no address without tailscale", func(c *Config) { c.Server.HTTPAddr = "" }, "http_addr is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "value")

	tests := []struct {
		input string
		want  string
	}{
		{"${TEST_VAR}", "value"},
		{"prefix-${TEST_VAR}-suffix", "prefix-value-suffix"},
		{"${TEST_UNSET_VAR_XYZ}", ""},
		{"no vars here", "no vars here"},
	}
	for _, tt := range tests {
		if got := expandEnvVars(tt.input); got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"7d", 7 * 24 * time.Hour},
		{"90s", 90 * time.Second},
		{"1h30m", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.input)
		if err != nil {
			t.Fatalf("parseDuration(%q) error = %v", tt.input, err)
		}
		if got != tt.want {
			t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}
