// ABOUTME: Configuration loading and parsing for coven-dispatch
// ABOUTME: Supports YAML and TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Load when a value is absent.
const (
	DefaultHTTPAddr          = "0.0.0.0:8080"
	DefaultDatabasePath      = "./coven-dispatch.db"
	DefaultTokenTTL          = 24 * time.Hour
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHeartbeatTimeout  = 30 * time.Second
	DefaultMissionTimeout    = 10 * time.Minute
	DefaultMaxRetries        = 3
	DefaultTickInterval      = time.Second
	DefaultBusMaxRetries     = 3
	DefaultRelayInterval     = 2 * time.Second
	DefaultUnreadWindow      = 7 * 24 * time.Hour
	DefaultMetricsPath       = "/metrics"
	DefaultExecutorCommand   = "claude"
)

var typeNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Config represents the complete coven-dispatch configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Node      NodeConfig      `yaml:"node" toml:"node"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Missions  MissionsConfig  `yaml:"missions" toml:"missions"`
	Bus       BusConfig       `yaml:"bus" toml:"bus"`
	Executor  ExecutorConfig  `yaml:"executor" toml:"executor"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// NodeConfig identifies this installation on the message bus
type NodeConfig struct {
	ID    string       `yaml:"id" toml:"id"`
	Peers []PeerConfig `yaml:"peers" toml:"peers"`
}

// PeerConfig is a remote node the relay delivers to
type PeerConfig struct {
	ID  string `yaml:"id" toml:"id"`
	URL string `yaml:"url" toml:"url"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds token issuance configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
	// IssueKeyHash is a bcrypt hash; when set, POST /api/tokens requires the matching key.
	IssueKeyHash string `yaml:"issue_key_hash" toml:"issue_key_hash"`

	TokenTTL    time.Duration `yaml:"-" toml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl" toml:"token_ttl"`
}

// AgentsConfig holds agent liveness timing
type AgentsConfig struct {
	HeartbeatInterval time.Duration `yaml:"-" toml:"-"`
	HeartbeatTimeout  time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	HeartbeatIntervalRaw string `yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	HeartbeatTimeoutRaw  string `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
}

// MissionsConfig holds queue defaults and the scheduler cadence
type MissionsConfig struct {
	DefaultMaxRetries int `yaml:"default_max_retries" toml:"default_max_retries"`

	DefaultTimeout time.Duration `yaml:"-" toml:"-"`
	TickInterval   time.Duration `yaml:"-" toml:"-"`

	DefaultTimeoutRaw string `yaml:"default_timeout" toml:"default_timeout"`
	TickIntervalRaw   string `yaml:"tick_interval" toml:"tick_interval"`
}

// BusConfig holds cross-node delivery settings
type BusConfig struct {
	MaxRetries int `yaml:"max_retries" toml:"max_retries"`

	RelayInterval time.Duration `yaml:"-" toml:"-"`
	UnreadWindow  time.Duration `yaml:"-" toml:"-"`

	RelayIntervalRaw string `yaml:"relay_interval" toml:"relay_interval"`
	UnreadWindowRaw  string `yaml:"unread_window" toml:"unread_window"`
}

// ExecutorConfig holds the local text-generation tool invocation
type ExecutorConfig struct {
	Enabled bool     `yaml:"enabled" toml:"enabled"`
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Workdir string   `yaml:"workdir" toml:"workdir"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, strings.EqualFold(filepath.Ext(path), ".toml"))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes configuration bytes, expands environment variables, applies
// defaults, and validates the result.
func Parse(data []byte, isTOML bool) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if isTOML {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Database.Path == "" {
		c.Database.Path = DefaultDatabasePath
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = DefaultTokenTTL
	}
	if c.Agents.HeartbeatInterval == 0 {
		c.Agents.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Agents.HeartbeatTimeout == 0 {
		c.Agents.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.Missions.DefaultTimeout == 0 {
		c.Missions.DefaultTimeout = DefaultMissionTimeout
	}
	if c.Missions.DefaultMaxRetries == 0 {
		c.Missions.DefaultMaxRetries = DefaultMaxRetries
	}
	if c.Missions.TickInterval == 0 {
		c.Missions.TickInterval = DefaultTickInterval
	}
	if c.Bus.MaxRetries == 0 {
		c.Bus.MaxRetries = DefaultBusMaxRetries
	}
	if c.Bus.RelayInterval == 0 {
		c.Bus.RelayInterval = DefaultRelayInterval
	}
	if c.Bus.UnreadWindow == 0 {
		c.Bus.UnreadWindow = DefaultUnreadWindow
	}
	if c.Executor.Command == "" {
		c.Executor.Command = DefaultExecutorCommand
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 characters")
	}

	if c.Agents.HeartbeatTimeout <= c.Agents.HeartbeatInterval {
		return fmt.Errorf("agents.heartbeat_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Agents.HeartbeatTimeout, c.Agents.HeartbeatInterval)
	}

	if c.Missions.DefaultMaxRetries < 0 {
		return errors.New("missions.default_max_retries must not be negative")
	}
	if c.Bus.MaxRetries < 0 {
		return errors.New("bus.max_retries must not be negative")
	}

	if len(c.Node.Peers) > 0 && c.Node.ID == "" {
		return errors.New("node.id is required when node.peers are configured")
	}
	if c.Node.ID != "" && !typeNamePattern.MatchString(c.Node.ID) {
		return fmt.Errorf("node.id %q must match %s", c.Node.ID, typeNamePattern)
	}
	seen := make(map[string]bool, len(c.Node.Peers))
	for i, p := range c.Node.Peers {
		if p.ID == "" || p.URL == "" {
			return fmt.Errorf("node.peers[%d] requires id and url", i)
		}
		if p.ID == c.Node.ID {
			return fmt.Errorf("node.peers[%d] cannot be the local node", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("node.peers[%d]: duplicate peer id %q", i, p.ID)
		}
		seen[p.ID] = true
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q must be text or json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"agents.heartbeat_interval", cfg.Agents.HeartbeatIntervalRaw, &cfg.Agents.HeartbeatInterval},
		{"agents.heartbeat_timeout", cfg.Agents.HeartbeatTimeoutRaw, &cfg.Agents.HeartbeatTimeout},
		{"missions.default_timeout", cfg.Missions.DefaultTimeoutRaw, &cfg.Missions.DefaultTimeout},
		{"missions.tick_interval", cfg.Missions.TickIntervalRaw, &cfg.Missions.TickInterval},
		{"bus.relay_interval", cfg.Bus.RelayIntervalRaw, &cfg.Bus.RelayInterval},
		{"bus.unread_window", cfg.Bus.UnreadWindowRaw, &cfg.Bus.UnreadWindow},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := parseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

// parseDuration accepts time.ParseDuration syntax plus a whole-day "Nd" form.
func parseDuration(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
