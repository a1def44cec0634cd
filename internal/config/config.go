// ABOUTME: Configuration loading and parsing for coven-coordinator
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Config represents the complete coven-coordinator configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Store     StoreConfig     `yaml:"store" toml:"store"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Monitor   MonitorConfig   `yaml:"monitor" toml:"monitor"`
	Agents    AgentsConfig    `yaml:"agents" toml:"agents"`
	Discovery DiscoveryConfig `yaml:"discovery" toml:"discovery"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"` // empty disables the gRPC health service
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
}

// StoreConfig selects where coordinator state is persisted
type StoreConfig struct {
	Backend string `yaml:"backend" toml:"backend"`
	Dir     string `yaml:"dir" toml:"dir"`
	Path    string `yaml:"path" toml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret      string `yaml:"jwt_secret" toml:"jwt_secret"`
	AuthorizedKeys string `yaml:"authorized_keys" toml:"authorized_keys"`
}

// MonitorConfig holds health monitor timing and the essential agent set
type MonitorConfig struct {
	SweepInterval     time.Duration `yaml:"-" toml:"-"`
	StaleAfter        time.Duration `yaml:"-" toml:"-"`
	DiscoveryInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	SweepIntervalRaw     string `yaml:"sweep_interval" toml:"sweep_interval"`
	StaleAfterRaw        string `yaml:"stale_after" toml:"stale_after"`
	DiscoveryIntervalRaw string `yaml:"discovery_interval" toml:"discovery_interval"`

	Essential    []string `yaml:"essential" toml:"essential"`
	HistoryLimit int      `yaml:"history_limit" toml:"history_limit"`
}

// AgentsConfig holds routing weights and launch commands
type AgentsConfig struct {
	Weights map[string]int          `yaml:"weights" toml:"weights"`
	Launch  map[string]LaunchConfig `yaml:"launch" toml:"launch"`
}

// LaunchConfig describes how the monitor starts one agent
type LaunchConfig struct {
	Command string   `yaml:"command" toml:"command"`
	Args    []string `yaml:"args" toml:"args"`
	Dir     string   `yaml:"dir" toml:"dir"`
	Env     []string `yaml:"env" toml:"env"`
}

// DiscoveryConfig controls the task discovery scanner
type DiscoveryConfig struct {
	Enabled         bool              `yaml:"enabled" toml:"enabled"`
	Roots           []string          `yaml:"roots" toml:"roots"`
	MarkdownFiles   []string          `yaml:"markdown_files" toml:"markdown_files"`
	Markers         map[string]string `yaml:"markers" toml:"markers"`
	Extensions      []string          `yaml:"extensions" toml:"extensions"`
	ExcludeDirs     []string          `yaml:"exclude_dirs" toml:"exclude_dirs"`
	DefaultCategory string            `yaml:"default_category" toml:"default_category"`
	Project         string            `yaml:"project" toml:"project"`
	MaxPerScan      int               `yaml:"max_per_scan" toml:"max_per_scan"`

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
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
// Environment variables in the format ${VAR_NAME} are expanded, defaults are
// applied to absent keys, and duration strings are parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyDefaults()

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	// Defaults are well-formed durations.
	_ = parseDurations(&cfg)
	return &cfg
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
		c.Server.HTTPAddr = "127.0.0.1:8090"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = BackendFile
	}
	if c.Store.Backend == BackendFile && c.Store.Dir == "" {
		c.Store.Dir = DataDir()
	}
	if c.Store.Backend == BackendSQLite && c.Store.Path == "" {
		c.Store.Path = filepath.Join(DataDir(), "coordinator.db")
	}
	if c.Monitor.SweepIntervalRaw == "" {
		c.Monitor.SweepIntervalRaw = "60s"
	}
	if c.Monitor.StaleAfterRaw == "" {
		c.Monitor.StaleAfterRaw = "300s"
	}
	if c.Monitor.DiscoveryIntervalRaw == "" {
		c.Monitor.DiscoveryIntervalRaw = "10m"
	}
	if c.Monitor.HistoryLimit == 0 {
		c.Monitor.HistoryLimit = 20
	}
	if c.Discovery.DedupeTTLRaw == "" {
		c.Discovery.DedupeTTLRaw = "24h"
	}
	if len(c.Discovery.Roots) == 0 {
		c.Discovery.Roots = []string{"."}
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file backend")
		}
	case BackendSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, file, sqlite (got %q)", c.Store.Backend)
	}

	if c.Monitor.SweepInterval <= 0 {
		return fmt.Errorf("monitor.sweep_interval must be positive")
	}
	if c.Monitor.StaleAfter <= 0 {
		return fmt.Errorf("monitor.stale_after must be positive")
	}
	if c.Monitor.HistoryLimit < 0 {
		return fmt.Errorf("monitor.history_limit must not be negative")
	}
	for _, name := range c.Monitor.Essential {
		if launch, ok := c.Agents.Launch[name]; !ok || launch.Command == "" {
			return fmt.Errorf("monitor.essential agent %q has no agents.launch command", name)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error (got %q)", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json (got %q)", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /")
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
		{"monitor.sweep_interval", cfg.Monitor.SweepIntervalRaw, &cfg.Monitor.SweepInterval},
		{"monitor.stale_after", cfg.Monitor.StaleAfterRaw, &cfg.Monitor.StaleAfter},
		{"monitor.discovery_interval", cfg.Monitor.DiscoveryIntervalRaw, &cfg.Monitor.DiscoveryInterval},
		{"discovery.dedupe_ttl", cfg.Discovery.DedupeTTLRaw, &cfg.Discovery.DedupeTTL},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Path returns the config file location.
// Priority: COVEN_COORDINATOR_CONFIG env var > XDG_CONFIG_HOME/coven/coordinator.yaml > ~/.config/coven/coordinator.yaml
func Path() string {
	if envPath := os.Getenv("COVEN_COORDINATOR_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "coordinator.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "coordinator.yaml")
}

// DataDir returns the directory for persisted coordinator state.
// Priority: XDG_DATA_HOME/coven/coordinator > ~/.local/share/coven/coordinator
func DataDir() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "coven", "coordinator")
}
