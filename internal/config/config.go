// ABOUTME: Configuration loading and parsing for the outpost agent
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete outpost agent configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Database DatabaseConfig `yaml:"database"`
	Outbox   OutboxConfig   `yaml:"outbox"`
	Sync     SyncConfig     `yaml:"sync"`
	Cache    CacheConfig    `yaml:"cache"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the local listen address for the control API and proxy
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// UpstreamConfig describes the authoritative API server the agent fronts
type UpstreamConfig struct {
	BaseURL    string `yaml:"base_url"`
	HealthPath string `yaml:"health_path"`
}

// DatabaseConfig holds the durable store location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// OutboxConfig holds replay and backoff policy
type OutboxConfig struct {
	BaseBackoff time.Duration `yaml:"-"`
	MaxBackoff  time.Duration `yaml:"-"`
	MaxAttempts int           `yaml:"max_attempts"`

	// Raw string values for YAML unmarshaling
	BaseBackoffRaw string `yaml:"base_backoff"`
	MaxBackoffRaw  string `yaml:"max_backoff"`
}

// SyncConfig holds trigger timing configuration
type SyncConfig struct {
	ProbeInterval time.Duration `yaml:"-"`

	// WakeSchedule is a cron expression for the periodic background wake,
	// used as a fallback when connectivity events are unavailable.
	WakeSchedule string `yaml:"wake_schedule"`

	ProbeIntervalRaw string `yaml:"probe_interval"`
}

// CacheConfig holds response cache policy
type CacheConfig struct {
	MaxAge time.Duration `yaml:"-"`

	// SensitivePaths are URL path substrings whose responses are never cached.
	SensitivePaths []string `yaml:"sensitive_paths"`

	MaxAgeRaw string `yaml:"max_age"`
}

// AuthConfig holds credential storage and refresh settings
type AuthConfig struct {
	// TokenFile is where the credential pair is persisted. Defaults to a
	// "token" file next to the database.
	TokenFile string `yaml:"token_file"`

	// RefreshURL is the endpoint that exchanges a refresh token for a fresh
	// access token. Defaults to <upstream.base_url>/auth/refresh.
	RefreshURL string `yaml:"refresh_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when fields are absent from the config file.
const (
	DefaultListenAddr    = "127.0.0.1:7077"
	DefaultHealthPath    = "/health"
	DefaultBaseBackoff   = 5 * time.Second
	DefaultMaxBackoff    = 5 * time.Minute
	DefaultMaxAttempts   = 10
	DefaultWakeSchedule  = "@every 1m"
	DefaultProbeInterval = 30 * time.Second
	DefaultCacheMaxAge   = 24 * time.Hour
)

// DefaultSensitivePaths are never cached regardless of response directives.
var DefaultSensitivePaths = []string{"/auth", "/token", "/login", "/profile", "/me"}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
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

// applyDefaults fills in zero-valued fields with their defaults.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Upstream.HealthPath == "" {
		c.Upstream.HealthPath = DefaultHealthPath
	}
	if c.Outbox.BaseBackoff == 0 {
		c.Outbox.BaseBackoff = DefaultBaseBackoff
	}
	if c.Outbox.MaxBackoff == 0 {
		c.Outbox.MaxBackoff = DefaultMaxBackoff
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = DefaultMaxAttempts
	}
	if c.Sync.WakeSchedule == "" {
		c.Sync.WakeSchedule = DefaultWakeSchedule
	}
	if c.Sync.ProbeInterval == 0 {
		c.Sync.ProbeInterval = DefaultProbeInterval
	}
	if c.Cache.MaxAge == 0 {
		c.Cache.MaxAge = DefaultCacheMaxAge
	}
	if len(c.Cache.SensitivePaths) == 0 {
		c.Cache.SensitivePaths = DefaultSensitivePaths
	}
	if c.Auth.TokenFile == "" && c.Database.Path != "" {
		c.Auth.TokenFile = filepath.Join(filepath.Dir(c.Database.Path), "token")
	}
	if c.Auth.RefreshURL == "" && c.Upstream.BaseURL != "" {
		c.Auth.RefreshURL = strings.TrimRight(c.Upstream.BaseURL, "/") + "/auth/refresh"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("upstream.base_url %q is not an absolute URL", c.Upstream.BaseURL)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Outbox.BaseBackoff > c.Outbox.MaxBackoff {
		return fmt.Errorf("outbox.base_backoff exceeds outbox.max_backoff")
	}
	if c.Outbox.MaxAttempts < 0 {
		return fmt.Errorf("outbox.max_attempts must not be negative")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Outbox.BaseBackoffRaw != "" {
		cfg.Outbox.BaseBackoff, err = time.ParseDuration(cfg.Outbox.BaseBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing base_backoff %q: %w", cfg.Outbox.BaseBackoffRaw, err)
		}
	}

	if cfg.Outbox.MaxBackoffRaw != "" {
		cfg.Outbox.MaxBackoff, err = time.ParseDuration(cfg.Outbox.MaxBackoffRaw)
		if err != nil {
			return fmt.Errorf("parsing max_backoff %q: %w", cfg.Outbox.MaxBackoffRaw, err)
		}
	}

	if cfg.Sync.ProbeIntervalRaw != "" {
		cfg.Sync.ProbeInterval, err = time.ParseDuration(cfg.Sync.ProbeIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing probe_interval %q: %w", cfg.Sync.ProbeIntervalRaw, err)
		}
	}

	if cfg.Cache.MaxAgeRaw != "" {
		cfg.Cache.MaxAge, err = time.ParseDuration(cfg.Cache.MaxAgeRaw)
		if err != nil {
			return fmt.Errorf("parsing max_age %q: %w", cfg.Cache.MaxAgeRaw, err)
		}
	}

	return nil
}
