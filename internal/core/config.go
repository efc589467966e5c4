package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable holding an optional YAML config file.
const ConfigPathEnv = "DIGEST_CONFIG"

// Config represents the main configuration for the review digest service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Features FeatureConfig  `yaml:"features"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains database-related configuration.
// Only used when the digest task store driver is "sqlite".
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig contains authentication-related configuration
type AuthConfig struct {
	// ControlTokenHash is a bcrypt hash of the bearer token required on
	// mutating routes. Empty disables the guard.
	ControlTokenHash string `yaml:"control_token_hash"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `yaml:"level"`
}

// FeatureConfig contains feature-specific configuration
type FeatureConfig struct {
	Digest DigestConfig `yaml:"digest"`
}

// DigestConfig contains review digest configuration
type DigestConfig struct {
	Enabled         bool          `yaml:"enabled"`
	StoreDriver     string        `yaml:"store_driver"`
	TaskStorePath   string        `yaml:"task_store_path"`
	CacheDir        string        `yaml:"cache_dir"`
	DigestDir       string        `yaml:"digest_dir"`
	FeedURLTemplate string        `yaml:"feed_url_template"`
	FeedFormat      string        `yaml:"feed_format"`
	Country         string        `yaml:"country"`
	UserAgent       string        `yaml:"user_agent"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	FetchRate       float64       `yaml:"fetch_rate"`
	RunTimeout      time.Duration `yaml:"run_timeout"`
	Timezone        string        `yaml:"timezone"`
	SMTP2GOAPIKey   string        `yaml:"smtp2go_api_key"`
	SMTP2GOSender   string        `yaml:"smtp2go_sender"`
	DigestRecipient string        `yaml:"digest_recipient"`
}

// DefaultFeedURLTemplate is the App Store customer review feed. The
// placeholders are country, app id and format, in that order.
const DefaultFeedURLTemplate = "https://itunes.apple.com/%s/rss/customerreviews/id=%s/sortBy=mostRecent/page=1/%s"

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	dataDir := filepath.Join(xdg.DataHome, "review-digest")
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "digest.db"),
		},
		Log: LogConfig{Level: "info"},
		Features: FeatureConfig{
			Digest: DigestConfig{
				Enabled:         true,
				StoreDriver:     "file",
				TaskStorePath:   filepath.Join(dataDir, "taskCache.json"),
				CacheDir:        filepath.Join(dataDir, "cache"),
				DigestDir:       filepath.Join(dataDir, "digests"),
				FeedURLTemplate: DefaultFeedURLTemplate,
				FeedFormat:      "json",
				Country:         "us",
				UserAgent:       "review-digest/1.0",
				FetchTimeout:    15 * time.Second,
				FetchRate:       2,
				RunTimeout:      time.Minute,
				SMTP2GOSender:   "Review Digest <digest@localhost>",
			},
		},
	}
}

// LoadConfig loads configuration from an optional YAML file followed by
// environment variables. An empty path falls back to DIGEST_CONFIG.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	if path == "" {
		path = os.Getenv(ConfigPathEnv)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewConfigurationError("failed to read config file", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, NewConfigurationError("failed to parse config file", err)
		}
	}

	config.applyEnv()

	// Validate required configuration
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) applyEnv() {
	c.Server.Port = getEnvAsInt("DIGEST_PORT", c.Server.Port)
	c.Server.Host = getEnvOrDefault("DIGEST_HOST", c.Server.Host)
	c.Server.ShutdownTimeout = getEnvAsDuration("DIGEST_SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Database.Path = getEnvOrDefault("DIGEST_DB_PATH", c.Database.Path)
	c.Auth.ControlTokenHash = getEnvOrDefault("DIGEST_CONTROL_TOKEN_HASH", c.Auth.ControlTokenHash)
	c.Log.Level = getEnvOrDefault("DIGEST_LOG_LEVEL", c.Log.Level)

	d := &c.Features.Digest
	d.Enabled = getEnvAsBool("DIGEST_ENABLED", d.Enabled)
	d.StoreDriver = getEnvOrDefault("DIGEST_STORE_DRIVER", d.StoreDriver)
	d.TaskStorePath = getEnvOrDefault("DIGEST_TASK_STORE_PATH", d.TaskStorePath)
	d.CacheDir = getEnvOrDefault("DIGEST_CACHE_DIR", d.CacheDir)
	d.DigestDir = getEnvOrDefault("DIGEST_OUTPUT_DIR", d.DigestDir)
	d.FeedURLTemplate = getEnvOrDefault("DIGEST_FEED_URL_TEMPLATE", d.FeedURLTemplate)
	d.FeedFormat = getEnvOrDefault("DIGEST_FEED_FORMAT", d.FeedFormat)
	d.Country = getEnvOrDefault("DIGEST_COUNTRY", d.Country)
	d.UserAgent = getEnvOrDefault("DIGEST_USER_AGENT", d.UserAgent)
	d.FetchTimeout = getEnvAsDuration("DIGEST_FETCH_TIMEOUT", d.FetchTimeout)
	d.FetchRate = getEnvAsFloat("DIGEST_FETCH_RATE", d.FetchRate)
	d.RunTimeout = getEnvAsDuration("DIGEST_RUN_TIMEOUT", d.RunTimeout)
	d.Timezone = getEnvOrDefault("DIGEST_TIMEZONE", d.Timezone)
	d.SMTP2GOAPIKey = getEnvOrDefault("DIGEST_SMTP2GO_API_KEY", d.SMTP2GOAPIKey)
	d.SMTP2GOSender = getEnvOrDefault("DIGEST_SMTP2GO_SENDER", d.SMTP2GOSender)
	d.DigestRecipient = getEnvOrDefault("DIGEST_RECIPIENT", d.DigestRecipient)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return NewConfigurationError(fmt.Sprintf("invalid server port: %d", c.Server.Port), nil)
	}

	d := c.Features.Digest
	if !d.Enabled {
		return nil
	}

	switch strings.ToLower(d.StoreDriver) {
	case "file":
		if d.TaskStorePath == "" {
			return NewConfigurationError("task store path is required for the file driver", nil)
		}
	case "sqlite", "sqlite3":
		if c.Database.Path == "" {
			return NewConfigurationError("database path is required for the sqlite driver", nil)
		}
	default:
		return NewConfigurationError(fmt.Sprintf("unknown store driver: %s", d.StoreDriver), nil)
	}

	if d.CacheDir == "" || d.DigestDir == "" {
		return NewConfigurationError("cache and digest directories are required", nil)
	}

	switch d.FeedFormat {
	case "json", "xml":
	default:
		return NewConfigurationError(fmt.Sprintf("unknown feed format: %s", d.FeedFormat), nil)
	}

	if d.FetchTimeout <= 0 {
		return NewConfigurationError("fetch timeout must be positive", nil)
	}

	if d.FetchRate <= 0 {
		return NewConfigurationError("fetch rate must be positive", nil)
	}

	if d.Timezone != "" {
		if _, err := time.LoadLocation(d.Timezone); err != nil {
			return NewConfigurationError(fmt.Sprintf("invalid timezone: %s", d.Timezone), err)
		}
	}

	if d.SMTP2GOAPIKey != "" && d.DigestRecipient == "" {
		return NewConfigurationError("digest recipient is required when e-mail delivery is enabled", nil)
	}

	return nil
}

// Location resolves the scheduler time zone. Empty means server local time.
func (d DigestConfig) Location() *time.Location {
	if d.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(d.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// IsFeatureEnabled checks if a feature is enabled
func (c *Config) IsFeatureEnabled(featureName string) bool {
	switch strings.ToLower(featureName) {
	case "digest":
		return c.Features.Digest.Enabled
	default:
		return false
	}
}

// Helper functions for environment variable parsing
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return defaultValue
}
