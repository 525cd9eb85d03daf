// Package config loads agent configuration from the environment, with an
// optional YAML profile for packaged deployments. Environment always wins.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds agent configuration.
type Config struct {
	// Identity is the audience value capability tokens must carry.
	Identity string `yaml:"identity"`

	// SupervisorPublicKey is the PEM-encoded Ed25519 key that signs
	// capabilities. Required in production mode.
	SupervisorPublicKey string `yaml:"supervisor_public_key"`

	// DBPath is the absolute path to the embedded state store file.
	DBPath string `yaml:"db_path"`

	// DBURL, when set, selects the Postgres adapter instead of the
	// embedded file.
	DBURL string `yaml:"db_url"`

	ClockSkewSeconds int `yaml:"clock_skew_seconds"`
	SessionCacheSize int `yaml:"session_cache_size"`

	LogLevel     string `yaml:"log_level"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Telemetry    bool   `yaml:"telemetry"`

	// DevMode permits starting without a supervisor key. Never set in
	// production; verification cannot succeed without the key.
	DevMode bool `yaml:"dev_mode"`
}

// Load reads configuration: defaults first, then the profile file (if
// TGA_PROFILE is set), then environment overrides.
func Load() (*Config, error) {
	cfg := &Config{
		Identity:         "tga-1",
		DBPath:           "tga.db",
		ClockSkewSeconds: 5,
		SessionCacheSize: 1024,
		LogLevel:         "INFO",
		OTLPEndpoint:     "localhost:4317",
	}

	if profile := os.Getenv("TGA_PROFILE"); profile != "" {
		if err := loadProfile(cfg, profile); err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("TGA_IDENTITY"); v != "" {
		cfg.Identity = v
	}
	if v := os.Getenv("TGA_SUPERVISOR_PUBLIC_KEY"); v != "" {
		cfg.SupervisorPublicKey = v
	}
	if v := os.Getenv("TGA_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("TGA_DB_URL"); v != "" {
		cfg.DBURL = v
	}
	if v := os.Getenv("TGA_CLOCK_SKEW_SECONDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("config: TGA_CLOCK_SKEW_SECONDS %q is not a non-negative integer", v)
		}
		cfg.ClockSkewSeconds = n
	}
	if v := os.Getenv("TGA_SESSION_CACHE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: TGA_SESSION_CACHE_SIZE %q is not a positive integer", v)
		}
		cfg.SessionCacheSize = n
	}
	if v := os.Getenv("TGA_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("TGA_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}
	if v := os.Getenv("TGA_TELEMETRY"); v != "" {
		cfg.Telemetry = v == "true" || v == "1"
	}
	if v := os.Getenv("TGA_DEV_MODE"); v != "" {
		cfg.DevMode = v == "true" || v == "1"
	}

	return cfg, nil
}

// Validate enforces the fail-closed startup requirements.
func (c *Config) Validate() error {
	if c.Identity == "" {
		return fmt.Errorf("config: identity is required")
	}
	if c.SupervisorPublicKey == "" && !c.DevMode {
		return fmt.Errorf("config: TGA_SUPERVISOR_PUBLIC_KEY is required outside dev mode")
	}
	if c.DBPath == "" && c.DBURL == "" {
		return fmt.Errorf("config: a state store path or URL is required")
	}
	return nil
}
