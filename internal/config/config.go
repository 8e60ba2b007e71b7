// Package config loads CourseKit configuration from an optional YAML file,
// an optional .env file, and environment variables. Environment variables
// always win over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the client core.
type Config struct {
	DataDir string       `yaml:"dataDir"`
	Remote  RemoteConfig `yaml:"remote"`
	Server  ServerConfig `yaml:"server"`
	Sync    SyncConfig   `yaml:"sync"`
	Probe   ProbeConfig  `yaml:"probe"`
	Cache   CacheConfig  `yaml:"cache"`
	Log     LogConfig    `yaml:"log"`
}

// RemoteConfig describes the remote authority the core syncs against.
type RemoteConfig struct {
	BaseURL   string `yaml:"baseURL"`
	AuthToken string `yaml:"authToken"`
	UserID    string `yaml:"userID"`
}

// ServerConfig configures the local desktop bridge.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// SyncConfig tunes the sync engine and scheduler.
type SyncConfig struct {
	BatchSize      int           `yaml:"batchSize"`
	ActionTimeout  time.Duration `yaml:"actionTimeout"`
	SettleDelay    time.Duration `yaml:"settleDelay"`
	PeriodicEvery  time.Duration `yaml:"periodicEvery"`
	RetentionAge   time.Duration `yaml:"retentionAge"`
	SweepEvery     time.Duration `yaml:"sweepEvery"`
	RetentionEvery time.Duration `yaml:"retentionEvery"`
}

// ProbeConfig tunes the reachability monitor.
type ProbeConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	Interval          time.Duration `yaml:"interval"`
	StabilitySamples  int           `yaml:"stabilitySamples"`
	StabilityInterval time.Duration `yaml:"stabilityInterval"`
	StabilityMaxFlips int           `yaml:"stabilityMaxFlips"`
}

// CacheConfig carries the per-kind TTL classes.
type CacheConfig struct {
	ProfileTTL    time.Duration `yaml:"profileTTL"`
	CatalogTTL    time.Duration `yaml:"catalogTTL"`
	EnrollmentTTL time.Duration `yaml:"enrollmentTTL"`
	StatsTTL      time.Duration `yaml:"statsTTL"`
}

// LogConfig configures the structured logger.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Remote: RemoteConfig{
			BaseURL: "http://localhost:8080",
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
		Sync: SyncConfig{
			BatchSize:      10,
			ActionTimeout:  30 * time.Second,
			SettleDelay:    2 * time.Second,
			PeriodicEvery:  15 * time.Minute,
			RetentionAge:   30 * 24 * time.Hour,
			SweepEvery:     time.Hour,
			RetentionEvery: 24 * time.Hour,
		},
		Probe: ProbeConfig{
			Timeout:           5 * time.Second,
			Interval:          5 * time.Minute,
			StabilitySamples:  10,
			StabilityInterval: time.Second,
			StabilityMaxFlips: 2,
		},
		Cache: CacheConfig{
			ProfileTTL:    24 * time.Hour,
			CatalogTTL:    12 * time.Hour,
			EnrollmentTTL: 6 * time.Hour,
			StatsTTL:      2 * time.Hour,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration. A .env file next to the working directory
// is loaded if present (missing file is not an error), then the optional
// YAML file named by COURSEKIT_CONFIG, then environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("COURSEKIT_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides config values from environment variables.
func applyEnv(cfg *Config) {
	cfg.DataDir = getEnv("COURSEKIT_DATA_DIR", cfg.DataDir)
	cfg.Remote.BaseURL = getEnv("COURSEKIT_API_URL", cfg.Remote.BaseURL)
	cfg.Remote.AuthToken = getEnv("COURSEKIT_API_TOKEN", cfg.Remote.AuthToken)
	cfg.Remote.UserID = getEnv("COURSEKIT_USER_ID", cfg.Remote.UserID)

	cfg.Server.Host = getEnv("COURSEKIT_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("COURSEKIT_PORT", cfg.Server.Port)

	cfg.Sync.BatchSize = getEnvInt("SYNC_BATCH_SIZE", cfg.Sync.BatchSize)
	cfg.Sync.ActionTimeout = getEnvDuration("SYNC_ACTION_TIMEOUT", cfg.Sync.ActionTimeout)
	cfg.Sync.SettleDelay = getEnvDuration("SYNC_SETTLE_DELAY", cfg.Sync.SettleDelay)
	cfg.Sync.PeriodicEvery = getEnvDuration("SYNC_PERIODIC_EVERY", cfg.Sync.PeriodicEvery)
	cfg.Sync.RetentionAge = getEnvDuration("SYNC_RETENTION_AGE", cfg.Sync.RetentionAge)

	cfg.Probe.Timeout = getEnvDuration("PROBE_TIMEOUT", cfg.Probe.Timeout)
	cfg.Probe.Interval = getEnvDuration("PROBE_INTERVAL", cfg.Probe.Interval)
	cfg.Probe.StabilitySamples = getEnvInt("PROBE_STABILITY_SAMPLES", cfg.Probe.StabilitySamples)
	cfg.Probe.StabilityInterval = getEnvDuration("PROBE_STABILITY_INTERVAL", cfg.Probe.StabilityInterval)
	cfg.Probe.StabilityMaxFlips = getEnvInt("PROBE_STABILITY_MAX_FLIPS", cfg.Probe.StabilityMaxFlips)

	cfg.Cache.ProfileTTL = getEnvDuration("CACHE_PROFILE_TTL", cfg.Cache.ProfileTTL)
	cfg.Cache.CatalogTTL = getEnvDuration("CACHE_CATALOG_TTL", cfg.Cache.CatalogTTL)
	cfg.Cache.EnrollmentTTL = getEnvDuration("CACHE_ENROLLMENT_TTL", cfg.Cache.EnrollmentTTL)
	cfg.Cache.StatsTTL = getEnvDuration("CACHE_STATS_TTL", cfg.Cache.StatsTTL)

	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("dataDir must not be empty")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("remote.baseURL must not be empty")
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("sync.batchSize must be >= 1, got %d", c.Sync.BatchSize)
	}
	if c.Probe.StabilitySamples < 1 {
		return fmt.Errorf("probe.stabilitySamples must be >= 1, got %d", c.Probe.StabilitySamples)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
