package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the tracking service
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Tracking TrackingConfig `yaml:"tracking"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL settings
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds optional Redis settings. When Addr is empty the service
// falls back to PostgreSQL advisory locks for dedup serialization.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// TrackingConfig holds the engagement-tracking behavior knobs. The dedup
// windows are deployment constants, never request parameters.
type TrackingConfig struct {
	BaseURL            string `yaml:"base_url"`
	FallbackURL        string `yaml:"fallback_url"`
	OpenDedupSeconds   int    `yaml:"open_dedup_seconds"`
	ClickDedupSeconds  int    `yaml:"click_dedup_seconds"`
	LockTTLMillis      int    `yaml:"lock_ttl_millis"`
	SerializeRecording bool   `yaml:"serialize_recording"`
}

// OpenDedupWindow returns the open-dedup window as a duration.
func (t TrackingConfig) OpenDedupWindow() time.Duration {
	return time.Duration(t.OpenDedupSeconds) * time.Second
}

// ClickDedupWindow returns the click-dedup window as a duration.
func (t TrackingConfig) ClickDedupWindow() time.Duration {
	return time.Duration(t.ClickDedupSeconds) * time.Second
}

// LockTTL returns the per-token lock TTL as a duration.
func (t TrackingConfig) LockTTL() time.Duration {
	return time.Duration(t.LockTTLMillis) * time.Millisecond
}

// LogConfig holds logging settings
type LogConfig struct {
	Level     string `yaml:"level"`
	RedactPII *bool  `yaml:"redact_pii"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads configuration with environment variable overrides.
// A .env file (if present) is loaded first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
		// No config file: run on defaults + env
		cfg = &Config{}
		cfg.applyDefaults()
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("TRACKING_BASE_URL"); v != "" {
		cfg.Tracking.BaseURL = v
	}
	if v := os.Getenv("TRACKING_FALLBACK_URL"); v != "" {
		cfg.Tracking.FallbackURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8081
	}
	if c.Tracking.OpenDedupSeconds == 0 {
		c.Tracking.OpenDedupSeconds = 60
	}
	if c.Tracking.ClickDedupSeconds == 0 {
		c.Tracking.ClickDedupSeconds = 5
	}
	if c.Tracking.LockTTLMillis == 0 {
		c.Tracking.LockTTLMillis = 2000
	}
	if c.Log.Level == "" {
		c.Log.Level = "INFO"
	}
}

// ListenAddr returns the host:port the HTTP server binds to.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
