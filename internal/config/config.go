package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the outreach engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Redis       RedisConfig       `yaml:"redis"`
	SES         SESConfig         `yaml:"ses"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Triggers    TriggerConfig     `yaml:"triggers"`
	Unsubscribe UnsubscribeConfig `yaml:"unsubscribe"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_minutes"`
}

// RedisConfig holds the optional Redis suppression-cache settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	TTLSecs  int    `yaml:"cache_ttl_seconds"`
}

// SESConfig holds AWS SES v2 credentials for the email transport.
type SESConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	FromEmail string `yaml:"from_email"`
	FromName  string `yaml:"from_name"`
}

// SchedulerConfig holds step scheduler and sweep settings.
type SchedulerConfig struct {
	TickIntervalSeconds int    `yaml:"tick_interval_seconds"`
	BatchSize           int    `yaml:"batch_size"`
	BusinessHourStart   int    `yaml:"business_hour_start"`
	BusinessHourEnd     int    `yaml:"business_hour_end"`
	SkipWeekends        bool   `yaml:"skip_weekends"`
	DefaultTimezone     string `yaml:"default_timezone"`
}

// TriggerConfig holds trigger engine settings.
type TriggerConfig struct {
	WebhookTimeoutSeconds int      `yaml:"webhook_timeout_seconds"`
	WebhookSigningKey     string   `yaml:"webhook_signing_key"`
	UpdatableLeadFields   []string `yaml:"updatable_lead_fields"`
}

// UnsubscribeConfig holds unsubscribe flow settings.
type UnsubscribeConfig struct {
	TokenTTLHours int    `yaml:"token_ttl_hours"`
	PublicBaseURL string `yaml:"public_base_url"`
}

// Load reads config from a YAML file, applying .env overrides afterwards.
func Load(path string) (*Config, error) {
	// .env is optional; ignore a missing file
	godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv builds a config from environment variables only, for
// deployments without a config file.
func LoadFromEnv() *Config {
	godotenv.Load()
	var cfg Config
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Enabled = true
		c.Redis.Addr = v
	}
	if v := os.Getenv("SES_ACCESS_KEY"); v != "" {
		c.SES.AccessKey = v
	}
	if v := os.Getenv("SES_SECRET_KEY"); v != "" {
		c.SES.SecretKey = v
	}
	if v := os.Getenv("WEBHOOK_SIGNING_KEY"); v != "" {
		c.Triggers.WebhookSigningKey = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = 5
	}
	if c.Redis.TTLSecs == 0 {
		c.Redis.TTLSecs = 60
	}
	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 30
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Scheduler.BusinessHourStart == 0 {
		c.Scheduler.BusinessHourStart = 9
	}
	if c.Scheduler.BusinessHourEnd == 0 {
		c.Scheduler.BusinessHourEnd = 17
	}
	if c.Scheduler.DefaultTimezone == "" {
		c.Scheduler.DefaultTimezone = "UTC"
	}
	if c.Triggers.WebhookTimeoutSeconds == 0 {
		c.Triggers.WebhookTimeoutSeconds = 30
	}
	if len(c.Triggers.UpdatableLeadFields) == 0 {
		c.Triggers.UpdatableLeadFields = []string{
			"status", "score", "owner", "stage", "notes",
		}
	}
	if c.Unsubscribe.TokenTTLHours == 0 {
		c.Unsubscribe.TokenTTLHours = 168
	}
}

// ConnMaxLifetimeDuration returns the connection lifetime as a Duration.
func (c DatabaseConfig) ConnMaxLifetimeDuration() time.Duration {
	return time.Duration(c.ConnMaxLifetime) * time.Minute
}

// TickInterval returns the sweep interval as a Duration.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// CacheTTL returns the suppression cache TTL as a Duration.
func (c RedisConfig) CacheTTL() time.Duration {
	return time.Duration(c.TTLSecs) * time.Second
}

// WebhookTimeout returns the outbound webhook timeout as a Duration.
func (c TriggerConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}
