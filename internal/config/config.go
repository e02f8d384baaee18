package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Database  DatabaseConfig  `yaml:"database"`
	Storage   StorageConfig   `yaml:"storage"`
	Redis     RedisConfig     `yaml:"redis"`
	Evolution EvolutionConfig `yaml:"evolution"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Health    HealthConfig    `yaml:"health"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains HTTP listener settings
type ServerConfig struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"` // 0 keeps event streams open
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	TrustProxies bool          `yaml:"trust_proxies"` // honour X-Forwarded-For in IP filters
}

// APIConfig contains command plane settings
type APIConfig struct {
	Keys      []APIKey        `yaml:"keys"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKey binds an API key to a tenant
type APIKey struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
}

// RateLimitConfig limits command requests per tenant
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DatabaseConfig contains relational store settings
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig contains the bbolt queue settings
type StorageConfig struct {
	Path            string        `yaml:"path"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	DLQMaxAge       time.Duration `yaml:"dlq_max_age"`   // 0 = keep forever
	DLQMaxCount     int           `yaml:"dlq_max_count"` // 0 = unlimited
}

// RedisConfig enables cross-process coordination
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled"`
	URL       string `yaml:"url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// EvolutionConfig contains gateway settings
type EvolutionConfig struct {
	BaseURL       string        `yaml:"base_url"`
	Timeout       time.Duration `yaml:"timeout"`
	SendPresence  bool          `yaml:"send_presence"`
	PresenceDelay time.Duration `yaml:"presence_delay"`
	DefaultRegion string        `yaml:"default_region"` // region for phones stored without country code
}

// DispatchConfig contains campaign worker settings
type DispatchConfig struct {
	MaxCampaigns        int           `yaml:"max_campaigns"`
	LeaseTTL            time.Duration `yaml:"lease_ttl"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	NoInstanceBackoff   time.Duration `yaml:"no_instance_backoff"`
	NoWindowBackoff     time.Duration `yaml:"no_window_backoff"`
	RetryBaseDelay      time.Duration `yaml:"retry_base_delay"`
	MaxRetries          int           `yaml:"max_retries"`
	CancelPollInterval  time.Duration `yaml:"cancel_poll_interval"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	SweepInterval       time.Duration `yaml:"sweep_interval"`
	MaxRunningPerTenant int           `yaml:"max_running_per_tenant"` // 0 = unlimited
}

// WebhookConfig contains webhook intake and reconciliation settings
type WebhookConfig struct {
	Backend          string        `yaml:"backend"` // bolt or amqp
	AMQPURL          string        `yaml:"amqp_url"`
	AMQPQueue        string        `yaml:"amqp_queue"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	OrphanRetryDelay time.Duration `yaml:"orphan_retry_delay"`
	MaxAttempts      int           `yaml:"max_attempts"`
	AckTimeout       time.Duration `yaml:"ack_timeout"`
	ReplyWindow      time.Duration `yaml:"reply_window"`
	AllowedIPs       []string      `yaml:"allowed_ips"` // gateway addresses, empty = any
}

// HealthConfig contains instance reputation settings
type HealthConfig struct {
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	ReprobeAfter         time.Duration `yaml:"reprobe_after"`
	DisableAfterFailures int           `yaml:"disable_after_failures"`
	ResetSchedule        string        `yaml:"reset_schedule"` // cron expression
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // empty = any
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.API.RateLimit.RequestsPerSecond == 0 {
		c.API.RateLimit.RequestsPerSecond = 10
	}
	if c.API.RateLimit.Burst == 0 {
		c.API.RateLimit.Burst = 20
	}

	if c.Database.Path == "" {
		c.Database.Path = "/var/lib/zapflow/zapflow.db"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/zapflow/queue.db"
	}
	if c.Storage.CleanupInterval == 0 {
		c.Storage.CleanupInterval = 10 * time.Minute
	}
	if c.Storage.DLQMaxAge == 0 {
		c.Storage.DLQMaxAge = 7 * 24 * time.Hour
	}
	if c.Storage.DLQMaxCount == 0 {
		c.Storage.DLQMaxCount = 10000
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "zapflow:"
	}

	if c.Evolution.Timeout == 0 {
		c.Evolution.Timeout = 10 * time.Second
	}
	if c.Evolution.PresenceDelay == 0 {
		c.Evolution.PresenceDelay = 1200 * time.Millisecond
	}
	if c.Evolution.DefaultRegion == "" {
		c.Evolution.DefaultRegion = "BR"
	}

	d := &c.Dispatch
	if d.MaxCampaigns == 0 {
		d.MaxCampaigns = 100
	}
	if d.LeaseTTL == 0 {
		d.LeaseTTL = 30 * time.Second
	}
	if d.HeartbeatInterval == 0 {
		d.HeartbeatInterval = 10 * time.Second
	}
	if d.NoInstanceBackoff == 0 {
		d.NoInstanceBackoff = 60 * time.Second
	}
	if d.NoWindowBackoff == 0 {
		d.NoWindowBackoff = time.Hour
	}
	if d.RetryBaseDelay == 0 {
		d.RetryBaseDelay = 5 * time.Second
	}
	if d.MaxRetries == 0 {
		d.MaxRetries = 3
	}
	if d.CancelPollInterval == 0 {
		d.CancelPollInterval = time.Second
	}
	if d.PollInterval == 0 {
		d.PollInterval = time.Second
	}
	if d.SweepInterval == 0 {
		d.SweepInterval = 30 * time.Second
	}

	w := &c.Webhook
	if w.Backend == "" {
		w.Backend = "bolt"
	}
	if w.AMQPQueue == "" {
		w.AMQPQueue = "zapflow.webhooks"
	}
	if w.DedupTTL == 0 {
		w.DedupTTL = 24 * time.Hour
	}
	if w.OrphanRetryDelay == 0 {
		w.OrphanRetryDelay = 500 * time.Millisecond
	}
	if w.MaxAttempts == 0 {
		w.MaxAttempts = 10
	}
	if w.AckTimeout == 0 {
		w.AckTimeout = 5 * time.Second
	}
	if w.ReplyWindow == 0 {
		w.ReplyWindow = 72 * time.Hour
	}

	h := &c.Health
	if h.CacheTTL == 0 {
		h.CacheTTL = 3 * time.Minute
	}
	if h.StaleAfter == 0 {
		h.StaleAfter = 30 * time.Second
	}
	if h.ReprobeAfter == 0 {
		h.ReprobeAfter = 180 * time.Second
	}
	if h.DisableAfterFailures == 0 {
		h.DisableAfterFailures = 5
	}
	if h.ResetSchedule == "" {
		h.ResetSchedule = "* * * * *"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// applyEnv overrides secrets and endpoints from the environment
func (c *Config) applyEnv() {
	if v := os.Getenv("ZAPFLOW_EVOLUTION_BASE_URL"); v != "" {
		c.Evolution.BaseURL = v
	}
	if v := os.Getenv("ZAPFLOW_DATABASE_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("ZAPFLOW_REDIS_URL"); v != "" {
		c.Redis.URL = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("ZAPFLOW_AMQP_URL"); v != "" {
		c.Webhook.AMQPURL = v
	}
	if v := os.Getenv("ZAPFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("ZAPFLOW_METRICS_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Metrics.Enabled = b
		}
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.API.Keys) == 0 {
		return fmt.Errorf("api.keys must not be empty")
	}
	seen := make(map[string]bool)
	for i, k := range c.API.Keys {
		if k.Key == "" || k.TenantID == "" {
			return fmt.Errorf("api.keys[%d]: key and tenant_id are required", i)
		}
		if seen[k.Key] {
			return fmt.Errorf("api.keys[%d]: duplicate key", i)
		}
		seen[k.Key] = true
	}

	if c.Evolution.BaseURL == "" {
		return fmt.Errorf("evolution.base_url is required")
	}

	if c.Redis.Enabled && c.Redis.URL == "" {
		return fmt.Errorf("redis.url is required when redis is enabled")
	}

	if c.Dispatch.CancelPollInterval > 2*time.Second {
		return fmt.Errorf("dispatch.cancel_poll_interval must not exceed 2s")
	}
	if c.Dispatch.LeaseTTL <= c.Dispatch.HeartbeatInterval {
		return fmt.Errorf("dispatch.lease_ttl must be greater than dispatch.heartbeat_interval")
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}

	switch c.Webhook.Backend {
	case "bolt":
	case "amqp":
		if c.Webhook.AMQPURL == "" {
			return fmt.Errorf("webhook.amqp_url is required when webhook.backend is amqp")
		}
	default:
		return fmt.Errorf("invalid webhook.backend: %s (must be bolt or amqp)", c.Webhook.Backend)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// TenantForKey returns the tenant bound to an API key
func (c *APIConfig) TenantForKey(key string) (string, bool) {
	for _, k := range c.Keys {
		if k.Key == key {
			return k.TenantID, true
		}
	}
	return "", false
}
