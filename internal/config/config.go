// Package config handles configuration loading for stix-stream.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	Logging      LoggingConfig      `yaml:"logging"`
	Queue        QueueConfig        `yaml:"queue"`
	Validation   ValidationConfig   `yaml:"validation"`
	Cache        CacheConfig        `yaml:"cache"`
	Access       AccessConfig       `yaml:"access"`
	Stream       StreamConfig       `yaml:"stream"`
	Engine       EngineConfig       `yaml:"engine"`
	EntityStore  EntityStoreConfig  `yaml:"entity_store"`
	Invalidation InvalidationConfig `yaml:"invalidation"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QueueConfig holds change event queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ValidationConfig holds change event validation settings.
type ValidationConfig struct {
	MaxEventAge time.Duration `yaml:"max_event_age"`
	MaxFuture   time.Duration `yaml:"max_future"`
}

// CacheConfig holds entity cache settings.
type CacheConfig struct {
	// PollInterval is how often a waiting reader re-checks a slot another
	// goroutine is populating.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// AccessConfig holds access gate settings.
type AccessConfig struct {
	PlatformOrganization string `yaml:"platform_organization"`
	EnforceOrganizations bool   `yaml:"enforce_organizations"`
}

// StreamConfig holds Kafka change stream settings.
type StreamConfig struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
}

// EngineConfig holds matching engine settings.
type EngineConfig struct {
	Workers      int           `yaml:"workers"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// EntityStoreConfig holds ClickHouse entity store settings.
type EntityStoreConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// InvalidationConfig holds the Redis invalidation bus settings.
type InvalidationConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	Channel      string        `yaml:"channel"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TLSEnabled   bool          `yaml:"tls_enabled"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Queue: QueueConfig{
			Size: 100000,
		},
		Validation: ValidationConfig{
			MaxEventAge: 7 * 24 * time.Hour,
			MaxFuture:   5 * time.Minute,
		},
		Cache: CacheConfig{
			PollInterval: 100 * time.Millisecond,
		},
		Access: AccessConfig{
			EnforceOrganizations: false,
		},
		Stream: StreamConfig{
			Brokers:        []string{"localhost:9092"},
			Topic:          "stix-change-stream",
			ConsumerGroup:  "stix-stream-matchers",
			MinBytes:       1,
			MaxBytes:       10 * 1024 * 1024, // 10MB
			MaxWait:        500 * time.Millisecond,
			CommitInterval: time.Second,
		},
		Engine: EngineConfig{
			Workers:      4,
			ShutdownWait: 30 * time.Second,
		},
		EntityStore: EntityStoreConfig{
			Enabled:         false, // Disabled by default for development without ClickHouse
			Hosts:           []string{"localhost:9000"},
			Database:        "stix",
			Username:        "default",
			Password:        "",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			TLSEnabled:      false,
			DialTimeout:     10 * time.Second,
		},
		Invalidation: InvalidationConfig{
			Enabled:      false, // Disabled by default for single-node deployments
			Addr:         "localhost:6379",
			Channel:      "stix-stream:cache-invalidation",
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
	}
}

// Load loads configuration from the default locations: the path in
// STIX_STREAM_CONFIG_PATH, falling back to configs/config.yaml.
func Load() (*Config, error) {
	configPath := os.Getenv("STIX_STREAM_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}
	return LoadFrom(configPath)
}

// LoadFrom loads configuration from an explicit file path. A missing file
// yields the defaults; env overrides apply either way.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("STIX_STREAM_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Stream.Brokers = splitAndTrim(brokers, ",")
	}

	if topic := os.Getenv("KAFKA_TOPIC"); topic != "" {
		c.Stream.Topic = topic
	}

	if group := os.Getenv("KAFKA_CONSUMER_GROUP"); group != "" {
		c.Stream.ConsumerGroup = group
	}

	// Entity store settings
	if enabled := os.Getenv("STIX_STREAM_ENTITY_STORE_ENABLED"); enabled == "true" {
		c.EntityStore.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.EntityStore.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.EntityStore.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.EntityStore.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.EntityStore.Password = pass
	}

	// Invalidation bus settings
	if enabled := os.Getenv("STIX_STREAM_INVALIDATION_ENABLED"); enabled == "true" {
		c.Invalidation.Enabled = true
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Invalidation.Addr = addr
	}

	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		c.Invalidation.Password = pass
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine workers must be positive")
	}

	if c.Cache.PollInterval <= 0 {
		return fmt.Errorf("cache poll_interval must be positive")
	}

	if len(c.Stream.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}

	if c.Stream.Topic == "" {
		return fmt.Errorf("kafka topic is required")
	}

	if c.EntityStore.Enabled && len(c.EntityStore.Hosts) == 0 {
		return fmt.Errorf("entity store is enabled but no hosts are configured")
	}

	if c.Invalidation.Enabled && c.Invalidation.Addr == "" {
		return fmt.Errorf("invalidation bus is enabled but no redis addr is configured")
	}

	return nil
}
