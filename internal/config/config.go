package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	Expiry    ExpiryConfig    `mapstructure:"expiry"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Realtime  RealtimeConfig  `mapstructure:"realtime"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress     string   `mapstructure:"bind_address"`
	HTTPPort        int      `mapstructure:"http_port"`
	MetricsPort     int      `mapstructure:"metrics_port"`
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	ShutdownTimeout string   `mapstructure:"shutdown_timeout"`
}

// StorageConfig defines the SQL backend
type StorageConfig struct {
	Driver       string `mapstructure:"driver"` // "sqlite" or "postgres"
	Path         string `mapstructure:"path"`   // sqlite database file
	DSN          string `mapstructure:"dsn"`    // postgres connection string
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// RedisConfig defines the optional realtime relay connection
type RedisConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	Channel      string `mapstructure:"channel"`
	PoolSize     int    `mapstructure:"pool_size"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// KafkaConfig defines the optional event export
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// AuthConfig defines staff token validation and public endpoint throttling
type AuthConfig struct {
	JWTSecret string  `mapstructure:"jwt_secret"`
	TokenTTL  string  `mapstructure:"token_ttl"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second per client IP
	RateBurst int     `mapstructure:"rate_burst"`
}

// PolicyConfig defines the authorization policy source
type PolicyConfig struct {
	File string `mapstructure:"file"` // optional rego override of the built-in policy
}

// PresenceConfig defines the heartbeat sweep
type PresenceConfig struct {
	Interval         string `mapstructure:"interval"`
	OfflineThreshold string `mapstructure:"offline_threshold"`
}

// ExpiryConfig defines the expiry sweep
type ExpiryConfig struct {
	Interval string `mapstructure:"interval"`
}

// DiscoveryConfig defines discovery cleanup thresholds
type DiscoveryConfig struct {
	CleanupInterval     string `mapstructure:"cleanup_interval"`
	StalePending        string `mapstructure:"stale_pending"`
	OldRejected         string `mapstructure:"old_rejected"`
	OldApproved         string `mapstructure:"old_approved"`
	AggressiveThreshold string `mapstructure:"aggressive_threshold"`
}

// RealtimeConfig defines periodic countdown broadcasts
type RealtimeConfig struct {
	TimerInterval  string `mapstructure:"timer_interval"`
	WarningMinutes []int  `mapstructure:"warning_minutes"`
}

// CatalogConfig defines the package lookup cache
type CatalogConfig struct {
	CacheSize int    `mapstructure:"cache_size"`
	CacheTTL  string `mapstructure:"cache_ttl"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("TVBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Defaults returns the configuration built from defaults alone, unvalidated.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys lists keys in the config file that no setting reads.
func UnknownKeys(configPath string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(configPath)
	if err := file.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	var unknown []string
	for _, key := range file.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.shutdown_timeout", "10s")

	// Storage defaults
	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.path", "/var/lib/tvbill/tvbill.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.max_open_conns", 10)

	// Redis relay defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "tvbill:events")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	// Kafka export defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "tvbill.events")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Auth defaults
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "12h")
	v.SetDefault("auth.rate_limit", 5.0)
	v.SetDefault("auth.rate_burst", 20)

	// Policy defaults
	v.SetDefault("policy.file", "")

	// Sweep defaults
	v.SetDefault("presence.interval", "60s")
	v.SetDefault("presence.offline_threshold", "2m")
	v.SetDefault("expiry.interval", "60s")
	v.SetDefault("discovery.cleanup_interval", "5m")
	v.SetDefault("discovery.stale_pending", "10m")
	v.SetDefault("discovery.old_rejected", "168h")
	v.SetDefault("discovery.old_approved", "24h")
	v.SetDefault("discovery.aggressive_threshold", "5m")

	// Realtime defaults
	v.SetDefault("realtime.timer_interval", "30s")
	v.SetDefault("realtime.warning_minutes", []int{5, 1})

	// Catalog defaults
	v.SetDefault("catalog.cache_size", 128)
	v.SetDefault("catalog.cache_ttl", "5m")
}

// validate validates the configuration
func validate(cfg *Config) error {
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MetricsPort <= 0 || cfg.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", cfg.Server.MetricsPort)
	}
	if cfg.Server.MetricsPort == cfg.Server.HTTPPort {
		return fmt.Errorf("metrics port must differ from HTTP port")
	}

	switch cfg.Storage.Driver {
	case "", "sqlite":
		cfg.Storage.Driver = "sqlite"
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for sqlite")
		}
		// Ensure storage directory exists
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "postgres":
		if cfg.Storage.DSN == "" {
			return fmt.Errorf("storage dsn is required for postgres")
		}
	default:
		return fmt.Errorf("unsupported storage driver: %s (expected 'sqlite' or 'postgres')", cfg.Storage.Driver)
	}

	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if cfg.Kafka.Enabled && (len(cfg.Kafka.Brokers) == 0 || cfg.Kafka.Topic == "") {
		return fmt.Errorf("kafka export requires brokers and a topic")
	}
	if cfg.Redis.Enabled && cfg.Redis.Channel == "" {
		return fmt.Errorf("redis relay requires a channel")
	}

	durations := map[string]string{
		"presence.interval":              cfg.Presence.Interval,
		"presence.offline_threshold":     cfg.Presence.OfflineThreshold,
		"expiry.interval":                cfg.Expiry.Interval,
		"discovery.cleanup_interval":     cfg.Discovery.CleanupInterval,
		"discovery.stale_pending":        cfg.Discovery.StalePending,
		"discovery.old_rejected":         cfg.Discovery.OldRejected,
		"discovery.old_approved":         cfg.Discovery.OldApproved,
		"discovery.aggressive_threshold": cfg.Discovery.AggressiveThreshold,
		"realtime.timer_interval":        cfg.Realtime.TimerInterval,
		"server.shutdown_timeout":        cfg.Server.ShutdownTimeout,
		"auth.token_ttl":                 cfg.Auth.TokenTTL,
		"catalog.cache_ttl":              cfg.Catalog.CacheTTL,
	}
	for key, value := range durations {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}

	return nil
}
