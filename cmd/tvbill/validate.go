package main

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/tvbill/internal/config"
	"github.com/spf13/cobra"
)

var validateDump bool

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the tvbill configuration file and report keys that will be ignored.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with non-default values highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	unknownKeys, err := config.UnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	if cfg.Auth.JWTSecret == "" {
		_, _ = color.New(color.FgYellow).Fprintln(os.Stdout, "⚠️  auth.jwt_secret is empty, staff tokens cannot be verified")
	}

	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())
	}

	return nil
}

func dumpConfig(cfg, def *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	section := func(name string) { _, _ = cyan.Printf("\n[%s]\n", name) }
	field := func(name string, value, defaultValue any) {
		dumpField("  "+name, value, defaultValue, yellow, green)
	}

	section("server")
	field("bind_address", cfg.Server.BindAddress, def.Server.BindAddress)
	field("http_port", cfg.Server.HTTPPort, def.Server.HTTPPort)
	field("metrics_port", cfg.Server.MetricsPort, def.Server.MetricsPort)
	field("allowed_origins", cfg.Server.AllowedOrigins, def.Server.AllowedOrigins)
	field("shutdown_timeout", cfg.Server.ShutdownTimeout, def.Server.ShutdownTimeout)

	section("storage")
	field("driver", cfg.Storage.Driver, def.Storage.Driver)
	field("path", cfg.Storage.Path, def.Storage.Path)
	field("dsn", redactPassword(cfg.Storage.DSN), redactPassword(def.Storage.DSN))
	field("max_open_conns", cfg.Storage.MaxOpenConns, def.Storage.MaxOpenConns)

	section("redis")
	field("enabled", cfg.Redis.Enabled, def.Redis.Enabled)
	field("host", cfg.Redis.Host, def.Redis.Host)
	field("port", cfg.Redis.Port, def.Redis.Port)
	field("password", redactPassword(cfg.Redis.Password), redactPassword(def.Redis.Password))
	field("db", cfg.Redis.DB, def.Redis.DB)
	field("channel", cfg.Redis.Channel, def.Redis.Channel)
	field("pool_size", cfg.Redis.PoolSize, def.Redis.PoolSize)
	field("dial_timeout", cfg.Redis.DialTimeout, def.Redis.DialTimeout)
	field("read_timeout", cfg.Redis.ReadTimeout, def.Redis.ReadTimeout)
	field("write_timeout", cfg.Redis.WriteTimeout, def.Redis.WriteTimeout)

	section("kafka")
	field("enabled", cfg.Kafka.Enabled, def.Kafka.Enabled)
	field("brokers", cfg.Kafka.Brokers, def.Kafka.Brokers)
	field("topic", cfg.Kafka.Topic, def.Kafka.Topic)

	section("logging")
	field("level", cfg.Logging.Level, def.Logging.Level)
	field("format", cfg.Logging.Format, def.Logging.Format)

	section("auth")
	field("jwt_secret", redactPassword(cfg.Auth.JWTSecret), redactPassword(def.Auth.JWTSecret))
	field("token_ttl", cfg.Auth.TokenTTL, def.Auth.TokenTTL)
	field("rate_limit", cfg.Auth.RateLimit, def.Auth.RateLimit)
	field("rate_burst", cfg.Auth.RateBurst, def.Auth.RateBurst)

	section("policy")
	field("file", cfg.Policy.File, def.Policy.File)

	section("presence")
	field("interval", cfg.Presence.Interval, def.Presence.Interval)
	field("offline_threshold", cfg.Presence.OfflineThreshold, def.Presence.OfflineThreshold)

	section("expiry")
	field("interval", cfg.Expiry.Interval, def.Expiry.Interval)

	section("discovery")
	field("cleanup_interval", cfg.Discovery.CleanupInterval, def.Discovery.CleanupInterval)
	field("stale_pending", cfg.Discovery.StalePending, def.Discovery.StalePending)
	field("old_rejected", cfg.Discovery.OldRejected, def.Discovery.OldRejected)
	field("old_approved", cfg.Discovery.OldApproved, def.Discovery.OldApproved)
	field("aggressive_threshold", cfg.Discovery.AggressiveThreshold, def.Discovery.AggressiveThreshold)

	section("realtime")
	field("timer_interval", cfg.Realtime.TimerInterval, def.Realtime.TimerInterval)
	field("warning_minutes", cfg.Realtime.WarningMinutes, def.Realtime.WarningMinutes)

	section("catalog")
	field("cache_size", cfg.Catalog.CacheSize, def.Catalog.CacheSize)
	field("cache_ttl", cfg.Catalog.CacheTTL, def.Catalog.CacheTTL)

	fmt.Println()
}

// dumpField prints one key, highlighted when it differs from the default.
func dumpField(name string, value, defaultValue any, modifiedColor, defaultColor *color.Color) {
	valueStr := fmt.Sprintf("%v", value)
	if reflect.DeepEqual(value, defaultValue) {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
		return
	}
	_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
}

func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
