package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the wsrpcd host process.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Relay     RelayConfig     `mapstructure:"relay"`
	KeepAlive KeepAliveConfig `mapstructure:"keepalive"`
}

// ServerConfig contains network-level settings for the HTTP/WebSocket
// listener that accepts sessions.
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	WSPath       string        `mapstructure:"ws_path"`
	HealthPath   string        `mapstructure:"health_path"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// AuthConfig controls the optional JWT upgrade gate. Authentication is a
// transport/host-level concern, not something the core framework
// implements, so a host is free to set RequireAuth false and run with
// none at all.
type AuthConfig struct {
	RequireAuth     bool          `mapstructure:"require_auth"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	TokenExpiration time.Duration `mapstructure:"token_expiration"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// RelayConfig controls the optional NATS telemetry relay.
type RelayConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// KeepAliveConfig holds the keep-alive ping frequency setting. The wsrpcd
// host does not pass it on: Services register with the process-wide
// scheduler, which pings every wsrpc.DefaultPingFrequency.
type KeepAliveConfig struct {
	Frequency time.Duration `mapstructure:"frequency"`
}

// Load reads configuration from environment variables and an optional
// config file named "wsrpcd" (yaml/json/toml) in the working directory
// or ./config.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8082)
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.health_path", "/healthz")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("auth.require_auth", false)
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_expiration", 24*time.Hour)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)

	v.SetDefault("relay.enabled", false)
	v.SetDefault("relay.url", "nats://127.0.0.1:4222")
	v.SetDefault("relay.subject", "wsrpc.telemetry")

	v.SetDefault("keepalive.frequency", 30*time.Second)

	v.SetConfigName("wsrpcd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("WSRPC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file is optional; a missing one is not an error.
	_ = v.ReadInConfig()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.Auth.RequireAuth && cfg.Auth.JWTSecret == "" {
		return Config{}, fmt.Errorf("auth.require_auth is set but auth.jwt_secret is empty")
	}

	return cfg, nil
}
