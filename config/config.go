// Package config handles loading and validation of the notification sync client
// configuration from environment variables and, optionally, a configuration file.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/horohouse/notifysync/logger"
	"github.com/spf13/viper"
)

// Environment represents the application's running environment (development or production).
type Environment string

const (
	EnvDevelopment Environment = "development"
	EnvProduction  Environment = "production"

	maxPageSize = 100
)

// ClientConfig holds process-wide settings.
type ClientConfig struct {
	Environment Environment `mapstructure:"ENVIRONMENT" yaml:"environment"`
	LogLevel    string      `mapstructure:"LOG_LEVEL" yaml:"log_level"`
}

// APIConfig holds settings for the notification REST API.
type APIConfig struct {
	BaseURL        string `mapstructure:"BASE_URL" yaml:"base_url"`
	TimeoutSeconds int    `mapstructure:"TIMEOUT_SECONDS" yaml:"timeout_seconds"`
	// PageSize is the number of notifications requested per hydration page.
	PageSize int `mapstructure:"PAGE_SIZE" yaml:"page_size"`
}

// WebSocketConfig holds settings for the live event connection.
type WebSocketConfig struct {
	URL                 string `mapstructure:"URL" yaml:"url"`
	PingIntervalSeconds int    `mapstructure:"PING_INTERVAL_SECONDS" yaml:"ping_interval_seconds"`
	WriteTimeoutSeconds int    `mapstructure:"WRITE_TIMEOUT_SECONDS" yaml:"write_timeout_seconds"`
	DialTimeoutSeconds  int    `mapstructure:"DIAL_TIMEOUT_SECONDS" yaml:"dial_timeout_seconds"`
	// Reconnect policy. MaxRetries of 0 disables reconnection.
	ReconnectMaxRetries int `mapstructure:"RECONNECT_MAX_RETRIES" yaml:"reconnect_max_retries"`
	ReconnectInitialMs  int `mapstructure:"RECONNECT_INITIAL_MS" yaml:"reconnect_initial_ms"`
	ReconnectMaxMs      int `mapstructure:"RECONNECT_MAX_MS" yaml:"reconnect_max_ms"`
}

// AlertsConfig holds settings for native notification alerts.
type AlertsConfig struct {
	Enabled bool `mapstructure:"ENABLED" yaml:"enabled"`
	// RedisAddress enables cross-instance alert dedupe when set.
	RedisAddress     string `mapstructure:"REDIS_ADDRESS" yaml:"redis_address"`
	RedisPassword    string `mapstructure:"REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB          int    `mapstructure:"REDIS_DB" yaml:"redis_db"`
	DedupeTTLSeconds int    `mapstructure:"DEDUPE_TTL_SECONDS" yaml:"dedupe_ttl_seconds"`
}

// MetricsConfig holds settings for the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"ENABLED" yaml:"enabled"`
	Address string `mapstructure:"ADDRESS" yaml:"address"`
}

// AuthConfig holds the credential used by the headless watcher binary.
type AuthConfig struct {
	AccessToken string `mapstructure:"ACCESS_TOKEN" yaml:"access_token"`
}

// Config aggregates all configuration sections.
type Config struct {
	Client    ClientConfig    `mapstructure:"CLIENT" yaml:"client"`
	API       APIConfig       `mapstructure:"API" yaml:"api"`
	WebSocket WebSocketConfig `mapstructure:"WEBSOCKET" yaml:"websocket"`
	Alerts    AlertsConfig    `mapstructure:"ALERTS" yaml:"alerts"`
	Metrics   MetricsConfig   `mapstructure:"METRICS" yaml:"metrics"`
	Auth      AuthConfig      `mapstructure:"AUTH" yaml:"auth"`
}

// IsDevelopment returns true if the client is running in development environment.
func (c *Config) IsDevelopment() bool {
	return c.Client.Environment == EnvDevelopment
}

// IsProduction returns true if the client is running in production environment.
func (c *Config) IsProduction() bool {
	return c.Client.Environment == EnvProduction
}

// APITimeout returns the REST timeout as a duration.
func (c APIConfig) APITimeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// PingInterval returns the keepalive interval.
func (c WebSocketConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

// WriteTimeout returns the per-write deadline.
func (c WebSocketConfig) WriteTimeout() time.Duration {
	return time.Duration(c.WriteTimeoutSeconds) * time.Second
}

// DialTimeout returns the handshake deadline.
func (c WebSocketConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutSeconds) * time.Second
}

// ReconnectInitial returns the first reconnect backoff interval.
func (c WebSocketConfig) ReconnectInitial() time.Duration {
	return time.Duration(c.ReconnectInitialMs) * time.Millisecond
}

// ReconnectMax returns the maximum reconnect backoff interval.
func (c WebSocketConfig) ReconnectMax() time.Duration {
	return time.Duration(c.ReconnectMaxMs) * time.Millisecond
}

// DedupeTTL returns how long an alerted notification id is remembered.
func (c AlertsConfig) DedupeTTL() time.Duration {
	return time.Duration(c.DedupeTTLSeconds) * time.Second
}

// bindEnvVars binds multiple environment variables to config keys.
// Format: []{configKey, envVar}
func bindEnvVars(v *viper.Viper, bindings [][2]string) error {
	for _, b := range bindings {
		if err := v.BindEnv(b[0], b[1]); err != nil {
			return fmt.Errorf("failed to bind %s: %w", b[0], err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("CLIENT.ENVIRONMENT", EnvDevelopment)
	v.SetDefault("CLIENT.LOG_LEVEL", "info")
	v.SetDefault("API.TIMEOUT_SECONDS", 10)
	v.SetDefault("API.PAGE_SIZE", 20)
	v.SetDefault("WEBSOCKET.PING_INTERVAL_SECONDS", 30)
	v.SetDefault("WEBSOCKET.WRITE_TIMEOUT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.DIAL_TIMEOUT_SECONDS", 10)
	v.SetDefault("WEBSOCKET.RECONNECT_MAX_RETRIES", 5)
	v.SetDefault("WEBSOCKET.RECONNECT_INITIAL_MS", 100)
	v.SetDefault("WEBSOCKET.RECONNECT_MAX_MS", 30000)
	v.SetDefault("ALERTS.ENABLED", false)
	v.SetDefault("ALERTS.REDIS_ADDRESS", "")
	v.SetDefault("ALERTS.REDIS_DB", 0)
	v.SetDefault("ALERTS.DEDUPE_TTL_SECONDS", 86400)
	v.SetDefault("METRICS.ENABLED", false)
	v.SetDefault("METRICS.ADDRESS", ":9102")
	v.SetDefault("AUTH.ACCESS_TOKEN", "")
}

var envBindings = [][2]string{
	{"CLIENT.ENVIRONMENT", "ENVIRONMENT"},
	{"CLIENT.LOG_LEVEL", "LOG_LEVEL"},
	{"API.BASE_URL", "NOTIFY_API_URL"},
	{"API.TIMEOUT_SECONDS", "NOTIFY_API_TIMEOUT_SECONDS"},
	{"API.PAGE_SIZE", "NOTIFY_PAGE_SIZE"},
	{"WEBSOCKET.URL", "NOTIFY_WS_URL"},
	{"WEBSOCKET.PING_INTERVAL_SECONDS", "NOTIFY_WS_PING_INTERVAL_SECONDS"},
	{"WEBSOCKET.WRITE_TIMEOUT_SECONDS", "NOTIFY_WS_WRITE_TIMEOUT_SECONDS"},
	{"WEBSOCKET.DIAL_TIMEOUT_SECONDS", "NOTIFY_WS_DIAL_TIMEOUT_SECONDS"},
	{"WEBSOCKET.RECONNECT_MAX_RETRIES", "NOTIFY_WS_RECONNECT_MAX_RETRIES"},
	{"WEBSOCKET.RECONNECT_INITIAL_MS", "NOTIFY_WS_RECONNECT_INITIAL_MS"},
	{"WEBSOCKET.RECONNECT_MAX_MS", "NOTIFY_WS_RECONNECT_MAX_MS"},
	{"ALERTS.ENABLED", "NOTIFY_ALERTS_ENABLED"},
	{"ALERTS.REDIS_ADDRESS", "NOTIFY_ALERTS_REDIS_ADDRESS"},
	{"ALERTS.REDIS_PASSWORD", "NOTIFY_ALERTS_REDIS_PASSWORD"},
	{"ALERTS.REDIS_DB", "NOTIFY_ALERTS_REDIS_DB"},
	{"ALERTS.DEDUPE_TTL_SECONDS", "NOTIFY_ALERTS_DEDUPE_TTL_SECONDS"},
	{"METRICS.ENABLED", "NOTIFY_METRICS_ENABLED"},
	{"METRICS.ADDRESS", "NOTIFY_METRICS_ADDRESS"},
	{"AUTH.ACCESS_TOKEN", "NOTIFY_ACCESS_TOKEN"},
}

// LoadConfig loads configuration from environment variables using Viper,
// sets default values, unmarshals the configuration, and validates it.
func LoadConfig() (*Config, error) {
	return load(viper.New())
}

// LoadConfigFromFile reads a YAML/JSON/TOML file first; environment variables
// still take precedence over file values.
func LoadConfigFromFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	log := logger.GetLogger()

	setDefaults(v)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := bindEnvVars(v, envBindings); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config unmarshal failed: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	log.Infow("Configuration loaded",
		"environment", cfg.Client.Environment,
		"api_base_url", cfg.API.BaseURL,
		"ws_url", logger.MaskURLToken(cfg.WebSocket.URL),
		"page_size", cfg.API.PageSize,
		"alerts_enabled", cfg.Alerts.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
	)
	return &cfg, nil
}

// validateConfig checks if the loaded configuration values are valid.
func validateConfig(cfg *Config) error {
	switch cfg.Client.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("unknown environment %q", cfg.Client.Environment)
	}

	if cfg.API.BaseURL == "" {
		return fmt.Errorf("notification API base URL is required")
	}
	apiURL, err := url.ParseRequestURI(cfg.API.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid notification API URL: %w", err)
	}
	if apiURL.Scheme != "http" && apiURL.Scheme != "https" {
		return fmt.Errorf("notification API URL must use http or https, got %q", apiURL.Scheme)
	}
	if cfg.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("notification API timeout must be positive")
	}
	if cfg.API.PageSize <= 0 || cfg.API.PageSize > maxPageSize {
		return fmt.Errorf("page size must be between 1 and %d", maxPageSize)
	}

	if err := validateWebSocketConfig(&cfg.WebSocket); err != nil {
		return err
	}

	if cfg.Alerts.Enabled && cfg.Alerts.DedupeTTLSeconds <= 0 {
		return fmt.Errorf("alert dedupe TTL must be positive")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Address == "" {
		return fmt.Errorf("metrics address is required when metrics are enabled")
	}

	return nil
}

func validateWebSocketConfig(ws *WebSocketConfig) error {
	if ws.URL == "" {
		return fmt.Errorf("websocket URL is required")
	}
	wsURL, err := url.ParseRequestURI(ws.URL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	if wsURL.Scheme != "ws" && wsURL.Scheme != "wss" {
		return fmt.Errorf("websocket URL must use ws or wss, got %q", wsURL.Scheme)
	}
	if ws.PingIntervalSeconds <= 0 {
		return fmt.Errorf("websocket ping interval must be positive")
	}
	if ws.WriteTimeoutSeconds <= 0 {
		return fmt.Errorf("websocket write timeout must be positive")
	}
	if ws.DialTimeoutSeconds <= 0 {
		return fmt.Errorf("websocket dial timeout must be positive")
	}
	if ws.ReconnectMaxRetries < 0 {
		return fmt.Errorf("reconnect max retries cannot be negative")
	}
	if ws.ReconnectInitialMs <= 0 || ws.ReconnectMaxMs < ws.ReconnectInitialMs {
		return fmt.Errorf("reconnect backoff must satisfy 0 < initial <= max")
	}
	return nil
}
