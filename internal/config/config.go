package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Registry   RegistryConfig   `mapstructure:"registry"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	API        APIConfig        `mapstructure:"api"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Vault      VaultConfig      `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // json or console
}

// DatabaseConfig contains PostgreSQL settings
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains the optional precision-cache Redis settings.
// An empty URL disables the Redis layer; the in-process cache still works.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// Enabled reports whether the Redis cache layer is configured
func (c *RedisConfig) Enabled() bool {
	return c.URL != ""
}

// ExchangeConfig contains OKX connection settings
type ExchangeConfig struct {
	APIKey        string `mapstructure:"api_key"`
	SecretKey     string `mapstructure:"secret_key"`
	Passphrase    string `mapstructure:"passphrase"`
	BaseURL       string `mapstructure:"base_url"`
	PublicWSURL   string `mapstructure:"public_ws_url"`
	BusinessWSURL string `mapstructure:"business_ws_url"`
}

// TradingConfig contains the core trading parameters
type TradingConfig struct {
	SimulationMode              bool `mapstructure:"simulation_mode"`
	AmountUSDT                  int  `mapstructure:"amount_usdt"`
	OrderTimeoutSeconds         int  `mapstructure:"order_timeout_seconds"`
	GapCooldownSeconds          int  `mapstructure:"gap_cooldown_seconds"`
	BatchSlotDelayMinutes       int  `mapstructure:"batch_slot_delay_minutes"`
	StableDurationSeconds       int  `mapstructure:"stable_duration_seconds"`
	GainCheckThrottleSeconds    int  `mapstructure:"gain_check_throttle_seconds"`
	TimeoutCheckIntervalSeconds int  `mapstructure:"timeout_check_interval_seconds"`
	MaxWorkers                  int  `mapstructure:"max_workers"`
}

// OrderTimeout returns the fill-or-cancel window as a Duration
func (c *TradingConfig) OrderTimeout() time.Duration {
	return time.Duration(c.OrderTimeoutSeconds) * time.Second
}

// GapCooldown returns the global original-gap cooldown as a Duration
func (c *TradingConfig) GapCooldown() time.Duration {
	return time.Duration(c.GapCooldownSeconds) * time.Second
}

// BatchSlotDelay returns the minimum delay between batch slots as a Duration
func (c *TradingConfig) BatchSlotDelay() time.Duration {
	return time.Duration(c.BatchSlotDelayMinutes) * time.Minute
}

// StableDuration returns the continuous-below-limit threshold as a Duration
func (c *TradingConfig) StableDuration() time.Duration {
	return time.Duration(c.StableDurationSeconds) * time.Second
}

// GainCheckThrottle returns the per-instrument 2h-gain fetch throttle
func (c *TradingConfig) GainCheckThrottle() time.Duration {
	return time.Duration(c.GainCheckThrottleSeconds) * time.Second
}

// TimeoutCheckInterval returns the pending-order sweep interval
func (c *TradingConfig) TimeoutCheckInterval() time.Duration {
	return time.Duration(c.TimeoutCheckIntervalSeconds) * time.Second
}

// RegistryConfig controls where instrument limits are loaded from
type RegistryConfig struct {
	Source         string `mapstructure:"source"` // "db" or "file"
	FilePath       string `mapstructure:"file_path"`
	RefreshMinutes int    `mapstructure:"refresh_minutes"`
}

// RefreshInterval returns the registry refresh cadence as a Duration
func (c *RegistryConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshMinutes) * time.Minute
}

// SupervisorConfig contains watchdog and health-monitor settings
type SupervisorConfig struct {
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int `mapstructure:"heartbeat_timeout_seconds"`
	CandleTimeoutMinutes     int `mapstructure:"candle_timeout_minutes"`
}

// HeartbeatInterval returns the heartbeat bump cadence as a Duration
func (c *SupervisorConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

// HeartbeatTimeout returns the watchdog exit threshold as a Duration
func (c *SupervisorConfig) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}

// CandleTimeout returns the per-instrument WS candle staleness threshold
func (c *SupervisorConfig) CandleTimeout() time.Duration {
	return time.Duration(c.CandleTimeoutMinutes) * time.Minute
}

// APIConfig contains the read-only ops API settings. Port 0 disables the server.
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// GetAPIAddr returns the API server listen address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// MonitoringConfig contains Prometheus settings
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// TelegramConfig contains trade-notification settings. Empty token disables.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// The operational environment variable names predate this implementation
	// and are part of the deployment contract, so they are bound explicitly
	// rather than derived from the key path.
	bindEnv(v)

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	// Unmarshal into struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// bindEnv maps the deployment environment variables onto config keys
func bindEnv(v *viper.Viper) {
	bindings := map[string]string{
		"app.log_level":                          "LOG_LEVEL",
		"app.log_format":                         "LOG_FORMAT",
		"database.url":                           "DATABASE_URL",
		"redis.url":                              "REDIS_URL",
		"exchange.api_key":                       "OKX_API_KEY",
		"exchange.secret_key":                    "OKX_SECRET_KEY",
		"exchange.passphrase":                    "OKX_PASSPHRASE",
		"trading.simulation_mode":                "SIMULATION_MODE",
		"trading.amount_usdt":                    "TRADING_AMOUNT_USDT",
		"trading.order_timeout_seconds":          "ORDER_TIMEOUT_SECONDS",
		"trading.gap_cooldown_seconds":           "ORIGINAL_GAP_COOLDOWN_SECONDS",
		"trading.batch_slot_delay_minutes":       "MIN_HOURS_BETWEEN_BUYS",
		"trading.stable_duration_seconds":        "STABLE_DURATION_SECONDS",
		"trading.gain_check_throttle_seconds":    "INTRA_HOUR_CHECK_THROTTLE_SECONDS",
		"trading.timeout_check_interval_seconds": "TIMEOUT_CHECK_INTERVAL_SECONDS",
		"trading.max_workers":                    "THREAD_POOL_MAX_WORKERS",
		"supervisor.heartbeat_interval_seconds":  "HEARTBEAT_INTERVAL_SECONDS",
		"supervisor.heartbeat_timeout_seconds":   "HEARTBEAT_TIMEOUT_SECONDS",
		"supervisor.candle_timeout_minutes":      "CANDLE_TIMEOUT_MINUTES",
		"api.port":                               "API_PORT",
		"monitoring.prometheus_port":             "METRICS_PORT",
		"telegram.bot_token":                     "TELEGRAM_BOT_TOKEN",
		"telegram.chat_id":                       "TELEGRAM_CHAT_ID",
		"vault.enabled":                          "VAULT_ENABLED",
		"vault.address":                          "VAULT_ADDR",
		"vault.token":                            "VAULT_TOKEN",
	}
	for key, env := range bindings {
		// BindEnv only errors on an empty key
		_ = v.BindEnv(key, env)
	}
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "hourglass")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Database defaults
	v.SetDefault("database.pool_size", 10)

	// Exchange defaults
	v.SetDefault("exchange.base_url", "https://www.okx.com")
	v.SetDefault("exchange.public_ws_url", "wss://ws.okx.com:8443/ws/v5/public")
	v.SetDefault("exchange.business_ws_url", "wss://ws.okx.com:8443/ws/v5/business")

	// Trading defaults
	v.SetDefault("trading.simulation_mode", true)
	v.SetDefault("trading.amount_usdt", 100)
	v.SetDefault("trading.order_timeout_seconds", 60)
	v.SetDefault("trading.gap_cooldown_seconds", 1800)
	v.SetDefault("trading.batch_slot_delay_minutes", 10)
	v.SetDefault("trading.stable_duration_seconds", 300)
	v.SetDefault("trading.gain_check_throttle_seconds", 60)
	v.SetDefault("trading.timeout_check_interval_seconds", 15)
	v.SetDefault("trading.max_workers", 10)

	// Registry defaults
	v.SetDefault("registry.source", "db")
	v.SetDefault("registry.file_path", "instruments.yaml")
	v.SetDefault("registry.refresh_minutes", 10)

	// Supervisor defaults
	v.SetDefault("supervisor.heartbeat_interval_seconds", 60)
	v.SetDefault("supervisor.heartbeat_timeout_seconds", 300)
	v.SetDefault("supervisor.candle_timeout_minutes", 90)

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9090)
	v.SetDefault("monitoring.enable_metrics", true)
}
