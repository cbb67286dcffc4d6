package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateExchange()...)
	errors = append(errors, c.validateTrading()...)
	errors = append(errors, c.validateRegistry()...)
	errors = append(errors, c.validateSupervisor()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment != "" {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogFormat != "" && c.App.LogFormat != "json" && c.App.LogFormat != "console" {
		errors = append(errors, ValidationError{
			Field:   "app.log_format",
			Message: fmt.Sprintf("Invalid log format '%s'. Must be 'json' or 'console'", c.App.LogFormat),
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	if c.Database.URL == "" {
		errors = append(errors, ValidationError{
			Field:   "database.url",
			Message: "Database URL is required (set DATABASE_URL)",
		})
	}

	if c.Database.PoolSize <= 0 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Pool size must be positive",
		})
	}

	return errors
}

func (c *Config) validateExchange() ValidationErrors {
	var errors ValidationErrors

	// Credentials are only required when real orders will be placed.
	if !c.Trading.SimulationMode {
		if c.Exchange.APIKey == "" {
			errors = append(errors, ValidationError{
				Field:   "exchange.api_key",
				Message: "OKX_API_KEY is required when SIMULATION_MODE=false",
			})
		}
		if c.Exchange.SecretKey == "" {
			errors = append(errors, ValidationError{
				Field:   "exchange.secret_key",
				Message: "OKX_SECRET_KEY is required when SIMULATION_MODE=false",
			})
		}
		if c.Exchange.Passphrase == "" {
			errors = append(errors, ValidationError{
				Field:   "exchange.passphrase",
				Message: "OKX_PASSPHRASE is required when SIMULATION_MODE=false",
			})
		}
	}

	if c.Exchange.BaseURL == "" {
		errors = append(errors, ValidationError{
			Field:   "exchange.base_url",
			Message: "Exchange base URL is required",
		})
	}

	return errors
}

func (c *Config) validateTrading() ValidationErrors {
	var errors ValidationErrors

	if c.Trading.AmountUSDT <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.amount_usdt",
			Message: "TRADING_AMOUNT_USDT must be positive",
		})
	}

	if c.Trading.OrderTimeoutSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.order_timeout_seconds",
			Message: "ORDER_TIMEOUT_SECONDS must be positive",
		})
	}

	if c.Trading.GapCooldownSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.gap_cooldown_seconds",
			Message: "ORIGINAL_GAP_COOLDOWN_SECONDS must not be negative",
		})
	}

	if c.Trading.BatchSlotDelayMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.batch_slot_delay_minutes",
			Message: "MIN_HOURS_BETWEEN_BUYS must not be negative",
		})
	}

	if c.Trading.StableDurationSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.stable_duration_seconds",
			Message: "STABLE_DURATION_SECONDS must be positive",
		})
	}

	if c.Trading.MaxWorkers <= 0 {
		errors = append(errors, ValidationError{
			Field:   "trading.max_workers",
			Message: "THREAD_POOL_MAX_WORKERS must be positive",
		})
	}

	return errors
}

func (c *Config) validateRegistry() ValidationErrors {
	var errors ValidationErrors

	if c.Registry.Source != "db" && c.Registry.Source != "file" {
		errors = append(errors, ValidationError{
			Field:   "registry.source",
			Message: fmt.Sprintf("Invalid registry source '%s'. Must be 'db' or 'file'", c.Registry.Source),
		})
	}

	if c.Registry.Source == "file" && c.Registry.FilePath == "" {
		errors = append(errors, ValidationError{
			Field:   "registry.file_path",
			Message: "Registry file path is required when source is 'file'",
		})
	}

	return errors
}

func (c *Config) validateSupervisor() ValidationErrors {
	var errors ValidationErrors

	if c.Supervisor.HeartbeatIntervalSeconds <= 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.heartbeat_interval_seconds",
			Message: "HEARTBEAT_INTERVAL_SECONDS must be positive",
		})
	}

	if c.Supervisor.HeartbeatTimeoutSeconds <= c.Supervisor.HeartbeatIntervalSeconds {
		errors = append(errors, ValidationError{
			Field:   "supervisor.heartbeat_timeout_seconds",
			Message: "HEARTBEAT_TIMEOUT_SECONDS must exceed the heartbeat interval",
		})
	}

	if c.Supervisor.CandleTimeoutMinutes <= 0 {
		errors = append(errors, ValidationError{
			Field:   "supervisor.candle_timeout_minutes",
			Message: "CANDLE_TIMEOUT_MINUTES must be positive",
		})
	}

	return errors
}
