// Package config provides centralized configuration management for the
// messaging server. Configuration is loaded from environment variables with
// sensible defaults. Required configuration that is missing or malformed
// causes the application to fail fast with a collected list of errors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server
	Port      int
	ClientURL string // origin allowed to open the websocket connection

	// Token verification
	PassportPath string // path to the passport trust configuration file
	JWTClockSkew time.Duration

	// Storage
	DatabaseURL        string // "sqlite:<path>" or "postgres://..."
	UserManagerPersist string // "memory" or "postgresql": which Persistence Store backend to use
	DBPoolSize         int

	// Capacity / admission
	MaxTotalConnections int
	ConnRateLimit       float64 // new-connection admissions per second, per IP
	ConnRateBurst       int

	// Session / inactivity
	InactivityThreshold    time.Duration
	InactivityCheckInterval time.Duration

	// Message delivery
	RequestTimeout                time.Duration // DEFAULT_REQUEST_TIMEOUT, feeds getSafeTimeouts
	MessageAcknowledgementTimeout time.Duration // MESSAGE_ACKNOWLEDGEMENT_TIMEOUT, feeds getSafeTimeouts
	PublicMessageExpireDays       int
	PendingMessageMaxAgeDays      int

	// SocketMiddleware holds SOCKET_MIDDLEWARE as read from the
	// environment. Nothing else in the server reads it: the WebSocket
	// handshake always authenticates with the passport verifier, whatever
	// its value.
	SocketMiddleware string

	// Runtime environment, one of "production", "development", "test"
	Env string
}

// ValidationError represents a single configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds multiple validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("configuration errors:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Persistence Store backends selectable via USER_MANAGER_PERSIST.
const (
	UserManagerPersistMemory     = "memory"
	UserManagerPersistPostgreSQL = "postgresql"
)

// Default values, per the documented configuration surface.
const (
	DefaultPort      = 3001
	DefaultClientURL = "http://localhost:3000"

	DefaultPassportPath = "./passport.json"
	DefaultJWTClockSkew = 60 * time.Second

	DefaultDatabaseURL        = "sqlite:messenger.db"
	DefaultUserManagerPersist = UserManagerPersistMemory
	DefaultDBPoolSizeProd     = 20
	DefaultDBPoolSizeDev      = 10
	DefaultDBPoolSizeTest     = 3

	DefaultMaxTotalConnections = 10000
	DefaultConnRateLimit       = 5.0
	DefaultConnRateBurst       = 20

	DefaultInactivityThreshold     = 30 * time.Minute
	DefaultInactivityCheckInterval = 5 * time.Minute

	DefaultRequestTimeout                = 5 * time.Second
	DefaultMessageAcknowledgementTimeout = 10 * time.Second
	DefaultPublicMessageExpireDays       = 30
	DefaultPendingMessageMaxAgeDays      = 7

	DefaultEnv = "development"
)

// Load reads configuration from environment variables and returns a Config.
// It applies defaults for optional values and validates the configuration.
// Returns an error if validation fails.
func Load() (*Config, error) {
	cfg := &Config{
		Port:      DefaultPort,
		ClientURL: DefaultClientURL,

		PassportPath: DefaultPassportPath,
		JWTClockSkew: DefaultJWTClockSkew,

		DatabaseURL:        DefaultDatabaseURL,
		UserManagerPersist: DefaultUserManagerPersist,

		MaxTotalConnections: DefaultMaxTotalConnections,
		ConnRateLimit:       DefaultConnRateLimit,
		ConnRateBurst:       DefaultConnRateBurst,

		InactivityThreshold:     DefaultInactivityThreshold,
		InactivityCheckInterval: DefaultInactivityCheckInterval,

		RequestTimeout:                DefaultRequestTimeout,
		MessageAcknowledgementTimeout: DefaultMessageAcknowledgementTimeout,
		PublicMessageExpireDays:       DefaultPublicMessageExpireDays,
		PendingMessageMaxAgeDays:      DefaultPendingMessageMaxAgeDays,

		Env: DefaultEnv,
	}
	cfg.DBPoolSize = DefaultDBPoolSizeDev

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}

// loadFromEnv populates the config from environment variables, accumulating
// every parse error rather than stopping at the first one.
func (c *Config) loadFromEnv() error {
	var parseErrors ValidationErrors

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "PORT",
				Message: fmt.Sprintf("invalid port: %q (must be an integer)", v),
			})
		} else {
			c.Port = port
		}
	}

	if v := os.Getenv("CLIENT_URL"); v != "" {
		c.ClientURL = v
	}

	if v := os.Getenv("PASSPORT_PATH"); v != "" {
		c.PassportPath = v
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}

	if v := os.Getenv("USER_MANAGER_PERSIST"); v != "" {
		switch v {
		case UserManagerPersistMemory, UserManagerPersistPostgreSQL:
			c.UserManagerPersist = v
		default:
			parseErrors = append(parseErrors, ValidationError{
				Field:   "USER_MANAGER_PERSIST",
				Message: fmt.Sprintf("invalid value: %q (must be %q or %q)", v, UserManagerPersistMemory, UserManagerPersistPostgreSQL),
			})
		}
	}

	if v := os.Getenv("MAX_TOTAL_CONNECTIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MAX_TOTAL_CONNECTIONS",
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
		} else if n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MAX_TOTAL_CONNECTIONS",
				Message: fmt.Sprintf("must be positive: %d", n),
			})
		} else {
			c.MaxTotalConnections = n
		}
	}

	if v := os.Getenv("CONN_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "CONN_RATE_LIMIT",
				Message: fmt.Sprintf("invalid rate: %q (must be a number)", v),
			})
		} else {
			c.ConnRateLimit = f
		}
	}

	if v := os.Getenv("CONN_RATE_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "CONN_RATE_BURST",
				Message: fmt.Sprintf("invalid burst: %q (must be an integer)", v),
			})
		} else {
			c.ConnRateBurst = n
		}
	}

	if v := os.Getenv("INACTIVITY_THRESHOLD"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "INACTIVITY_THRESHOLD",
				Message: fmt.Sprintf("invalid value: %q (must be an integer, milliseconds)", v),
			})
		} else if ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "INACTIVITY_THRESHOLD",
				Message: fmt.Sprintf("must be positive: %d", ms),
			})
		} else {
			c.InactivityThreshold = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("INACTIVITY_CHECK_INTERVAL"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "INACTIVITY_CHECK_INTERVAL",
				Message: fmt.Sprintf("invalid value: %q (must be an integer, milliseconds)", v),
			})
		} else if ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "INACTIVITY_CHECK_INTERVAL",
				Message: fmt.Sprintf("must be positive: %d", ms),
			})
		} else {
			c.InactivityCheckInterval = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("DEFAULT_REQUEST_TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "DEFAULT_REQUEST_TIMEOUT",
				Message: fmt.Sprintf("invalid value: %q (must be an integer, milliseconds)", v),
			})
		} else if ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "DEFAULT_REQUEST_TIMEOUT",
				Message: fmt.Sprintf("must be positive: %d", ms),
			})
		} else {
			c.RequestTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("MESSAGE_ACKNOWLEDGEMENT_TIMEOUT"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MESSAGE_ACKNOWLEDGEMENT_TIMEOUT",
				Message: fmt.Sprintf("invalid value: %q (must be an integer, milliseconds)", v),
			})
		} else if ms <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "MESSAGE_ACKNOWLEDGEMENT_TIMEOUT",
				Message: fmt.Sprintf("must be positive: %d", ms),
			})
		} else {
			c.MessageAcknowledgementTimeout = time.Duration(ms) * time.Millisecond
		}
	}

	if v := os.Getenv("PUBLIC_MESSAGE_EXPIRE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "PUBLIC_MESSAGE_EXPIRE_DAYS",
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
		} else if days <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "PUBLIC_MESSAGE_EXPIRE_DAYS",
				Message: fmt.Sprintf("must be positive: %d", days),
			})
		} else {
			c.PublicMessageExpireDays = days
		}
	}

	if v := os.Getenv("PENDING_MESSAGE_MAX_AGE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "PENDING_MESSAGE_MAX_AGE_DAYS",
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
		} else if days <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "PENDING_MESSAGE_MAX_AGE_DAYS",
				Message: fmt.Sprintf("must be positive: %d", days),
			})
		} else {
			c.PendingMessageMaxAgeDays = days
		}
	}

	if v := os.Getenv("JWT_CLOCK_SKEW_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "JWT_CLOCK_SKEW_SECONDS",
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
		} else if secs < 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "JWT_CLOCK_SKEW_SECONDS",
				Message: fmt.Sprintf("must not be negative: %d", secs),
			})
		} else {
			c.JWTClockSkew = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv("SOCKET_MIDDLEWARE"); v != "" {
		c.SocketMiddleware = v
	}

	if v := os.Getenv("DB_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "DB_POOL_SIZE",
				Message: fmt.Sprintf("invalid value: %q (must be an integer)", v),
			})
		} else if n <= 0 {
			parseErrors = append(parseErrors, ValidationError{
				Field:   "DB_POOL_SIZE",
				Message: fmt.Sprintf("must be positive: %d", n),
			})
		} else {
			c.DBPoolSize = n
		}
	}

	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Env = v
	}

	// Pool size defaults track the environment unless overridden explicitly.
	if os.Getenv("DB_POOL_SIZE") == "" {
		switch c.Env {
		case "production":
			c.DBPoolSize = DefaultDBPoolSizeProd
		case "test":
			c.DBPoolSize = DefaultDBPoolSizeTest
		default:
			c.DBPoolSize = DefaultDBPoolSizeDev
		}
	}

	if len(parseErrors) > 0 {
		return parseErrors
	}
	return nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "PORT",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Port),
		})
	}

	if c.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "database URL cannot be empty",
		})
	}

	if c.PassportPath == "" {
		errs = append(errs, ValidationError{
			Field:   "PASSPORT_PATH",
			Message: "passport path cannot be empty",
		})
	}

	if c.MaxTotalConnections <= 0 {
		errs = append(errs, ValidationError{
			Field:   "MAX_TOTAL_CONNECTIONS",
			Message: "must be positive",
		})
	}

	switch c.Env {
	case "production", "development", "test":
	default:
		errs = append(errs, ValidationError{
			Field:   "NODE_ENV",
			Message: fmt.Sprintf("must be one of production, development, test, got %q", c.Env),
		})
	}

	switch c.UserManagerPersist {
	case UserManagerPersistMemory, UserManagerPersistPostgreSQL:
	default:
		errs = append(errs, ValidationError{
			Field:   "USER_MANAGER_PERSIST",
			Message: fmt.Sprintf("must be %q or %q, got %q", UserManagerPersistMemory, UserManagerPersistPostgreSQL, c.UserManagerPersist),
		})
	}

	return errs
}

// MustLoad loads configuration and exits the process if it fails.
// Use this for application startup where configuration errors are fatal.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: failed to load configuration\n\n%s\n\nSee the configuration reference for available environment variables.\n", err)
		os.Exit(1)
	}
	return cfg
}

// LoadWithFlags loads configuration from environment variables, then applies
// command-line flag overrides, and re-validates.
func LoadWithFlags(port int, databaseURL string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if port != 0 && port != DefaultPort {
		cfg.Port = port
	}
	if databaseURL != "" {
		cfg.DatabaseURL = databaseURL
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return cfg, nil
}
