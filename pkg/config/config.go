// Package config loads the service configuration from file and environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the application
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	Server      ServerConfig    `mapstructure:"server"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Directory   DirectoryConfig `mapstructure:"directory"`
	Elections   ElectionConfig  `mapstructure:"elections"`
	Scheduler   SchedConfig     `mapstructure:"scheduler"`
	Security    SecurityConfig  `mapstructure:"security"`
}

// ServerConfig holds HTTP listener settings
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig holds database connection settings. With Embedded set the
// process runs its own throwaway postgres on EmbeddedPort and URL may be
// left empty.
type DatabaseConfig struct {
	URL          string        `mapstructure:"url"`
	MaxConns     int           `mapstructure:"max_conns"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Embedded     bool          `mapstructure:"embedded"`
	EmbeddedPort int           `mapstructure:"embedded_port"`
}

// DirectoryConfig holds identity-directory client settings
type DirectoryConfig struct {
	BaseURL                 string        `mapstructure:"base_url"`
	Token                   string        `mapstructure:"token"`
	RequestTimeout          time.Duration `mapstructure:"request_timeout"`
	CacheTTL                time.Duration `mapstructure:"cache_ttl"`
	CacheSize               int           `mapstructure:"cache_size"`
	BreakerFailureThreshold int           `mapstructure:"breaker_failure_threshold"`
	BreakerCooldown         time.Duration `mapstructure:"breaker_cooldown"`
}

// ElectionConfig holds eligibility policy settings
type ElectionConfig struct {
	MinMembershipAgeDays int           `mapstructure:"min_membership_age_days"`
	CommitteeGroup       string        `mapstructure:"committee_group"`
	FactsCacheTTL        time.Duration `mapstructure:"facts_cache_ttl"`
	FactsCacheSize       int           `mapstructure:"facts_cache_size"`
}

// SchedConfig holds the close-sweep schedule
type SchedConfig struct {
	SweepSchedule string `mapstructure:"sweep_schedule"`
}

// SecurityConfig holds token and pseudonymization settings
type SecurityConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenExpiry   time.Duration `mapstructure:"token_expiry"`
	PseudonymSalt string        `mapstructure:"pseudonym_salt"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		// With an explicit config path a missing file surfaces as
		// fs.ErrNotExist rather than ConfigFileNotFoundError.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if !notFound && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	v.SetEnvPrefix("ASTRA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Empty defaults register the keys so AutomaticEnv can resolve them.
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.embedded", false)
	v.SetDefault("database.embedded_port", 5433)

	v.SetDefault("directory.base_url", "")
	v.SetDefault("directory.token", "")
	v.SetDefault("directory.request_timeout", "10s")
	v.SetDefault("directory.cache_ttl", "60s")
	v.SetDefault("directory.cache_size", 256)
	v.SetDefault("directory.breaker_failure_threshold", 3)
	v.SetDefault("directory.breaker_cooldown", "30s")

	v.SetDefault("elections.committee_group", "")
	v.SetDefault("elections.min_membership_age_days", 30)
	v.SetDefault("elections.facts_cache_ttl", "30s")
	v.SetDefault("elections.facts_cache_size", 64)

	v.SetDefault("scheduler.sweep_schedule", "* * * * *")

	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.pseudonym_salt", "")
	v.SetDefault("security.token_expiry", "24h")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateDirectory(); err != nil {
		return fmt.Errorf("directory config: %w", err)
	}
	if err := c.validateElections(); err != nil {
		return fmt.Errorf("elections config: %w", err)
	}
	if err := c.validateSecurity(); err != nil {
		return fmt.Errorf("security config: %w", err)
	}
	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" && !c.Database.Embedded {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Database.Embedded && (c.Database.EmbeddedPort <= 0 || c.Database.EmbeddedPort > 65535) {
		return fmt.Errorf("invalid embedded_port: %d", c.Database.EmbeddedPort)
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateDirectory() error {
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("base_url cannot be empty")
	}
	if c.Directory.BreakerFailureThreshold <= 0 {
		return fmt.Errorf("breaker_failure_threshold must be positive")
	}
	return nil
}

func (c *Config) validateElections() error {
	if c.Elections.MinMembershipAgeDays < 0 {
		return fmt.Errorf("min_membership_age_days cannot be negative")
	}
	if c.Elections.CommitteeGroup == "" {
		return fmt.Errorf("committee_group cannot be empty")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	if len(c.Security.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	if len(c.Security.PseudonymSalt) < 16 {
		return fmt.Errorf("pseudonym_salt must be at least 16 bytes")
	}
	if c.Security.TokenExpiry <= 0 {
		return fmt.Errorf("token_expiry must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}
