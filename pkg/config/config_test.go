package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const validConfigYAML = `
environment: production
log_level: debug
database:
  url: postgres://localhost/elections
directory:
  base_url: https://id.example.org
  request_timeout: 5s
elections:
  min_membership_age_days: 45
  committee_group: election-committee
security:
  jwt_secret: 0123456789abcdef0123456789abcdef
  pseudonym_salt: fedcba9876543210
`

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, validConfigYAML)

	t.Run("LoadValidConfig", func(t *testing.T) {
		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "production", cfg.Environment)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, 45, cfg.Elections.MinMembershipAgeDays)
		assert.Equal(t, 5*time.Second, cfg.Directory.RequestTimeout)

		// Defaults fill what the file omits.
		assert.Equal(t, 8080, cfg.Server.Port)
		assert.Equal(t, 10, cfg.Database.MaxConns)
		assert.Equal(t, 3, cfg.Directory.BreakerFailureThreshold)
		assert.Equal(t, "* * * * *", cfg.Scheduler.SweepSchedule)
		assert.Equal(t, 24*time.Hour, cfg.Security.TokenExpiry)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		os.Setenv("ASTRA_LOG_LEVEL", "error")
		defer os.Unsetenv("ASTRA_LOG_LEVEL")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "error", cfg.LogLevel)
	})

	t.Run("InvalidYAML", func(t *testing.T) {
		invalidPath := writeConfig(t, "invalid: [yaml: syntax")
		cfg, err := Load(invalidPath)
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})

	t.Run("MissingRequiredValues", func(t *testing.T) {
		// Defaults alone cannot satisfy validation: no database URL.
		cfg, err := Load(writeConfig(t, "environment: test"))
		assert.Error(t, err)
		assert.Nil(t, cfg)
	})
}

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Environment: "test",
			LogLevel:    "info",
			Server:      ServerConfig{Port: 8080},
			Database:    DatabaseConfig{URL: "postgres://localhost/elections", MaxConns: 10, Timeout: 30 * time.Second},
			Directory:   DirectoryConfig{BaseURL: "https://id.example.org", BreakerFailureThreshold: 3},
			Elections:   ElectionConfig{MinMembershipAgeDays: 30, CommitteeGroup: "election-committee"},
			Security: SecurityConfig{
				JWTSecret:     "0123456789abcdef0123456789abcdef",
				PseudonymSalt: "fedcba9876543210",
				TokenExpiry:   24 * time.Hour,
			},
		}
	}

	tests := []struct {
		name         string
		modifyConfig func(*Config)
		errSubstr    string
	}{
		{"ValidConfig", func(c *Config) {}, ""},
		{"InvalidPort", func(c *Config) { c.Server.Port = -1 }, "invalid port number"},
		{"EmptyDatabaseURL", func(c *Config) { c.Database.URL = "" }, "cannot be empty"},
		{"EmptyDirectoryURL", func(c *Config) { c.Directory.BaseURL = "" }, "cannot be empty"},
		{"ZeroBreakerThreshold", func(c *Config) { c.Directory.BreakerFailureThreshold = 0 }, "must be positive"},
		{"NegativeMembershipAge", func(c *Config) { c.Elections.MinMembershipAgeDays = -1 }, "cannot be negative"},
		{"EmptyCommitteeGroup", func(c *Config) { c.Elections.CommitteeGroup = "" }, "cannot be empty"},
		{"ShortJWTSecret", func(c *Config) { c.Security.JWTSecret = "short" }, "at least 32 bytes"},
		{"ShortPseudonymSalt", func(c *Config) { c.Security.PseudonymSalt = "short" }, "at least 16 bytes"},
		{"ZeroTokenExpiry", func(c *Config) { c.Security.TokenExpiry = 0 }, "must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modifyConfig(cfg)
			err := cfg.Validate()

			if tt.errSubstr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSubstr)
		})
	}
}

func TestGetLogLevel(t *testing.T) {
	tests := []struct {
		logLevel  string
		wantLevel string
	}{
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"error", "error"},
		{"invalid", "info"},
		{"", "info"},
	}

	for _, tt := range tests {
		t.Run(tt.logLevel, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}
			assert.Equal(t, tt.wantLevel, cfg.GetLogLevel().String())
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, (&Config{Environment: "development"}).IsDevelopment())
	assert.True(t, (&Config{Environment: "DEVELOPMENT"}).IsDevelopment())
	assert.False(t, (&Config{Environment: "production"}).IsDevelopment())
	assert.False(t, (&Config{Environment: ""}).IsDevelopment())
}

func TestLoadWithEnvVars(t *testing.T) {
	envVars := map[string]string{
		"ASTRA_ENVIRONMENT":                 "production",
		"ASTRA_DATABASE_URL":                "postgres://db.internal/elections",
		"ASTRA_DIRECTORY_BASE_URL":          "https://id.internal",
		"ASTRA_ELECTIONS_COMMITTEE_GROUP":   "election-committee",
		"ASTRA_SECURITY_JWT_SECRET":         "0123456789abcdef0123456789abcdef",
		"ASTRA_SECURITY_PSEUDONYM_SALT":     "fedcba9876543210",
		"ASTRA_SERVER_PORT":                 "9090",
	}
	for k, v := range envVars {
		os.Setenv(k, v)
		defer os.Unsetenv(k)
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.Equal(t, "postgres://db.internal/elections", cfg.Database.URL)
	assert.Equal(t, "https://id.internal", cfg.Directory.BaseURL)
	assert.Equal(t, 9090, cfg.Server.Port)
}
