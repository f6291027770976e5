package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32    `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	RegistryBaseURL string        `mapstructure:"REGISTRY_BASE_URL"`
	RegistryAPIKey  string        `mapstructure:"REGISTRY_API_KEY"`
	RegistryTimeout time.Duration `mapstructure:"REGISTRY_TIMEOUT"`

	SyncPolicy      string        `mapstructure:"SYNC_POLICY"`
	SyncBatchSize   int           `mapstructure:"SYNC_BATCH_SIZE"`
	SyncMaxRetries  int           `mapstructure:"SYNC_MAX_RETRIES"`
	MonitorInterval time.Duration `mapstructure:"MONITOR_INTERVAL"`

	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
	TLSEnabled     bool    `mapstructure:"TLS_ENABLED"`
	TLSCertFile    string  `mapstructure:"TLS_CERT_FILE"`
	TLSKeyFile     string  `mapstructure:"TLS_KEY_FILE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REGISTRY_TIMEOUT", "15s")
	v.SetDefault("SYNC_POLICY", "merge")
	v.SetDefault("SYNC_BATCH_SIZE", 25)
	v.SetDefault("SYNC_MAX_RETRIES", 3)
	v.SetDefault("MONITOR_INTERVAL", "5s")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("REGISTRY_BASE_URL")
	v.BindEnv("REGISTRY_API_KEY")
	v.BindEnv("REGISTRY_TIMEOUT")
	v.BindEnv("SYNC_POLICY")
	v.BindEnv("SYNC_BATCH_SIZE")
	v.BindEnv("SYNC_MAX_RETRIES")
	v.BindEnv("MONITOR_INTERVAL")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")
	v.BindEnv("TLS_ENABLED")
	v.BindEnv("TLS_CERT_FILE")
	v.BindEnv("TLS_KEY_FILE")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The registry
// connection must be fully specified outside development, and the sync
// tuning values must stay in their engine-accepted ranges.
func (c *Config) Validate() error {
	if !c.IsDev() {
		if c.RegistryBaseURL == "" {
			return fmt.Errorf("REGISTRY_BASE_URL is required when ENV is not development")
		}
		if c.RegistryAPIKey == "" {
			return fmt.Errorf("REGISTRY_API_KEY is required when ENV is not development")
		}
	}

	switch c.SyncPolicy {
	case "local_wins", "remote_wins", "merge", "manual":
	default:
		return fmt.Errorf("SYNC_POLICY must be \"local_wins\", \"remote_wins\", \"merge\", or \"manual\", got %q", c.SyncPolicy)
	}
	if c.SyncBatchSize <= 0 {
		return fmt.Errorf("SYNC_BATCH_SIZE must be positive, got %d", c.SyncBatchSize)
	}
	if c.SyncMaxRetries <= 0 {
		return fmt.Errorf("SYNC_MAX_RETRIES must be positive, got %d", c.SyncMaxRetries)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("MONITOR_INTERVAL must be positive, got %s", c.MonitorInterval)
	}

	// TLS validation: when TLS is enabled, cert and key files must be specified.
	if c.TLSEnabled {
		if c.TLSCertFile == "" {
			return fmt.Errorf("TLS_CERT_FILE is required when TLS_ENABLED is true")
		}
		if c.TLSKeyFile == "" {
			return fmt.Errorf("TLS_KEY_FILE is required when TLS_ENABLED is true")
		}
	}

	return nil
}
