// Package config loads and validates the engine's startup configuration.
// Modeled on the teacher's configs.LoadConfig (read file, unmarshal, wrap
// errors) but widened to env-first layered configuration with viper, since
// a networked service takes its secrets from the environment, not a
// checked-in YAML file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the engine's fully validated startup configuration.
type Config struct {
	Env string // "production", "dev", "test"

	HTTPPort int

	DatabaseURL string
	RedisURL    string

	TokenSigningSecret string
	TokenIssuer        string
	TokenAudience      string

	SniperWindow time.Duration

	CORSAllowedOrigin string

	POSChaosEnabled     bool
	POSChaosFailureRate float64
	POSChaosMaxDelay    time.Duration
}

const minSecretLen = 32

// Load reads configuration from (in increasing precedence) defaults, an
// optional .env file, and the process environment, then validates it.
// It never panics — startup failures are returned as a wrapped error the
// caller must act on, per the "fatal" bucket of the error taxonomy.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is normal in production

	v := viper.New()
	v.SetEnvPrefix("SEALBID")
	v.AutomaticEnv()
	v.SetDefault("ENV", "production")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("SNIPER_WINDOW_SECONDS", 60)
	v.SetDefault("POS_CHAOS_ENABLED", false)
	v.SetDefault("POS_CHAOS_FAILURE_RATE", 0.0)
	v.SetDefault("POS_CHAOS_MAX_DELAY_MS", 0)

	cfg := &Config{
		Env:                 v.GetString("ENV"),
		HTTPPort:            v.GetInt("HTTP_PORT"),
		DatabaseURL:         v.GetString("DATABASE_URL"),
		RedisURL:            v.GetString("REDIS_URL"),
		TokenSigningSecret:  v.GetString("TOKEN_SIGNING_SECRET"),
		TokenIssuer:         v.GetString("TOKEN_ISSUER"),
		TokenAudience:       v.GetString("TOKEN_AUDIENCE"),
		SniperWindow:        time.Duration(v.GetInt("SNIPER_WINDOW_SECONDS")) * time.Second,
		CORSAllowedOrigin:   v.GetString("CORS_ALLOWED_ORIGIN"),
		POSChaosEnabled:     v.GetBool("POS_CHAOS_ENABLED"),
		POSChaosFailureRate: v.GetFloat64("POS_CHAOS_FAILURE_RATE"),
		POSChaosMaxDelay:    time.Duration(v.GetInt("POS_CHAOS_MAX_DELAY_MS")) * time.Millisecond,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RedisURL == "" {
		missing = append(missing, "REDIS_URL")
	}
	if c.TokenIssuer == "" {
		missing = append(missing, "TOKEN_ISSUER")
	}
	if c.TokenAudience == "" {
		missing = append(missing, "TOKEN_AUDIENCE")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if len(c.TokenSigningSecret) < minSecretLen {
		return fmt.Errorf("TOKEN_SIGNING_SECRET must be at least %d bytes", minSecretLen)
	}
	if c.TokenSigningSecret == "change-me" {
		return fmt.Errorf("TOKEN_SIGNING_SECRET is set to the placeholder value")
	}

	if c.SniperWindow <= 0 {
		return fmt.Errorf("SNIPER_WINDOW_SECONDS must be positive")
	}

	if strings.EqualFold(c.Env, "production") && c.CORSAllowedOrigin == "*" {
		return fmt.Errorf("CORS_ALLOWED_ORIGIN cannot be wildcard in production")
	}

	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT out of range: %d", c.HTTPPort)
	}

	return nil
}

func (c *Config) IsProduction() bool { return strings.EqualFold(c.Env, "production") }
