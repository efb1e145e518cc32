package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port              string        `mapstructure:"PORT"`
	Env               string        `mapstructure:"ENV"`
	Store             string        `mapstructure:"STORE"`
	DatabaseURL       string        `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns        int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL          string        `mapstructure:"REDIS_URL"`
	DashboardCacheTTL time.Duration `mapstructure:"DASHBOARD_CACHE_TTL"`
	AuthIssuer        string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL       string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience      string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey    string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins       []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS      float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout    time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	WebhookURLs       []string      `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	Timezone          string        `mapstructure:"TIMEZONE"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DASHBOARD_CACHE_TTL", "15s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:5174")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "10s")
	v.SetDefault("TIMEZONE", "UTC")

	for _, key := range []string{
		"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"REDIS_URL", "DASHBOARD_CACHE_TTL", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"AUTH_SIGNING_KEY", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
		"REQUEST_TIMEOUT", "WEBHOOK_URLS", "WEBHOOK_SECRET", "TIMEZONE",
	} {
		v.BindEnv(key)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.WebhookURLs = splitList(cfg.WebhookURLs)

	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: running in DEVELOPMENT mode (ENV=development); unauthenticated requests act as admin.")
	}

	return cfg, nil
}

// splitList normalises comma separated env values. Viper may hand them over split or
// as a single element; either way entries are trimmed and blanks dropped.
func splitList(parsed []string) []string {
	var out []string
	for _, item := range parsed {
		for _, s := range strings.Split(item, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves TIMEZONE; slot dates and "today" are evaluated in it.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Validate checks that the configuration is safe to run. Outside development a token
// verifier (issuer/JWKS or a signing key) is mandatory and the in-memory store is refused
// in production because it offers no durability.
func (c *Config) Validate() error {
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}
	if c.IsProduction() && c.Store == "memory" {
		return fmt.Errorf("STORE=memory is not allowed in production")
	}
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf("one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q", c.Env)
	}
	if len(c.WebhookURLs) > 0 && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid TIMEZONE %q: %w", c.Timezone, err)
	}
	return nil
}
