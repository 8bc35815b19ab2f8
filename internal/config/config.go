package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Realtime change sources.
const (
	RealtimePostgres = "postgres"
	RealtimeNATS     = "nats"
	RealtimeHub      = "hub"
)

type Config struct {
	Port                        string        `mapstructure:"PORT"`
	Env                         string        `mapstructure:"ENV"`
	DatabaseURL                 string        `mapstructure:"DATABASE_URL"`
	DBMaxConns                  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns                  int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins                 []string      `mapstructure:"CORS_ORIGINS"`
	NATSURL                     string        `mapstructure:"NATS_URL"`
	RealtimeSource              string        `mapstructure:"REALTIME_SOURCE"`
	AutosaveQuietPeriod         time.Duration `mapstructure:"AUTOSAVE_QUIET_PERIOD"`
	ReloadDelay                 time.Duration `mapstructure:"RELOAD_DELAY"`
	ExtractionMinConfidence     int           `mapstructure:"EXTRACTION_MIN_CONFIDENCE"`
	SuggestionNoEvidencePenalty int           `mapstructure:"SUGGESTION_NO_EVIDENCE_PENALTY"`
	RequestTimeout              time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	BodyLimit                   string        `mapstructure:"BODY_LIMIT"`
	RateLimitRPS                float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst              int           `mapstructure:"RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT",
	"ENV",
	"DATABASE_URL",
	"DB_MAX_CONNS",
	"DB_MIN_CONNS",
	"CORS_ORIGINS",
	"NATS_URL",
	"REALTIME_SOURCE",
	"AUTOSAVE_QUIET_PERIOD",
	"RELOAD_DELAY",
	"EXTRACTION_MIN_CONFIDENCE",
	"SUGGESTION_NO_EVIDENCE_PENALTY",
	"REQUEST_TIMEOUT",
	"BODY_LIMIT",
	"RATE_LIMIT_RPS",
	"RATE_LIMIT_BURST",
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
	v.SetDefault("REALTIME_SOURCE", RealtimePostgres)
	v.SetDefault("AUTOSAVE_QUIET_PERIOD", "800ms")
	v.SetDefault("RELOAD_DELAY", "750ms")
	v.SetDefault("EXTRACTION_MIN_CONFIDENCE", 60)
	v.SetDefault("SUGGESTION_NO_EVIDENCE_PENALTY", 15)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

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
	cfg.RealtimeSource = strings.ToLower(strings.TrimSpace(cfg.RealtimeSource))

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

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	switch c.RealtimeSource {
	case RealtimePostgres, RealtimeHub:
	case RealtimeNATS:
		if c.NATSURL == "" {
			return fmt.Errorf("NATS_URL is required when REALTIME_SOURCE is %q", RealtimeNATS)
		}
	default:
		return fmt.Errorf("REALTIME_SOURCE must be %q, %q or %q, got %q",
			RealtimePostgres, RealtimeNATS, RealtimeHub, c.RealtimeSource)
	}
	if c.AutosaveQuietPeriod <= 0 {
		return fmt.Errorf("AUTOSAVE_QUIET_PERIOD must be positive, got %s", c.AutosaveQuietPeriod)
	}
	if c.ReloadDelay < 0 {
		return fmt.Errorf("RELOAD_DELAY must not be negative, got %s", c.ReloadDelay)
	}
	if c.ExtractionMinConfidence < 1 || c.ExtractionMinConfidence > 100 {
		return fmt.Errorf("EXTRACTION_MIN_CONFIDENCE must be between 1 and 100, got %d", c.ExtractionMinConfidence)
	}
	if c.SuggestionNoEvidencePenalty < 0 || c.SuggestionNoEvidencePenalty > 100 {
		return fmt.Errorf("SUGGESTION_NO_EVIDENCE_PENALTY must be between 0 and 100, got %d", c.SuggestionNoEvidencePenalty)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive, got %g and %d", c.RateLimitRPS, c.RateLimitBurst)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
