package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port         string        `mapstructure:"PORT"`
	Env          string        `mapstructure:"ENV"`
	DatabaseURL  string        `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins  []string      `mapstructure:"CORS_ORIGINS"`
	GenAIBaseURL string        `mapstructure:"GENAI_BASE_URL"`
	GenAIAPIKey  string        `mapstructure:"GENAI_API_KEY"`
	GenAIModel   string        `mapstructure:"GENAI_MODEL"`
	GenAITimeout time.Duration `mapstructure:"GENAI_TIMEOUT"`
	ExportDir    string        `mapstructure:"EXPORT_DIR"`
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
	v.SetDefault("GENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("GENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("GENAI_TIMEOUT", "90s")
	v.SetDefault("EXPORT_DIR", "./exports")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("GENAI_BASE_URL")
	v.BindEnv("GENAI_API_KEY")
	v.BindEnv("GENAI_MODEL")
	v.BindEnv("GENAI_TIMEOUT")
	v.BindEnv("EXPORT_DIR")

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

// Validate checks that the configuration is safe to run. Production requires
// a generation API key so plan generation does not fail on first use.
func (c *Config) Validate() error {
	if c.IsProduction() && c.GenAIAPIKey == "" {
		return fmt.Errorf("GENAI_API_KEY is required in production")
	}
	if c.GenAITimeout <= 0 {
		return fmt.Errorf("GENAI_TIMEOUT must be positive, got %s", c.GenAITimeout)
	}
	if c.ExportDir == "" {
		return fmt.Errorf("EXPORT_DIR must not be empty")
	}
	return nil
}
