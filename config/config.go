// Package config loads and validates service configuration from an optional
// config file and BASTION_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the bastion service.
type Config struct {
	Engine struct {
		// RotationInterval is the token age past which validation rotates
		// eagerly and the proactive schedule fires.
		RotationInterval time.Duration `mapstructure:"rotation_interval"`
		// MaxTokenAge is the hard expiry; tokens older than this fail
		// validation and force re-issuance.
		MaxTokenAge time.Duration `mapstructure:"max_token_age"`
		// TokensPerSession caps simultaneously active tokens per session.
		TokensPerSession int `mapstructure:"tokens_per_session" validate:"gte=1,lte=32"`
	} `mapstructure:"engine"`

	Anomaly struct {
		FailureRateThreshold  float64       `mapstructure:"failure_rate_threshold" validate:"gt=0,lte=1"`
		RequestRateThreshold  int           `mapstructure:"request_rate_threshold" validate:"gte=1"`
		HistoryCapacity       int           `mapstructure:"history_capacity" validate:"gte=10,lte=10000"`
		AnalysisInterval      time.Duration `mapstructure:"analysis_interval"`
		TimingUniformityRatio float64       `mapstructure:"timing_uniformity_ratio" validate:"gt=0,lt=1"`
	} `mapstructure:"anomaly"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port" validate:"gte=1,lte=65535"`
		// TrustProxy controls whether the first X-Forwarded-For entry is
		// honored ahead of the raw socket address.
		TrustProxy bool `mapstructure:"trust_proxy"`
		RateLimit  struct {
			RequestsPerSecond int `mapstructure:"requests_per_second" validate:"gte=1"`
			Burst             int `mapstructure:"burst" validate:"gte=1"`
		} `mapstructure:"rate_limit"`
	} `mapstructure:"server"`
}

func setDefaults() {
	viper.SetDefault("engine.rotation_interval", 15*time.Minute)
	viper.SetDefault("engine.max_token_age", 60*time.Minute)
	viper.SetDefault("engine.tokens_per_session", 3)

	viper.SetDefault("anomaly.failure_rate_threshold", 0.3)
	viper.SetDefault("anomaly.request_rate_threshold", 100)
	viper.SetDefault("anomaly.history_capacity", 100)
	viper.SetDefault("anomaly.analysis_interval", 60*time.Second)
	viper.SetDefault("anomaly.timing_uniformity_ratio", 0.1)

	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.trust_proxy", false)
	viper.SetDefault("server.rate_limit.requests_per_second", 50)
	viper.SetDefault("server.rate_limit.burst", 100)
}

// Load reads configuration from bastion.yaml (working directory or /etc/
// bastion), environment variables prefixed BASTION_, and built-in defaults,
// in ascending precedence of default < file < env.
func Load() (*Config, error) {
	viper.SetConfigName("bastion")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/bastion")

	viper.SetEnvPrefix("BASTION")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No config file is fine; defaults and env vars apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags plus the cross-field constraints the tag
// language cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Engine.RotationInterval <= 0 {
		return fmt.Errorf("invalid config: engine.rotation_interval must be positive")
	}
	if c.Engine.MaxTokenAge <= 0 {
		return fmt.Errorf("invalid config: engine.max_token_age must be positive")
	}
	if c.Engine.MaxTokenAge <= c.Engine.RotationInterval {
		return fmt.Errorf("invalid config: engine.max_token_age (%s) must exceed engine.rotation_interval (%s)",
			c.Engine.MaxTokenAge, c.Engine.RotationInterval)
	}
	if c.Anomaly.AnalysisInterval <= 0 {
		return fmt.Errorf("invalid config: anomaly.analysis_interval must be positive")
	}
	return nil
}

// Default returns a Config populated with the built-in defaults, without
// touching files or the environment. Intended for tests and embedding.
func Default() *Config {
	var cfg Config
	cfg.Engine.RotationInterval = 15 * time.Minute
	cfg.Engine.MaxTokenAge = 60 * time.Minute
	cfg.Engine.TokensPerSession = 3
	cfg.Anomaly.FailureRateThreshold = 0.3
	cfg.Anomaly.RequestRateThreshold = 100
	cfg.Anomaly.HistoryCapacity = 100
	cfg.Anomaly.AnalysisInterval = 60 * time.Second
	cfg.Anomaly.TimingUniformityRatio = 0.1
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8080
	cfg.Server.RateLimit.RequestsPerSecond = 50
	cfg.Server.RateLimit.Burst = 100
	return &cfg
}
