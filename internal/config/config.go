// Package config provides configuration management for ThreatPipe.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatpipe/internal/action"
	"github.com/lvonguyen/threatpipe/internal/observability"
	"github.com/lvonguyen/threatpipe/internal/routing"
	"github.com/lvonguyen/threatpipe/internal/score"
)

// Config holds all ThreatPipe configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Redis      RedisConfig                 `yaml:"redis"`
	Ingest     IngestConfig                `yaml:"ingest"`
	Router     routing.Config              `yaml:"router"`
	Signatures SignaturesConfig            `yaml:"signatures"`
	Mappings   MappingsConfig              `yaml:"mappings"`
	Oracle     score.OracleConfig          `yaml:"oracle"`
	Policy     PolicyConfig                `yaml:"policy"`
	Actions    ActionsConfig               `yaml:"actions"`
	Runs       RunsConfig                  `yaml:"runs"`
	Logging    observability.LoggingConfig `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gt=0,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings. Redis backs the mapping
// store and the API rate limiter; leave Addr empty to run without it.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// IngestConfig holds pipeline entry point settings.
type IngestConfig struct {
	TokenEnv     string `yaml:"token_env"`
	MaxEventSize int    `yaml:"max_event_size" validate:"gt=0"`
}

// SignaturesConfig points at the source signatures file. Empty path
// uses the built-in signature set.
type SignaturesConfig struct {
	Path string `yaml:"path"`
}

// MappingsConfig selects the mapping store backend.
type MappingsConfig struct {
	Backend string `yaml:"backend" validate:"oneof=file redis"`
	Dir     string `yaml:"dir"`
}

// PolicyConfig points at the policy rules file.
type PolicyConfig struct {
	RulesPath string `yaml:"rules_path" validate:"required"`
}

// ActionsConfig holds action execution settings.
type ActionsConfig struct {
	StepTimeout time.Duration                `yaml:"step_timeout"`
	Notifier    action.WebhookNotifierConfig `yaml:"notifier"`
	Ticketer    action.TicketerConfig        `yaml:"ticketer"`
}

// RunsConfig bounds the in-memory pipeline run store.
type RunsConfig struct {
	Capacity int `yaml:"capacity" validate:"gt=0"`
}

// Load reads configuration from a YAML file. Validation failures are
// returned as errors; callers treat them as fatal since a corrupt
// configuration would mis-route every request.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			PasswordEnv: "THREATPIPE_REDIS_PASSWORD",
			DB:          0,
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Ingest: IngestConfig{
			TokenEnv:     "THREATPIPE_INGEST_TOKEN",
			MaxEventSize: 1024 * 1024, // 1MB
		},
		Router: routing.DefaultConfig(),
		Mappings: MappingsConfig{
			Backend: "file",
			Dir:     "mappings",
		},
		Oracle: score.DefaultOracleConfig(),
		Policy: PolicyConfig{
			RulesPath: "configs/policies.yaml",
		},
		Actions: ActionsConfig{
			StepTimeout: 10 * time.Second,
			Notifier: action.WebhookNotifierConfig{
				WebhookURLEnv: "THREATPIPE_WEBHOOK_URL",
				Timeout:       10 * time.Second,
			},
			Ticketer: action.TicketerConfig{
				APIKeyEnv: "THREATPIPE_TRACKER_KEY",
				Timeout:   10 * time.Second,
			},
		},
		Runs: RunsConfig{
			Capacity: 4096,
		},
		Logging: observability.LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
