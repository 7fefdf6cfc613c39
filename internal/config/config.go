// Package config loads the orchestration core's configuration once at
// startup, mirroring the reference service's pkg/config.Initialize
// entry point: secrets/endpoints come from the environment (.env +
// go-envconfig), tunables come from a checked-in textloom.yaml merged over
// built-in defaults with mergo, and the result is validated with
// go-playground/validator before any component starts.
package config

import (
	"context"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the fully resolved, validated configuration for one
// orchestrator process.
type Config struct {
	Env  EnvConfig
	YAML YAMLConfig
}

// Initialize loads environment variables (via an optional .env file in
// configDir), decodes EnvConfig, loads+merges textloom.yaml from configDir,
// and validates the result. This is the sole entry point cmd/orchestratord
// calls before constructing any component.
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	envPath := configDir + "/.env"
	if err := godotenv.Load(envPath); err != nil {
		// A missing .env is expected in production, where secrets come from
		// the environment directly rather than a checked-in file.
		_ = err
	}

	env, err := loadEnv(ctx)
	if err != nil {
		return nil, err
	}

	yamlCfg, err := loadYAML(configDir)
	if err != nil {
		return nil, err
	}

	cfg := &Config{Env: *env, YAML: *yamlCfg}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

var structValidate = validator.New()

func (c *Config) validate() error {
	if err := structValidate.Struct(c.Env); err != nil {
		return fmt.Errorf("environment configuration: %w", err)
	}
	if c.YAML.Queue.WorkerCount < 1 {
		return fmt.Errorf("queue.worker_count must be at least 1")
	}
	if c.YAML.Poller.BatchSize < 1 {
		return fmt.Errorf("poller.batch_size must be at least 1")
	}
	if c.YAML.Poller.SubtitleFailureMode != "degrade" && c.YAML.Poller.SubtitleFailureMode != "fail" {
		return fmt.Errorf("poller.subtitle_failure_mode must be \"degrade\" or \"fail\"")
	}
	return nil
}
