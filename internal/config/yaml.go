package config

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// YAMLConfig is the document shape of textloom.yaml: everything an operator
// tunes without touching a secret, mirroring the reference service's
// tarsy.yaml split between queue/defaults sections and the env-only
// secrets/endpoints in EnvConfig.
type YAMLConfig struct {
	Queue        *QueueConfig        `yaml:"queue"`
	Poller       *PollerConfig       `yaml:"poller"`
	Housekeeping *HousekeepingConfig `yaml:"housekeeping"`
	Collaborator *CollaboratorConfig `yaml:"collaborator"`
}

// QueueConfig controls the worker pool, named after the reference service's
// QueueConfig even though the orchestration core has no literal queue table.
type QueueConfig struct {
	WorkerCount  int           `yaml:"worker_count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ErrorBackoff time.Duration `yaml:"error_backoff"`
	LeaseTTL     time.Duration `yaml:"lease_ttl"`
}

// DefaultQueueConfig returns the built-in worker pool defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:  5,
		PollInterval: 2 * time.Second,
		ErrorBackoff: time.Second,
		LeaseTTL:     5 * time.Minute,
	}
}

// PollerConfig controls the video-merge reconciliation loop (spec §4.4 /
// §6.4's Config Surface: poll_interval_s, poll_batch_size, video_merge_timeout_s).
type PollerConfig struct {
	PollInterval         time.Duration `yaml:"poll_interval"`
	BatchSize            int           `yaml:"batch_size"`
	MergeTimeout         time.Duration `yaml:"merge_timeout"`
	PollFailureThreshold int           `yaml:"poll_failure_threshold"`
	SubtitleFailureMode  string        `yaml:"subtitle_failure_mode"`
	CallTimeout          time.Duration `yaml:"call_timeout"`
	Concurrency          int           `yaml:"concurrency"`
}

// DefaultPollerConfig returns the built-in poller defaults.
func DefaultPollerConfig() *PollerConfig {
	return &PollerConfig{
		PollInterval:         60 * time.Second,
		BatchSize:            50,
		MergeTimeout:         30 * time.Minute,
		PollFailureThreshold: 5,
		SubtitleFailureMode:  "degrade",
		CallTimeout:          30 * time.Second,
		Concurrency:          10,
	}
}

// HousekeepingConfig controls the maintenance loop (spec §4.6).
type HousekeepingConfig struct {
	Interval        time.Duration `yaml:"interval"`
	RetryBudget     int           `yaml:"retry_budget"`
	StuckThreshold  time.Duration `yaml:"stuck_threshold"`
	RetentionWindow time.Duration `yaml:"retention_window"`
	PurgeBatchSize  int           `yaml:"purge_batch_size"`
}

// DefaultHousekeepingConfig returns the built-in housekeeping defaults.
func DefaultHousekeepingConfig() *HousekeepingConfig {
	return &HousekeepingConfig{
		Interval:        5 * time.Minute,
		RetryBudget:     3,
		StuckThreshold:  15 * time.Minute,
		RetentionWindow: 30 * 24 * time.Hour,
		PurgeBatchSize:  100,
	}
}

// CollaboratorConfig controls shared collaborator-call timeouts, a knob the
// stage runners read through stages.Deps.
type CollaboratorConfig struct {
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// DefaultCollaboratorConfig returns the built-in collaborator-call defaults.
func DefaultCollaboratorConfig() *CollaboratorConfig {
	return &CollaboratorConfig{CallTimeout: 30 * time.Second}
}

// loadYAML reads textloom.yaml from configDir (if present) and merges it
// over the built-in defaults, non-zero user values overriding, exactly the
// mergo.WithOverride pattern the reference service uses for its QueueConfig.
func loadYAML(configDir string) (*YAMLConfig, error) {
	merged := &YAMLConfig{
		Queue:        DefaultQueueConfig(),
		Poller:       DefaultPollerConfig(),
		Housekeeping: DefaultHousekeepingConfig(),
		Collaborator: DefaultCollaboratorConfig(),
	}

	path := configDir + "/textloom.yaml"
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return merged, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var user YAMLConfig
	if err := yaml.Unmarshal(data, &user); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if user.Queue != nil {
		if err := mergo.Merge(merged.Queue, user.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging queue config: %w", err)
		}
	}
	if user.Poller != nil {
		if err := mergo.Merge(merged.Poller, user.Poller, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging poller config: %w", err)
		}
	}
	if user.Housekeeping != nil {
		if err := mergo.Merge(merged.Housekeeping, user.Housekeeping, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging housekeeping config: %w", err)
		}
	}
	if user.Collaborator != nil {
		if err := mergo.Merge(merged.Collaborator, user.Collaborator, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("merging collaborator config: %w", err)
		}
	}

	return merged, nil
}
