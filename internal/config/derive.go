package config

import (
	"log/slog"
	"os"

	"github.com/textloom/orchestrator/internal/dispatcher"
	"github.com/textloom/orchestrator/internal/housekeeping"
	"github.com/textloom/orchestrator/internal/notify"
	"github.com/textloom/orchestrator/internal/poller"
	"github.com/textloom/orchestrator/internal/store"
	"github.com/textloom/orchestrator/internal/worker"
)

// StoreConfig builds the database connection config store.Open expects.
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Host:     c.Env.DBHost,
		Port:     c.Env.DBPort,
		User:     c.Env.DBUser,
		Password: c.Env.DBPassword,
		Database: c.Env.DBName,
		SSLMode:  c.Env.DBSSLMode,

		MaxOpenConns:    c.YAML.Queue.WorkerCount * 2,
		MaxIdleConns:    c.YAML.Queue.WorkerCount,
		ConnMaxLifetime: 0,
		ConnMaxIdleTime: 0,
	}
}

// DispatcherConfig builds the worker-pool config dispatcher.New expects.
func (c *Config) DispatcherConfig() dispatcher.Config {
	return dispatcher.Config{
		WorkerCount: c.YAML.Queue.WorkerCount,
		Worker: worker.Config{
			PollInterval: c.YAML.Queue.PollInterval,
			ErrorBackoff: c.YAML.Queue.ErrorBackoff,
			LeaseTTL:     c.YAML.Queue.LeaseTTL,
		},
	}
}

// PollerConfig builds the reconciliation-loop config poller.New expects.
func (c *Config) PollerConfig() poller.Config {
	return poller.Config{
		PollInterval:         c.YAML.Poller.PollInterval,
		BatchSize:            c.YAML.Poller.BatchSize,
		MergeTimeout:         c.YAML.Poller.MergeTimeout,
		PollFailureThreshold: c.YAML.Poller.PollFailureThreshold,
		SubtitleFailureMode:  c.YAML.Poller.SubtitleFailureMode,
		CallTimeout:          c.YAML.Poller.CallTimeout,
		Concurrency:          c.YAML.Poller.Concurrency,
	}
}

// HousekeepingConfig builds the maintenance-loop config housekeeping.New expects.
func (c *Config) HousekeepingConfig() housekeeping.Config {
	return housekeeping.Config{
		Interval:        c.YAML.Housekeeping.Interval,
		RetryBudget:     c.YAML.Housekeeping.RetryBudget,
		StuckThreshold:  c.YAML.Housekeeping.StuckThreshold,
		RetentionWindow: c.YAML.Housekeeping.RetentionWindow,
		PurgeBatchSize:  c.YAML.Housekeeping.PurgeBatchSize,
	}
}

// NotifyConfig builds the optional Slack notifier config. notify.New returns
// nil when Token/Channel are unset, so callers can wire this unconditionally.
func (c *Config) NotifyConfig() notify.Config {
	return notify.Config{
		Token:        c.Env.SlackToken,
		Channel:      c.Env.SlackChannel,
		DashboardURL: c.Env.DashboardURL,
	}
}

// NewLogger builds the process-wide slog handler selected by LOG_FORMAT,
// the same json-in-prod/text-in-dev split the infinitetalk-api example's
// Config.NewLogger uses.
func (c *Config) NewLogger() *slog.Logger {
	level := parseLogLevel(c.Env.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.Env.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
