package app

import (
	"errors"
	"time"

	"github.com/vk/jobgridgo/internal/trigger"
)

// Config holds everything an App instance needs to run. It is assembled by
// the CLI (or a test harness) and threaded explicitly through construction;
// the engine keeps no ambient global state so runs stay re-entrant.
type Config struct {
	WorkflowPath string

	// Trigger context for this invocation.
	Event  string
	Branch string
	Actor  string
	IsFork bool

	LogFormat       string
	LogLevel        string
	HealthcheckPort int

	Workers        int
	DefaultTimeout time.Duration
	GracePeriod    time.Duration
	ReportPath     string
}

// NewConfig validates a Config and applies defaults.
func NewConfig(cfg Config) (*Config, error) {
	if cfg.WorkflowPath == "" {
		return nil, errors.New("WorkflowPath is a required configuration field and cannot be empty")
	}
	if cfg.Event == "" {
		cfg.Event = string(trigger.EventManual)
	}
	if _, err := trigger.ParseEvent(cfg.Event); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &cfg, nil
}
