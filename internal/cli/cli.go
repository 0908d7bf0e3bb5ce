// Package cli parses command-line arguments into an app configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/vk/jobgridgo/internal/app"
)

// ExitError is an error carrying a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

// Error implements the error interface for ExitError.
func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated Config, a
// boolean indicating the program should exit cleanly (help/usage), or an
// ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("jobgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
jobgrid - a declarative, concurrency-first job-graph orchestration engine.

Usage:
  jobgrid [options] WORKFLOW_PATH

Arguments:
  WORKFLOW_PATH
    Path to a single .hcl workflow file or a directory containing .hcl files.

Options:
`)
		flagSet.PrintDefaults()
	}

	workflowFlag := flagSet.String("workflow", "", "Path to the workflow file or directory.")
	eventFlag := flagSet.String("event", "manual", "Trigger event kind: push, pull_request, schedule, or manual.")
	branchFlag := flagSet.String("branch", "", "Branch associated with the trigger event.")
	actorFlag := flagSet.String("actor", "", "Actor that initiated the trigger event.")
	forkFlag := flagSet.Bool("fork", false, "Whether the trigger event originates from a fork.")
	workersFlag := flagSet.Int("workers", 4, "Number of concurrent workers for the coordinator.")
	timeoutFlag := flagSet.Duration("timeout", time.Hour, "Default per-instance timeout for jobs that set none.")
	graceFlag := flagSet.Duration("grace-period", 10*time.Second, "Grace period between interrupt and kill on cancellation.")
	reportFlag := flagSet.String("report", "", "Write the run report to this path instead of stdout.")
	healthPortFlag := flagSet.Int("healthcheck-port", 0, "Port for the HTTP health check server. 0 is disabled.")
	logFormatFlag := flagSet.String("log-format", "json", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Set the logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *workflowFlag
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}
	if path == "" {
		flagSet.Usage()
		return nil, true, nil
	}

	logFormat := strings.ToLower(*logFormatFlag)
	if logFormat != "text" && logFormat != "json" {
		return nil, false, &ExitError{Code: 2, Message: "invalid log-format: must be 'text' or 'json'"}
	}

	logLevel := strings.ToLower(*logLevelFlag)
	switch logLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		return nil, false, &ExitError{Code: 2, Message: "invalid log-level: must be 'debug', 'info', 'warn', or 'error'"}
	}

	config, err := app.NewConfig(app.Config{
		WorkflowPath:    path,
		Event:           *eventFlag,
		Branch:          *branchFlag,
		Actor:           *actorFlag,
		IsFork:          *forkFlag,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		HealthcheckPort: *healthPortFlag,
		Workers:         *workersFlag,
		DefaultTimeout:  *timeoutFlag,
		GracePeriod:     *graceFlag,
		ReportPath:      *reportFlag,
	})
	if err != nil {
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	return config, false, nil
}
