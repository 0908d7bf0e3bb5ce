package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vk/jobgridgo/internal/app"
	"github.com/vk/jobgridgo/internal/report"
	"github.com/vk/jobgridgo/internal/runner"
)

// RunResult bundles the artifacts of one end-to-end harness run.
type RunResult struct {
	Report     *report.Report
	ReportPath string
	Logs       string
	Err        error
}

// RunWorkflow writes the workflow definition to a temp dir and drives a full
// App run against it. A nil run uses the real local executor; mutate adjusts
// the config before the app is built.
func RunWorkflow(t *testing.T, content string, run runner.Runner, mutate func(*app.Config)) RunResult {
	t.Helper()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "workflow.hcl"), []byte(content), 0o644))

	logs := &SafeBuffer{}
	reportPath := filepath.Join(dir, "report.yaml")

	config, err := app.NewConfig(app.Config{
		WorkflowPath: dir,
		LogFormat:    "text",
		LogLevel:     "debug",
		Workers:      2,
		ReportPath:   reportPath,
	})
	require.NoError(t, err)
	if mutate != nil {
		mutate(config)
	}

	application, err := app.NewApp(logs, config, run)
	if err != nil {
		return RunResult{Logs: logs.String(), Err: err}
	}

	rep, err := application.Run(context.Background())
	return RunResult{Report: rep, ReportPath: config.ReportPath, Logs: logs.String(), Err: err}
}
