// Package app wires the engine together: it loads and validates the
// workflow definition, derives the trigger context, and owns the run
// lifecycle from expansion through the final report.
package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/vk/jobgridgo/internal/ctxlog"
	"github.com/vk/jobgridgo/internal/model"
	"github.com/vk/jobgridgo/internal/runner"
)

// App encapsulates one configured engine instance.
type App struct {
	outW     io.Writer
	logger   *slog.Logger
	config   *Config
	workflow *model.Workflow
	runner   runner.Runner

	httpServer *http.Server
}

// NewApp loads the workflow and returns a fully initialized App with its
// own isolated logger. A nil run injects the local process executor; tests
// pass a scripted runner instead.
func NewApp(outW io.Writer, config *Config, run runner.Runner) (*App, error) {
	logger := newLogger(config.LogLevel, config.LogFormat, outW)
	ctx := ctxlog.WithLogger(context.Background(), logger)
	logger.Debug("Logger configured successfully.")

	workflow, err := model.Load(ctx, config.WorkflowPath)
	if err != nil {
		return nil, err
	}
	logger.Debug("Workflow definition loaded and validated.", "workflow", workflow.Name)

	if run == nil {
		run = runner.NewLocal(config.GracePeriod, outW, outW)
	}

	return &App{
		outW:     outW,
		logger:   logger,
		config:   config,
		workflow: workflow,
		runner:   run,
	}, nil
}

// Workflow exposes the loaded definition. This is primarily for testing.
func (a *App) Workflow() *model.Workflow {
	return a.workflow
}
