package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/vk/jobgridgo/internal/coordinator"
	"github.com/vk/jobgridgo/internal/ctxlog"
	"github.com/vk/jobgridgo/internal/dag"
	"github.com/vk/jobgridgo/internal/matrix"
	"github.com/vk/jobgridgo/internal/report"
	"github.com/vk/jobgridgo/internal/trigger"
)

// Run executes the workflow against the configured trigger context and
// returns the run report. Job failures are reflected in the report status,
// not in the returned error; the error is reserved for run-level problems
// (graph construction, report writing, external cancellation).
func (a *App) Run(ctx context.Context) (*report.Report, error) {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(a.config.HealthcheckPort)
		defer a.closeHealthcheckServer()
	}

	event, err := trigger.ParseEvent(a.config.Event)
	if err != nil {
		return nil, err
	}
	tc := trigger.Context{
		Event:  event,
		Branch: a.config.Branch,
		IsFork: a.config.IsFork,
		Actor:  a.config.Actor,
		Now:    time.Now(),
	}
	startedAt := tc.Now

	if !trigger.Admits(a.workflow.Triggers, tc) {
		a.logger.Warn("Trigger declarations do not admit this event; nothing to run.",
			"event", string(tc.Event), "branch", tc.Branch)
		rep := report.New(a.workflow.Name, tc, &dag.Graph{}, startedAt)
		return rep, a.writeReport(rep)
	}

	var instances []*matrix.Instance
	for _, job := range a.workflow.Jobs {
		instances = append(instances, matrix.Expand(job)...)
	}
	a.logger.Debug("Matrix expansion complete.", "jobs", len(a.workflow.Jobs), "instances", len(instances))

	graph, err := dag.Build(ctx, a.workflow, instances)
	if err != nil {
		return nil, fmt.Errorf("failed to build instance graph: %w", err)
	}

	coord := coordinator.New(graph, a.runner, coordinator.Options{
		Workers:        a.config.Workers,
		DefaultTimeout: a.config.DefaultTimeout,
		Trigger:        tc,
		GlobalEnv:      a.workflow.Env,
	})
	runErr := coord.Run(ctx)

	rep := report.New(a.workflow.Name, tc, graph, startedAt)
	a.logger.Info("Run resolved.", "status", string(rep.Status), "run_id", rep.RunID)

	if err := a.writeReport(rep); err != nil {
		return rep, err
	}
	return rep, runErr
}

// writeReport serializes the report to the configured path, or to the
// app's output writer when none is set.
func (a *App) writeReport(rep *report.Report) error {
	data, err := rep.Marshal()
	if err != nil {
		return fmt.Errorf("failed to serialize run report: %w", err)
	}
	if a.config.ReportPath != "" {
		if err := os.WriteFile(a.config.ReportPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write run report: %w", err)
		}
		return nil
	}
	_, err = a.outW.Write(data)
	return err
}
