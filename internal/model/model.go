// Package model holds the parsed, validated, in-memory representation of a
// workflow definition: jobs, dependencies, triggers, matrices, and
// conditions.
//
// Why store raw hcl.Expression fields?
//
// A job's `if` condition and its env maps may reference values that only
// exist later in the run: the trigger event, outputs produced by upstream
// jobs, or the matrix variables of a concrete instance. The model therefore
// captures the user's intent as an unevaluated expression, and the condition
// evaluator resolves it against a concrete evaluation context when the
// scheduler decides readiness. Everything that can be resolved statically
// (axis values, trigger filters, timeouts) is resolved at load time so that
// validation can reject malformed definitions before any execution starts.
package model

import (
	"time"

	"github.com/hashicorp/hcl/v2"
)

// Workflow is the immutable root of a loaded definition.
type Workflow struct {
	Name     string
	Triggers Triggers
	Env      map[string]string
	Jobs     []*Job
}

// Job returns the job with the given name, or nil.
func (w *Workflow) Job(name string) *Job {
	for _, j := range w.Jobs {
		if j.Name == name {
			return j
		}
	}
	return nil
}

// Triggers enumerates the events a workflow reacts to.
type Triggers struct {
	Push        *PushTrigger
	PullRequest bool
	Schedules   []*ScheduleTrigger
	Manual      bool
}

// PushTrigger optionally restricts push events to a set of branches.
// An empty Branches list admits every branch.
type PushTrigger struct {
	Branches []string
}

// ScheduleTrigger fires on a standard 5-field cron expression.
type ScheduleTrigger struct {
	Cron string
}

// Job is a named unit of work with dependencies, a gating condition, and an
// ordered list of steps.
type Job struct {
	Name     string
	Needs    []string
	If       hcl.Expression // nil means the implicit "all needs succeeded"
	RunsOn   string
	Timeout  time.Duration // zero means the engine default applies
	Env      hcl.Expression
	Strategy *Strategy
	Steps    []*Step
}

// FailFast reports the job's sibling-cancellation policy. Jobs without a
// strategy, and strategies that do not set fail_fast, default to true.
func (j *Job) FailFast() bool {
	if j.Strategy == nil || j.Strategy.FailFast == nil {
		return true
	}
	return *j.Strategy.FailFast
}

// Strategy parameterizes a job with a matrix and a fail-fast policy.
type Strategy struct {
	FailFast *bool
	Matrix   Matrix
}

// Matrix declares named axes plus include/exclude overrides. Axes keep
// their declaration order; expansion order depends on it.
type Matrix struct {
	Axes    []Axis
	Include []map[string]string
	Exclude []map[string]string
}

// Axis is one named dimension of a matrix.
type Axis struct {
	Name   string
	Values []string
}

// Step is a single executable instruction inside a job. Run is the argv the
// executor launches; the engine interprets nothing beyond its exit status.
type Step struct {
	Name    string
	Run     []string
	Env     hcl.Expression
	Timeout time.Duration
}
