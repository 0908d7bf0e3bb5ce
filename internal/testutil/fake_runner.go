package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/vk/jobgridgo/internal/runner"
)

// StepFunc scripts the behavior of one fake step execution.
type StepFunc func(ctx context.Context, spec runner.StepSpec) (runner.Result, error)

// FakeRunner is a scripted executor for tests. Every invocation is
// recorded; behavior is keyed by job name, with an optional default. The
// zero-configured runner succeeds immediately with no outputs.
type FakeRunner struct {
	mu          sync.Mutex
	invocations []runner.StepSpec

	Scripts map[string]StepFunc // keyed by job name
	Default StepFunc
}

// NewFakeRunner builds an empty fake runner.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{Scripts: make(map[string]StepFunc)}
}

// Run implements runner.Runner.
func (f *FakeRunner) Run(ctx context.Context, spec runner.StepSpec) (runner.Result, error) {
	f.mu.Lock()
	f.invocations = append(f.invocations, spec)
	script := f.Scripts[spec.Job]
	if script == nil {
		script = f.Default
	}
	f.mu.Unlock()

	if ctx.Err() != nil {
		return runner.Result{}, ctx.Err()
	}
	if script != nil {
		return script(ctx, spec)
	}
	return runner.Result{}, nil
}

// Fail is a StepFunc that always fails with an exit-class error.
func Fail(ctx context.Context, spec runner.StepSpec) (runner.Result, error) {
	return runner.Result{}, &runner.Error{Kind: runner.KindExit, Step: spec.Step, Err: errors.New("scripted failure")}
}

// BlockUntilCancelled is a StepFunc that waits for cancellation or timeout.
func BlockUntilCancelled(ctx context.Context, spec runner.StepSpec) (runner.Result, error) {
	<-ctx.Done()
	return runner.Result{}, &runner.Error{Kind: runner.KindExit, Step: spec.Step, Err: ctx.Err()}
}

// Outputs builds a StepFunc that succeeds and publishes the given outputs.
func Outputs(outputs map[string]string) StepFunc {
	return func(ctx context.Context, spec runner.StepSpec) (runner.Result, error) {
		return runner.Result{Outputs: outputs}, nil
	}
}

// Invocations returns a copy of every recorded step invocation, in the
// order the runner received them.
func (f *FakeRunner) Invocations() []runner.StepSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runner.StepSpec(nil), f.invocations...)
}

// InvocationsFor counts recorded invocations for one job.
func (f *FakeRunner) InvocationsFor(job string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, spec := range f.invocations {
		if spec.Job == job {
			n++
		}
	}
	return n
}
