// Package runner defines the executor collaborator contract. The engine
// hands a runner one fully-composed step at a time and observes only exit
// status, duration, and any outputs the step published; everything else
// about the execution environment is opaque.
package runner

import (
	"context"
	"fmt"
	"sort"
)

// StepSpec is one executable step, with its environment already composed by
// layering: global defaults < job env < matrix variables < step env, later
// layers winning on key collision.
type StepSpec struct {
	Job        string
	InstanceID string
	Step       string
	Argv       []string
	Env        map[string]string
}

// Result carries the outputs a step published, keyed by output name.
// Outputs feed the `needs.<job>.outputs.*` condition context downstream.
type Result struct {
	Outputs map[string]string
}

// Runner executes a single step and blocks until it finishes, the context
// is cancelled, or the deadline passes.
type Runner interface {
	Run(ctx context.Context, spec StepSpec) (Result, error)
}

// ErrorKind distinguishes executor launch failures from executor-reported
// failures. Timeouts are detected by the coordinator from the context, not
// by the runner.
type ErrorKind int

// The runner error kinds.
const (
	KindExit ErrorKind = iota
	KindLaunch
)

// Error wraps a step failure with its kind.
type Error struct {
	Kind ErrorKind
	Step string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch e.Kind {
	case KindLaunch:
		return fmt.Sprintf("step %q failed to launch: %v", e.Step, e.Err)
	default:
		return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
	}
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error { return e.Err }

// ComposeEnv flattens environment layers, later layers overriding earlier
// ones on key collision.
func ComposeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// EnvStrings renders an env map as sorted KEY=VALUE pairs.
func EnvStrings(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
