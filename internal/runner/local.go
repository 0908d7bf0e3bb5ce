package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vk/jobgridgo/internal/ctxlog"
)

// OutputEnvVar names the file a step can append `key=value` lines to in
// order to publish outputs for downstream conditions.
const OutputEnvVar = "JOBGRID_OUTPUT"

const defaultGrace = 10 * time.Second

// Local runs steps as child processes on the coordinating host. Cancellation
// is cooperative: the process receives an interrupt and is killed only after
// the grace period.
type Local struct {
	grace  time.Duration
	stdout io.Writer
	stderr io.Writer
}

// NewLocal builds a Local runner. A zero grace period selects the default.
func NewLocal(grace time.Duration, stdout, stderr io.Writer) *Local {
	if grace <= 0 {
		grace = defaultGrace
	}
	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	return &Local{grace: grace, stdout: stdout, stderr: stderr}
}

// Run launches the step's argv and waits for it. Exit code zero is success;
// any nonzero code is a KindExit error. The engine does not interpret exit
// codes beyond zero/non-zero.
func (l *Local) Run(ctx context.Context, spec StepSpec) (Result, error) {
	logger := ctxlog.FromContext(ctx).With("instance", spec.InstanceID, "step", spec.Step)

	outFile, err := os.CreateTemp("", "jobgrid-output-*")
	if err != nil {
		return Result{}, &Error{Kind: KindLaunch, Step: spec.Step, Err: err}
	}
	outPath := outFile.Name()
	outFile.Close()
	defer os.Remove(outPath)

	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Env = append(os.Environ(), EnvStrings(spec.Env)...)
	cmd.Env = append(cmd.Env, OutputEnvVar+"="+outPath)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	cmd.Cancel = func() error {
		logger.Debug("Signaling step for cooperative shutdown.")
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.grace

	logger.Debug("Launching step process.", "argv", spec.Argv)
	if err := cmd.Start(); err != nil {
		return Result{}, &Error{Kind: KindLaunch, Step: spec.Step, Err: err}
	}
	if err := cmd.Wait(); err != nil {
		return Result{}, &Error{Kind: KindExit, Step: spec.Step, Err: err}
	}

	outputs, err := parseOutputs(outPath)
	if err != nil {
		logger.Warn("Step outputs could not be parsed.", "error", err)
	}
	return Result{Outputs: outputs}, nil
}

// parseOutputs reads `key=value` lines from the step's output file. Blank
// lines are ignored; malformed lines abort parsing so a truncated write is
// not half-applied.
func parseOutputs(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	outputs := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("malformed output line %q", line)
		}
		outputs[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	return outputs, nil
}
