// Package report builds and serializes the structured summary of a run:
// one record per job instance plus the overall status. Reports round-trip
// through YAML losslessly so downstream tooling can re-load them.
package report

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/vk/jobgridgo/internal/dag"
	"github.com/vk/jobgridgo/internal/trigger"
)

// Status is the overall outcome of a run.
type Status string

// The run statuses. A run where every instance was skipped (for example a
// gate declined to continue) is Skipped, not Succeeded.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Instance is the report record for one job instance.
type Instance struct {
	Job         string        `yaml:"job"`
	Coordinates string        `yaml:"coordinates,omitempty"`
	State       string        `yaml:"state"`
	Reason      string        `yaml:"reason,omitempty"`
	Error       string        `yaml:"error,omitempty"`
	Duration    time.Duration `yaml:"duration"`
}

// Report is the full run summary.
type Report struct {
	RunID     string        `yaml:"run_id"`
	Workflow  string        `yaml:"workflow"`
	Event     string        `yaml:"event"`
	Status    Status        `yaml:"status"`
	StartedAt time.Time     `yaml:"started_at"`
	Duration  time.Duration `yaml:"duration"`
	Instances []Instance    `yaml:"instances"`
}

// New assembles a report from a fully-resolved graph. Instance order is the
// graph's deterministic expansion order.
func New(workflow string, tc trigger.Context, graph *dag.Graph, startedAt time.Time) *Report {
	r := &Report{
		RunID:     uuid.NewString(),
		Workflow:  workflow,
		Event:     string(tc.Event),
		StartedAt: startedAt,
		Duration:  time.Since(startedAt),
	}

	for _, node := range graph.Nodes {
		inst := Instance{
			Job:         node.Job.Name,
			Coordinates: node.Instance.Coordinates(),
			State:       node.State.String(),
			Reason:      string(node.Reason),
			Duration:    node.Duration,
		}
		if node.Err != nil {
			inst.Error = node.Err.Error()
		}
		r.Instances = append(r.Instances, inst)
	}

	r.Status = statusOf(graph)
	return r
}

// statusOf folds instance states into the run status: Succeeded iff every
// non-skipped instance succeeded, Skipped iff everything was skipped,
// Failed otherwise (Cancelled instances are not a green run).
func statusOf(graph *dag.Graph) Status {
	// A graph with no instances at all (trigger not admitted, or every
	// combination excluded) reports Skipped.
	allSkipped := true
	for _, node := range graph.Nodes {
		if node.State != dag.Skipped {
			allSkipped = false
		}
		switch node.State {
		case dag.Succeeded, dag.Skipped:
		default:
			return StatusFailed
		}
	}
	if allSkipped {
		return StatusSkipped
	}
	return StatusSucceeded
}

// Marshal renders the report as YAML.
func (r *Report) Marshal() ([]byte, error) {
	return yaml.Marshal(r)
}

// Parse re-loads a serialized report, validating that every instance state
// is a known terminal state name.
func Parse(data []byte) (*Report, error) {
	var r Report
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse run report: %w", err)
	}
	for _, inst := range r.Instances {
		state, ok := dag.StateFromString(inst.State)
		if !ok || !state.Terminal() {
			return nil, fmt.Errorf("run report contains non-terminal state %q for %s", inst.State, inst.Job)
		}
	}
	return &r, nil
}
