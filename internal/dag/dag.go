// Package dag builds the directed acyclic graph of job instances that the
// coordinator drives to completion. `needs` edges are declared at the job
// level and broadcast to every instance of the needed job.
package dag

import (
	"context"
	"fmt"
	"time"

	"github.com/vk/jobgridgo/internal/ctxlog"
	"github.com/vk/jobgridgo/internal/matrix"
	"github.com/vk/jobgridgo/internal/model"
)

// Node is one job instance in the graph.
//
// The run-state fields (State, Reason, Err, timing, PendingNeeds) are owned
// exclusively by the coordinator goroutine; workers never touch them.
type Node struct {
	ID       string
	Job      *model.Job
	Instance *matrix.Instance

	NeedJobs   []string
	Deps       []*Node
	Dependents []*Node

	State     State
	Reason    Reason
	Err       error
	StartedAt time.Time
	Duration  time.Duration

	// PendingNeeds counts needed jobs whose aggregate outcome is not yet
	// terminal. Readiness is evaluated when it reaches zero.
	PendingNeeds int
}

// Graph holds every instance in deterministic expansion order.
type Graph struct {
	Nodes    []*Node
	ByJob    map[string][]*Node
	JobOrder []string
}

// Build constructs the instance graph: one node per expanded instance, with
// every instance of a needed job linked as a dependency. The job-name
// relation is validated acyclic at load time; the instance graph is
// re-checked here as a defense against broadcast bugs.
func Build(ctx context.Context, wf *model.Workflow, instances []*matrix.Instance) (*Graph, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Building instance graph.", "instances", len(instances))

	graph := &Graph{ByJob: make(map[string][]*Node)}
	for _, job := range wf.Jobs {
		graph.JobOrder = append(graph.JobOrder, job.Name)
		graph.ByJob[job.Name] = nil
	}

	for _, inst := range instances {
		job := wf.Job(inst.Job)
		if job == nil {
			return nil, fmt.Errorf("instance %q references undeclared job", inst.ID())
		}
		node := &Node{
			ID:           inst.ID(),
			Job:          job,
			Instance:     inst,
			NeedJobs:     job.Needs,
			State:        Pending,
			PendingNeeds: len(job.Needs),
		}
		graph.Nodes = append(graph.Nodes, node)
		graph.ByJob[job.Name] = append(graph.ByJob[job.Name], node)
	}

	for _, node := range graph.Nodes {
		for _, need := range node.NeedJobs {
			for _, dep := range graph.ByJob[need] {
				node.Deps = append(node.Deps, dep)
				dep.Dependents = append(dep.Dependents, node)
			}
		}
	}

	if err := graph.detectCycles(); err != nil {
		return nil, fmt.Errorf("error validating instance graph: %w", err)
	}

	logger.Debug("Instance graph built.", "nodes", len(graph.Nodes))
	return graph, nil
}

// detectCycles runs a depth-first search with the classic visiting/visited
// two-set scheme over instance dependencies.
func (g *Graph) detectCycles() error {
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(node *Node) error
	visit = func(node *Node) error {
		visiting[node.ID] = true
		for _, dep := range node.Deps {
			if visiting[dep.ID] {
				return fmt.Errorf("cycle detected involving '%s'", dep.ID)
			}
			if !visited[dep.ID] {
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		delete(visiting, node.ID)
		visited[node.ID] = true
		return nil
	}

	for _, node := range g.Nodes {
		if !visited[node.ID] {
			if err := visit(node); err != nil {
				return err
			}
		}
	}
	return nil
}
