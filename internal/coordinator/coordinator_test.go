package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/jobgridgo/internal/coordinator"
	"github.com/vk/jobgridgo/internal/dag"
	"github.com/vk/jobgridgo/internal/matrix"
	"github.com/vk/jobgridgo/internal/model"
	"github.com/vk/jobgridgo/internal/runner"
	"github.com/vk/jobgridgo/internal/testutil"
	"github.com/vk/jobgridgo/internal/trigger"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), diags.Error())
	return expr
}

func oneStep() []*model.Step {
	return []*model.Step{{Name: "main", Run: []string{"true"}}}
}

func buildGraph(t *testing.T, wf *model.Workflow) *dag.Graph {
	t.Helper()
	var instances []*matrix.Instance
	for _, job := range wf.Jobs {
		instances = append(instances, matrix.Expand(job)...)
	}
	graph, err := dag.Build(context.Background(), wf, instances)
	require.NoError(t, err)
	return graph
}

// runGraph drives a workflow through the coordinator with a scripted runner
// and returns the resolved graph plus the observed transition events.
func runGraph(t *testing.T, wf *model.Workflow, fake *testutil.FakeRunner, mutate func(*coordinator.Options)) (*dag.Graph, []coordinator.Event) {
	t.Helper()
	graph := buildGraph(t, wf)

	var events []coordinator.Event
	opts := coordinator.Options{
		Workers: 4,
		Trigger: trigger.Context{Event: trigger.EventManual},
		Observer: func(e coordinator.Event) {
			events = append(events, e)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}

	err := coordinator.New(graph, fake, opts).Run(context.Background())
	require.NoError(t, err)
	return graph, events
}

func stateOf(t *testing.T, graph *dag.Graph, id string) *dag.Node {
	t.Helper()
	for _, node := range graph.Nodes {
		if node.ID == id {
			return node
		}
	}
	t.Fatalf("no node %q in graph", id)
	return nil
}

func TestRun_ChainExecutesInDependencyOrder(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "a", Steps: oneStep()},
		{Name: "b", Needs: []string{"a"}, Steps: oneStep()},
		{Name: "c", Needs: []string{"b"}, Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()

	graph, _ := runGraph(t, wf, fake, nil)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, dag.Succeeded, stateOf(t, graph, id).State, id)
	}

	invocations := fake.Invocations()
	require.Len(t, invocations, 3)
	assert.Equal(t, "a", invocations[0].Job)
	assert.Equal(t, "b", invocations[1].Job)
	assert.Equal(t, "c", invocations[2].Job)
}

func TestRun_FailureSkipsDependentsWithoutInvoking(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "a", Steps: oneStep()},
		{Name: "b", Needs: []string{"a"}, Steps: oneStep()},
		{Name: "c", Needs: []string{"b"}, Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()
	fake.Scripts["a"] = testutil.Fail

	graph, events := runGraph(t, wf, fake, nil)

	a := stateOf(t, graph, "a")
	assert.Equal(t, dag.Failed, a.State)
	assert.Equal(t, dag.ReasonExit, a.Reason)
	assert.Error(t, a.Err)

	for _, id := range []string{"b", "c"} {
		node := stateOf(t, graph, id)
		assert.Equal(t, dag.Skipped, node.State, id)
		assert.Equal(t, dag.ReasonUpstream, node.Reason, id)
		assert.Zero(t, fake.InvocationsFor(id), "%s must never reach the executor", id)
	}

	for _, e := range events {
		if e.Job == "b" || e.Job == "c" {
			assert.NotEqual(t, dag.Running, e.To, "skipped instances never enter Running")
		}
	}
}

func TestRun_FailFastCancelsMatrixSiblings(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{
			Name: "m",
			Strategy: &model.Strategy{Matrix: model.Matrix{
				Axes: []model.Axis{{Name: "x", Values: []string{"1", "2", "3"}}},
			}},
			Steps: oneStep(),
		},
	}}
	fake := testutil.NewFakeRunner()
	fake.Default = func(ctx context.Context, spec runner.StepSpec) (runner.Result, error) {
		if spec.Env["x"] == "1" {
			return testutil.Fail(ctx, spec)
		}
		return runner.Result{}, nil
	}

	// One worker keeps the dispatch serial, so the failure lands while the
	// siblings are still queued.
	graph, _ := runGraph(t, wf, fake, func(o *coordinator.Options) { o.Workers = 1 })

	assert.Equal(t, dag.Failed, stateOf(t, graph, "m[x=1]").State)
	for _, id := range []string{"m[x=2]", "m[x=3]"} {
		node := stateOf(t, graph, id)
		assert.Equal(t, dag.Cancelled, node.State, id)
		assert.Equal(t, dag.ReasonFailFast, node.Reason, id)
	}
	assert.Len(t, fake.Invocations(), 1, "cancelled siblings never launch")
}

func TestRun_FailFastDisabledLetsSiblingsFinish(t *testing.T) {
	failFast := false
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{
			Name: "m",
			Strategy: &model.Strategy{
				FailFast: &failFast,
				Matrix: model.Matrix{
					Axes: []model.Axis{{Name: "x", Values: []string{"1", "2", "3"}}},
				},
			},
			Steps: oneStep(),
		},
		{Name: "after", Needs: []string{"m"}, Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()
	fake.Default = func(ctx context.Context, spec runner.StepSpec) (runner.Result, error) {
		if spec.Env["x"] == "2" {
			return testutil.Fail(ctx, spec)
		}
		return runner.Result{}, nil
	}

	graph, _ := runGraph(t, wf, fake, func(o *coordinator.Options) { o.Workers = 1 })

	assert.Equal(t, dag.Succeeded, stateOf(t, graph, "m[x=1]").State)
	assert.Equal(t, dag.Failed, stateOf(t, graph, "m[x=2]").State)
	assert.Equal(t, dag.Succeeded, stateOf(t, graph, "m[x=3]").State)
	assert.Equal(t, 3, fake.InvocationsFor("m"), "every sibling still runs")

	// The job aggregate is still a failure, so the dependent is skipped.
	after := stateOf(t, graph, "after")
	assert.Equal(t, dag.Skipped, after.State)
	assert.Equal(t, dag.ReasonUpstream, after.Reason)
}

func TestRun_ConditionGatesOnEvent(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{
			Name:  "deploy",
			If:    parseExpr(t, `event.name != "pull_request"`),
			Steps: oneStep(),
		},
	}}
	fake := testutil.NewFakeRunner()

	graph, _ := runGraph(t, wf, fake, func(o *coordinator.Options) {
		o.Trigger = trigger.Context{Event: trigger.EventPullRequest}
	})

	node := stateOf(t, graph, "deploy")
	assert.Equal(t, dag.Skipped, node.State)
	assert.Equal(t, dag.ReasonCondition, node.Reason)
	assert.Empty(t, fake.Invocations())
}

func TestRun_ConditionReferenceErrorSkips(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{
			Name:  "broken",
			If:    parseExpr(t, `github.ref == "main"`),
			Steps: oneStep(),
		},
		{Name: "untouched", Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()

	graph, _ := runGraph(t, wf, fake, nil)

	broken := stateOf(t, graph, "broken")
	assert.Equal(t, dag.Skipped, broken.State)
	assert.Equal(t, dag.ReasonCondition, broken.Reason)
	assert.Error(t, broken.Err, "the reference error is recorded on the instance")

	assert.Equal(t, dag.Succeeded, stateOf(t, graph, "untouched").State,
		"a bad condition never aborts the rest of the run")
}

func TestRun_OutputsGateDownstreamJobs(t *testing.T) {
	buildWorkflow := func() *model.Workflow {
		return &model.Workflow{Name: "w", Jobs: []*model.Job{
			{Name: "gate", Steps: oneStep()},
			{
				Name:  "release",
				Needs: []string{"gate"},
				If:    parseExpr(t, `needs.gate.outputs.continue == "true"`),
				Steps: oneStep(),
			},
		}}
	}

	t.Run("gate approves", func(t *testing.T) {
		fake := testutil.NewFakeRunner()
		fake.Scripts["gate"] = testutil.Outputs(map[string]string{"continue": "true"})

		graph, _ := runGraph(t, buildWorkflow(), fake, nil)
		assert.Equal(t, dag.Succeeded, stateOf(t, graph, "release").State)
	})

	t.Run("gate declines", func(t *testing.T) {
		fake := testutil.NewFakeRunner()
		fake.Scripts["gate"] = testutil.Outputs(map[string]string{"continue": "false"})

		graph, _ := runGraph(t, buildWorkflow(), fake, nil)
		node := stateOf(t, graph, "release")
		assert.Equal(t, dag.Skipped, node.State)
		assert.Equal(t, dag.ReasonCondition, node.Reason)
		assert.Zero(t, fake.InvocationsFor("release"))
	})
}

func TestRun_AlwaysRunsAfterFailure(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "a", Steps: oneStep()},
		{
			Name:  "cleanup",
			Needs: []string{"a"},
			If:    parseExpr(t, `always()`),
			Steps: oneStep(),
		},
	}}
	fake := testutil.NewFakeRunner()
	fake.Scripts["a"] = testutil.Fail

	graph, _ := runGraph(t, wf, fake, nil)

	assert.Equal(t, dag.Failed, stateOf(t, graph, "a").State)
	assert.Equal(t, dag.Succeeded, stateOf(t, graph, "cleanup").State)
	assert.Equal(t, 1, fake.InvocationsFor("cleanup"))
}

func TestRun_ConditionDoesNotOverrideFailedNeeds(t *testing.T) {
	// A condition that never consults always() or failure() is evaluated on
	// top of the implicit "all needs succeeded" gate, not instead of it.
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "a", Steps: oneStep()},
		{
			Name:  "b",
			Needs: []string{"a"},
			If:    parseExpr(t, `event.name == "manual"`),
			Steps: oneStep(),
		},
		{
			Name:  "onfail",
			Needs: []string{"a"},
			If:    parseExpr(t, `failure()`),
			Steps: oneStep(),
		},
	}}
	fake := testutil.NewFakeRunner()
	fake.Scripts["a"] = testutil.Fail

	graph, _ := runGraph(t, wf, fake, nil)

	b := stateOf(t, graph, "b")
	assert.Equal(t, dag.Skipped, b.State)
	assert.Equal(t, dag.ReasonUpstream, b.Reason)
	assert.Zero(t, fake.InvocationsFor("b"), "b must never reach the executor")

	assert.Equal(t, dag.Succeeded, stateOf(t, graph, "onfail").State,
		"a failure() condition still overrides the gate")
	assert.Equal(t, 1, fake.InvocationsFor("onfail"))
}

func TestRun_EnvLayering(t *testing.T) {
	wf := &model.Workflow{
		Name: "w",
		Env:  map[string]string{"LAYER": "global", "GLOBAL": "1"},
		Jobs: []*model.Job{
			{
				Name: "m",
				Env:  parseExpr(t, `{ LAYER = "job", JOB_ONLY = "yes" }`),
				Strategy: &model.Strategy{Matrix: model.Matrix{
					Axes: []model.Axis{{Name: "os", Values: []string{"linux"}}},
				}},
				Steps: []*model.Step{{
					Name: "main",
					Run:  []string{"true"},
					Env:  parseExpr(t, `{ LAYER = "step", TARGET = matrix.os }`),
				}},
			},
		},
	}
	fake := testutil.NewFakeRunner()

	runGraph(t, wf, fake, func(o *coordinator.Options) { o.GlobalEnv = wf.Env })

	invocations := fake.Invocations()
	require.Len(t, invocations, 1)
	assert.Equal(t, map[string]string{
		"LAYER":    "step",
		"GLOBAL":   "1",
		"JOB_ONLY": "yes",
		"TARGET":   "linux",
		"os":       "linux",
	}, invocations[0].Env, "step env wins over matrix, job, and global layers")
}

func TestRun_TimeoutFailsTheInstance(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "slow", Timeout: 50 * time.Millisecond, Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()
	fake.Scripts["slow"] = testutil.BlockUntilCancelled

	graph, _ := runGraph(t, wf, fake, nil)

	node := stateOf(t, graph, "slow")
	assert.Equal(t, dag.Failed, node.State)
	assert.Equal(t, dag.ReasonTimeout, node.Reason)
}

func TestRun_ExternalCancellationAbortsTheRun(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "running", Steps: oneStep()},
		{Name: "waiting", Needs: []string{"running"}, Steps: oneStep()},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	fake := testutil.NewFakeRunner()
	fake.Scripts["running"] = func(sctx context.Context, spec runner.StepSpec) (runner.Result, error) {
		cancel()
		return testutil.BlockUntilCancelled(sctx, spec)
	}

	graph := buildGraph(t, wf)
	err := coordinator.New(graph, fake, coordinator.Options{
		Workers: 2,
		Trigger: trigger.Context{Event: trigger.EventManual},
	}).Run(ctx)
	require.ErrorIs(t, err, context.Canceled)

	running := stateOf(t, graph, "running")
	assert.Equal(t, dag.Cancelled, running.State)
	assert.Equal(t, dag.ReasonRunCancelled, running.Reason)

	waiting := stateOf(t, graph, "waiting")
	assert.Equal(t, dag.Cancelled, waiting.State)
	assert.Equal(t, dag.ReasonRunCancelled, waiting.Reason)
	assert.Zero(t, fake.InvocationsFor("waiting"))
}

func TestRun_ZeroInstanceJobResolvesVacuously(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{
			Name: "excluded",
			Strategy: &model.Strategy{Matrix: model.Matrix{
				Axes:    []model.Axis{{Name: "os", Values: []string{"linux"}}},
				Exclude: []map[string]string{{"os": "linux"}},
			}},
			Steps: oneStep(),
		},
		{Name: "after", Needs: []string{"excluded"}, Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()

	graph, _ := runGraph(t, wf, fake, nil)

	require.Len(t, graph.Nodes, 1, "the excluded job contributes no instances")
	assert.Equal(t, dag.Succeeded, stateOf(t, graph, "after").State,
		"a job with no instances counts as succeeded for its dependents")
}

func TestRun_TransitionEventsAreOrdered(t *testing.T) {
	wf := &model.Workflow{Name: "w", Jobs: []*model.Job{
		{Name: "a", Steps: oneStep()},
		{Name: "b", Needs: []string{"a"}, Steps: oneStep()},
	}}
	fake := testutil.NewFakeRunner()

	_, events := runGraph(t, wf, fake, nil)

	indexOf := func(job string, to dag.State) int {
		for i, e := range events {
			if e.Job == job && e.To == to {
				return i
			}
		}
		t.Fatalf("no %s transition to %s observed", job, to)
		return -1
	}

	aDone := indexOf("a", dag.Succeeded)
	bReady := indexOf("b", dag.Ready)
	bRunning := indexOf("b", dag.Running)
	assert.Less(t, aDone, bReady, "the dependency's terminal event precedes readiness")
	assert.Less(t, bReady, bRunning)

	// Per-instance transitions are monotonic.
	last := make(map[string]dag.State)
	for _, e := range events {
		if prev, seen := last[e.Job]; seen {
			assert.LessOrEqual(t, int(prev), int(e.To), "instance %s regressed from %s to %s", e.Job, prev, e.To)
		}
		last[e.Job] = e.To
	}
}
