// Package coordinator supervises concurrent execution of the instance
// graph: readiness evaluation, dispatch within a concurrency bound,
// timeouts, fail-fast cancellation, and outcome aggregation.
//
// A single goroutine (the one inside Run) owns the entire state table.
// Workers execute steps and report back over a channel; they never mutate
// shared state directly. That keeps every instance's transitions totally
// ordered and makes a dependency's terminal state visible before any
// dependent's readiness evaluation.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/vk/jobgridgo/internal/cond"
	"github.com/vk/jobgridgo/internal/ctxlog"
	"github.com/vk/jobgridgo/internal/dag"
	"github.com/vk/jobgridgo/internal/runner"
	"github.com/vk/jobgridgo/internal/trigger"
)

const defaultTimeout = time.Hour

// Options configures a run.
type Options struct {
	Workers        int
	DefaultTimeout time.Duration
	Trigger        trigger.Context
	GlobalEnv      map[string]string
	Observer       Observer
}

// Coordinator drives one run of one instance graph. It is single-use.
type Coordinator struct {
	graph *dag.Graph
	run   runner.Runner
	opts  Options

	// Everything below is owned by the Run goroutine.
	results       chan result
	queue         []*dag.Node
	running       int
	cancels       map[string]context.CancelFunc
	cancelReason  map[string]dag.Reason
	outputs       map[string]map[string]string
	aggregate     map[string]cond.Outcome
	remaining     map[string]int
	jobDependents map[string][]*dag.Node
	terminal      int
}

// result is a worker's report for one finished instance.
type result struct {
	node     *dag.Node
	err      error
	reason   dag.Reason
	outputs  map[string]string
	duration time.Duration
}

// New builds a coordinator for the given graph and executor.
func New(graph *dag.Graph, run runner.Runner, opts Options) *Coordinator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = defaultTimeout
	}
	return &Coordinator{
		graph:         graph,
		run:           run,
		opts:          opts,
		results:       make(chan result, len(graph.Nodes)),
		cancels:       make(map[string]context.CancelFunc),
		cancelReason:  make(map[string]dag.Reason),
		outputs:       make(map[string]map[string]string),
		aggregate:     make(map[string]cond.Outcome),
		remaining:     make(map[string]int),
		jobDependents: make(map[string][]*dag.Node),
	}
}

// Run drives the graph to completion. Individual instance failures never
// surface as errors here; they are recorded on the nodes and reflected in
// the run report. Run returns early only if ctx was cancelled before the
// graph fully resolved.
func (c *Coordinator) Run(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	logger.Info("🚀 Starting concurrent execution.", "instances", len(c.graph.Nodes), "workers", c.opts.Workers)

	for _, jobName := range c.graph.JobOrder {
		c.remaining[jobName] = len(c.graph.ByJob[jobName])
	}
	for _, node := range c.graph.Nodes {
		for _, need := range node.NeedJobs {
			c.jobDependents[need] = append(c.jobDependents[need], node)
		}
	}

	// Instances with dependencies start out Blocked.
	for _, node := range c.graph.Nodes {
		if node.PendingNeeds > 0 {
			c.transition(ctx, node, dag.Blocked, dag.ReasonNone)
		}
	}

	// Jobs whose matrix excluded every combination have no instances; their
	// aggregate resolves immediately so dependents are not blocked forever.
	for _, jobName := range c.graph.JobOrder {
		if c.remaining[jobName] == 0 {
			c.completeJob(ctx, jobName)
		}
	}

	for _, node := range c.graph.Nodes {
		if node.State == dag.Pending && node.PendingNeeds == 0 {
			c.evaluateReadiness(ctx, node)
		}
	}

	done := ctx.Done()
	for c.terminal < len(c.graph.Nodes) {
		c.dispatch(ctx)
		select {
		case res := <-c.results:
			// Cancellation outranks a concurrently-arriving result, so an
			// instance cut down by the run context reports Cancelled even
			// when its result won the select.
			if done != nil && ctx.Err() != nil {
				logger.Warn("Run cancellation requested, aborting outstanding instances.")
				c.abort(ctx)
				done = nil
			}
			c.handleResult(ctx, res)
		case <-done:
			logger.Warn("Run cancellation requested, aborting outstanding instances.")
			c.abort(ctx)
			done = nil
		}
	}

	logger.Info("🏁 Execution finished.", "instances", c.terminal)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// dispatch moves Ready instances from the queue into workers while the
// concurrency bound allows. Queue order is expansion order, so dispatch
// among simultaneously-ready instances is stable across runs.
func (c *Coordinator) dispatch(ctx context.Context) {
	for c.running < c.opts.Workers && len(c.queue) > 0 {
		node := c.queue[0]
		c.queue = c.queue[1:]
		if node.State != dag.Ready {
			continue // cancelled while queued
		}

		envs, err := c.composeStepEnvs(node)
		if err != nil {
			// Env composition failed before launch; the executor was never
			// invoked, so this is a launch-class failure.
			c.transition(ctx, node, dag.Running, dag.ReasonNone)
			node.Err = err
			c.transition(ctx, node, dag.Failed, dag.ReasonLaunch)
			c.completeInstance(ctx, node)
			c.applyFailFast(ctx, node)
			continue
		}

		c.transition(ctx, node, dag.Running, dag.ReasonNone)
		node.StartedAt = time.Now()

		ictx, cancel := context.WithTimeout(ctx, c.effectiveTimeout(node))
		c.cancels[node.ID] = cancel
		c.running++
		go c.runInstance(ictx, node, envs)
	}
}

// runInstance is the worker body: it executes the instance's steps in order
// through the Runner and reports a single result. It runs outside the
// coordinator goroutine and touches no shared state.
func (c *Coordinator) runInstance(ctx context.Context, node *dag.Node, envs []map[string]string) {
	start := time.Now()
	outputs := make(map[string]string)

	for i, step := range node.Job.Steps {
		stepCtx := ctx
		var cancel context.CancelFunc
		if step.Timeout > 0 {
			stepCtx, cancel = context.WithTimeout(ctx, step.Timeout)
		}

		res, err := c.run.Run(stepCtx, runner.StepSpec{
			Job:        node.Job.Name,
			InstanceID: node.ID,
			Step:       step.Name,
			Argv:       step.Run,
			Env:        envs[i],
		})
		timedOut := stepCtx.Err() == context.DeadlineExceeded
		if cancel != nil {
			cancel()
		}

		if err != nil {
			reason := dag.ReasonExit
			var runErr *runner.Error
			if errors.As(err, &runErr) && runErr.Kind == runner.KindLaunch {
				reason = dag.ReasonLaunch
			}
			if timedOut {
				reason = dag.ReasonTimeout
			}
			c.results <- result{node: node, err: err, reason: reason, duration: time.Since(start)}
			return
		}
		for k, v := range res.Outputs {
			outputs[k] = v
		}
	}

	c.results <- result{node: node, outputs: outputs, duration: time.Since(start)}
}

// handleResult applies one worker report: the only Running→terminal
// transitions happen here, on the coordinator goroutine.
func (c *Coordinator) handleResult(ctx context.Context, res result) {
	node := res.node
	c.running--
	if cancel, ok := c.cancels[node.ID]; ok {
		cancel()
		delete(c.cancels, node.ID)
	}
	node.Duration = res.duration

	switch {
	case res.err == nil:
		c.transition(ctx, node, dag.Succeeded, dag.ReasonNone)
		c.publishOutputs(node.Job.Name, res.outputs)
	case c.cancelReason[node.ID] != dag.ReasonNone:
		// The coordinator induced this failure by cancelling the instance's
		// context; report it as Cancelled, never Failed.
		node.Err = res.err
		c.transition(ctx, node, dag.Cancelled, c.cancelReason[node.ID])
	default:
		node.Err = res.err
		c.transition(ctx, node, dag.Failed, res.reason)
	}

	c.completeInstance(ctx, node)
	if node.State == dag.Failed {
		c.applyFailFast(ctx, node)
	}
}

// evaluateReadiness decides, once all needed jobs are aggregate-terminal,
// whether an instance runs or is skipped. The instance reaches Ready either
// way; a false or failing condition then takes the Ready→Skipped edge.
func (c *Coordinator) evaluateReadiness(ctx context.Context, node *dag.Node) {
	needs := c.upstreamFor(node)
	c.transition(ctx, node, dag.Ready, dag.ReasonNone)

	if node.Job.If == nil {
		if cond.Implicit(needs) {
			c.queue = append(c.queue, node)
		} else {
			c.skip(ctx, node, dag.ReasonUpstream, nil)
		}
		return
	}

	// An explicit condition only overrides the failed-dependency gate when
	// it consults always() or failure(); otherwise the implicit "all needs
	// succeeded" requirement applies on top of it.
	if !cond.OverridesUpstream(node.Job.If) && !cond.Implicit(needs) {
		c.skip(ctx, node, dag.ReasonUpstream, nil)
		return
	}

	ok, err := cond.Evaluate(node.Job.If, c.opts.Trigger, needs, node.Instance.Vars)
	switch {
	case err != nil:
		c.skip(ctx, node, dag.ReasonCondition, err)
	case !ok:
		c.skip(ctx, node, dag.ReasonCondition, nil)
	default:
		c.queue = append(c.queue, node)
	}
}

// skip marks an instance Skipped without ever invoking the executor.
func (c *Coordinator) skip(ctx context.Context, node *dag.Node, reason dag.Reason, err error) {
	node.Err = err
	c.transition(ctx, node, dag.Skipped, reason)
	c.completeInstance(ctx, node)
}

// completeInstance records a terminal instance and, when it was the job's
// last unresolved instance, resolves the job aggregate.
func (c *Coordinator) completeInstance(ctx context.Context, node *dag.Node) {
	c.terminal++
	jobName := node.Job.Name
	c.remaining[jobName]--
	if c.remaining[jobName] == 0 {
		c.completeJob(ctx, jobName)
	}
}

// completeJob computes the job-level aggregate outcome and unblocks
// dependents whose last needed job just resolved.
func (c *Coordinator) completeJob(ctx context.Context, jobName string) {
	c.aggregate[jobName] = c.aggregateOutcome(jobName)
	ctxlog.FromContext(ctx).Debug("Job aggregate resolved.", "job", jobName, "outcome", string(c.aggregate[jobName]))

	for _, dependent := range c.jobDependents[jobName] {
		dependent.PendingNeeds--
		if dependent.PendingNeeds == 0 && !dependent.State.Terminal() {
			c.evaluateReadiness(ctx, dependent)
		}
	}
}

// aggregateOutcome folds a job's instance states: any Failed makes the job
// a failure, any Cancelled (without failures) makes it cancelled, all
// Skipped makes it skipped, and everything else — including a job with no
// instances — is a success.
func (c *Coordinator) aggregateOutcome(jobName string) cond.Outcome {
	instances := c.graph.ByJob[jobName]
	anyCancelled := false
	allSkipped := len(instances) > 0
	for _, inst := range instances {
		switch inst.State {
		case dag.Failed:
			return cond.OutcomeFailed
		case dag.Cancelled:
			anyCancelled = true
			allSkipped = false
		case dag.Skipped:
		default:
			allSkipped = false
		}
	}
	if anyCancelled {
		return cond.OutcomeCancelled
	}
	if allSkipped {
		return cond.OutcomeSkipped
	}
	return cond.OutcomeSucceeded
}

// applyFailFast cancels the failed instance's non-terminal matrix siblings.
// Instances of other jobs are never touched here; they react through their
// own conditions.
func (c *Coordinator) applyFailFast(ctx context.Context, failed *dag.Node) {
	if !failed.Job.FailFast() {
		return
	}
	for _, sibling := range c.graph.ByJob[failed.Job.Name] {
		if sibling == failed || sibling.State.Terminal() {
			continue
		}
		c.cancelInstance(ctx, sibling, dag.ReasonFailFast)
	}
}

// cancelInstance cancels one non-terminal instance. Running instances are
// signalled and resolve when their worker reports back; everything else is
// marked Cancelled directly.
func (c *Coordinator) cancelInstance(ctx context.Context, node *dag.Node, reason dag.Reason) {
	if node.State == dag.Running {
		c.cancelReason[node.ID] = reason
		if cancel, ok := c.cancels[node.ID]; ok {
			cancel()
		}
		return
	}
	c.transition(ctx, node, dag.Cancelled, reason)
	c.completeInstance(ctx, node)
}

// abort handles run-level cancellation: every non-terminal instance is
// cancelled, and Run keeps draining worker results until quiescent.
func (c *Coordinator) abort(ctx context.Context) {
	for _, node := range c.graph.Nodes {
		if !node.State.Terminal() {
			c.cancelInstance(ctx, node, dag.ReasonRunCancelled)
		}
	}
	c.queue = nil
}

// upstreamFor assembles the condition-evaluation view of a node's needs.
// Every needed job is aggregate-terminal by the time this runs; that
// ordering is the happens-before edge the graph guarantees.
func (c *Coordinator) upstreamFor(node *dag.Node) map[string]cond.Upstream {
	needs := make(map[string]cond.Upstream, len(node.NeedJobs))
	for _, need := range node.NeedJobs {
		needs[need] = cond.Upstream{Result: c.aggregate[need], Outputs: c.outputs[need]}
	}
	return needs
}

// publishOutputs merges a succeeded instance's outputs into its job's
// output map for downstream conditions.
func (c *Coordinator) publishOutputs(jobName string, outputs map[string]string) {
	if len(outputs) == 0 {
		return
	}
	if c.outputs[jobName] == nil {
		c.outputs[jobName] = make(map[string]string)
	}
	for k, v := range outputs {
		c.outputs[jobName][k] = v
	}
}

// composeStepEnvs resolves each step's environment ahead of dispatch, while
// the coordinator still owns the needs/outputs tables. Layering order:
// global defaults < job env < matrix variables < step env.
func (c *Coordinator) composeStepEnvs(node *dag.Node) ([]map[string]string, error) {
	needs := c.upstreamFor(node)
	vars := node.Instance.Vars

	jobEnv, err := cond.EvalEnv(node.Job.Env, c.opts.Trigger, needs, vars)
	if err != nil {
		return nil, err
	}

	envs := make([]map[string]string, len(node.Job.Steps))
	for i, step := range node.Job.Steps {
		stepEnv, err := cond.EvalEnv(step.Env, c.opts.Trigger, needs, vars)
		if err != nil {
			return nil, err
		}
		envs[i] = runner.ComposeEnv(c.opts.GlobalEnv, jobEnv, vars, stepEnv)
	}
	return envs, nil
}

// effectiveTimeout picks the instance's timeout: the job's own, or the
// engine default.
func (c *Coordinator) effectiveTimeout(node *dag.Node) time.Duration {
	if node.Job.Timeout > 0 {
		return node.Job.Timeout
	}
	return c.opts.DefaultTimeout
}

// transition applies one state change and emits its event. All calls happen
// on the coordinator goroutine, so per-instance transitions are totally
// ordered.
func (c *Coordinator) transition(ctx context.Context, node *dag.Node, to dag.State, reason dag.Reason) {
	from := node.State
	node.State = to
	if reason != dag.ReasonNone {
		node.Reason = reason
	}

	event := Event{
		Job:         node.Job.Name,
		Coordinates: node.Instance.Coordinates(),
		From:        from,
		To:          to,
		Reason:      reason,
		Time:        time.Now(),
	}

	logger := ctxlog.FromContext(ctx)
	switch to {
	case dag.Failed:
		logger.Error("Instance failed.", "instance", node.ID, "reason", string(reason), "error", node.Err)
	case dag.Cancelled:
		logger.Warn("Instance cancelled.", "instance", node.ID, "reason", string(reason))
	case dag.Skipped:
		logger.Info("⏭️ Instance skipped.", "instance", node.ID, "reason", string(reason))
	case dag.Running:
		logger.Info("▶️ Instance started.", "instance", node.ID)
	case dag.Succeeded:
		logger.Info("✅ Instance succeeded.", "instance", node.ID, "duration", node.Duration)
	default:
		logger.Debug("Instance transition.", "instance", node.ID, "from", from.String(), "to", to.String())
	}

	if c.opts.Observer != nil {
		c.opts.Observer(event)
	}
}
