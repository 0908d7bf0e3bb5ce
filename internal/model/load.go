package model

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"

	"github.com/vk/jobgridgo/internal/ctxlog"
	"github.com/vk/jobgridgo/internal/fsutil"
)

// hclWorkflowFile is the top-level structure of a workflow file for decoding.
type hclWorkflowFile struct {
	Workflows []*hclWorkflow `hcl:"workflow,block"`
}

type hclWorkflow struct {
	Name string         `hcl:"name,label"`
	On   *hclOn         `hcl:"on,block"`
	Env  hcl.Expression `hcl:"env,optional"`
	Jobs []*hclJob      `hcl:"job,block"`
}

type hclOn struct {
	Push        *hclPush       `hcl:"push,block"`
	PullRequest *hclEmpty      `hcl:"pull_request,block"`
	Schedules   []*hclSchedule `hcl:"schedule,block"`
	Manual      *hclEmpty      `hcl:"manual,block"`
}

type hclPush struct {
	Branches []string `hcl:"branches,optional"`
}

type hclSchedule struct {
	Cron string `hcl:"cron"`
}

type hclEmpty struct{}

type hclJob struct {
	Name     string         `hcl:"name,label"`
	Needs    []string       `hcl:"needs,optional"`
	If       hcl.Expression `hcl:"if,optional"`
	RunsOn   string         `hcl:"runs_on,optional"`
	Timeout  string         `hcl:"timeout,optional"`
	Env      hcl.Expression `hcl:"env,optional"`
	Strategy *hclStrategy   `hcl:"strategy,block"`
	Steps    []*hclStep     `hcl:"step,block"`
}

type hclStrategy struct {
	FailFast *bool          `hcl:"fail_fast,optional"`
	Axes     []*hclAxis     `hcl:"axis,block"`
	Include  hcl.Expression `hcl:"include,optional"`
	Exclude  hcl.Expression `hcl:"exclude,optional"`
}

type hclAxis struct {
	Name   string         `hcl:"name,label"`
	Values hcl.Expression `hcl:"values"`
}

type hclStep struct {
	Name    string         `hcl:"name,label"`
	Run     []string       `hcl:"run"`
	Env     hcl.Expression `hcl:"env,optional"`
	Timeout string         `hcl:"timeout,optional"`
}

// Load discovers every .hcl file under path, decodes them, and returns the
// validated workflow. Exactly one `workflow` block must exist across all
// files; splitting jobs over several files is not supported because `needs`
// resolution and trigger gating are defined per workflow.
func Load(ctx context.Context, path string) (*Workflow, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("Loading workflow definition.", "path", path)

	files, err := fsutil.FindFilesByExtension(path, ".hcl")
	if err != nil {
		return nil, validationErrorf("%v", err)
	}
	if len(files) == 0 {
		return nil, validationErrorf("no .hcl workflow files found in %s", path)
	}

	parser := hclparse.NewParser()
	var parsed []*hclWorkflow
	for _, file := range files {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, validationErrorf("failed to parse %s: %s", file, diags.Error())
		}
		var wfFile hclWorkflowFile
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &wfFile); diags.HasErrors() {
			return nil, validationErrorf("failed to decode %s: %s", file, diags.Error())
		}
		parsed = append(parsed, wfFile.Workflows...)
	}

	if len(parsed) == 0 {
		return nil, validationErrorf("no workflow block found in %s", path)
	}
	if len(parsed) > 1 {
		return nil, validationErrorf("expected exactly one workflow block, found %d", len(parsed))
	}

	wf, err := newWorkflowFromHCL(parsed[0])
	if err != nil {
		return nil, err
	}
	if err := wf.validate(); err != nil {
		return nil, err
	}

	logger.Debug("Workflow loaded.", "workflow", wf.Name, "jobs", len(wf.Jobs))
	return wf, nil
}

// newWorkflowFromHCL translates the decoded HCL structures into the model,
// statically resolving everything that does not depend on run-time context.
func newWorkflowFromHCL(raw *hclWorkflow) (*Workflow, error) {
	wf := &Workflow{Name: raw.Name}

	if raw.On != nil {
		if raw.On.Push != nil {
			wf.Triggers.Push = &PushTrigger{Branches: raw.On.Push.Branches}
		}
		wf.Triggers.PullRequest = raw.On.PullRequest != nil
		wf.Triggers.Manual = raw.On.Manual != nil
		for _, s := range raw.On.Schedules {
			wf.Triggers.Schedules = append(wf.Triggers.Schedules, &ScheduleTrigger{Cron: s.Cron})
		}
	} else {
		// A workflow that declares no `on` block can still be run manually.
		wf.Triggers.Manual = true
	}

	env, err := staticStringMap(raw.Env)
	if err != nil {
		return nil, validationErrorf("workflow env: %v", err)
	}
	wf.Env = env

	for _, rawJob := range raw.Jobs {
		job, err := newJobFromHCL(rawJob)
		if err != nil {
			return nil, err
		}
		wf.Jobs = append(wf.Jobs, job)
	}
	return wf, nil
}

func newJobFromHCL(raw *hclJob) (*Job, error) {
	job := &Job{
		Name:   raw.Name,
		Needs:  raw.Needs,
		RunsOn: raw.RunsOn,
		Env:    normalizeExpr(raw.Env),
		If:     normalizeExpr(raw.If),
	}

	if raw.Timeout != "" {
		d, err := time.ParseDuration(raw.Timeout)
		if err != nil || d <= 0 {
			return nil, validationErrorf("job %q: invalid timeout %q", raw.Name, raw.Timeout)
		}
		job.Timeout = d
	}

	if raw.Strategy != nil {
		strategy, err := newStrategyFromHCL(raw.Name, raw.Strategy)
		if err != nil {
			return nil, err
		}
		job.Strategy = strategy
	}

	for _, rawStep := range raw.Steps {
		step := &Step{
			Name: rawStep.Name,
			Run:  rawStep.Run,
			Env:  normalizeExpr(rawStep.Env),
		}
		if len(step.Run) == 0 {
			return nil, validationErrorf("job %q step %q: run must not be empty", raw.Name, rawStep.Name)
		}
		if rawStep.Timeout != "" {
			d, err := time.ParseDuration(rawStep.Timeout)
			if err != nil || d <= 0 {
				return nil, validationErrorf("job %q step %q: invalid timeout %q", raw.Name, rawStep.Name, rawStep.Timeout)
			}
			step.Timeout = d
		}
		job.Steps = append(job.Steps, step)
	}
	return job, nil
}

func newStrategyFromHCL(jobName string, raw *hclStrategy) (*Strategy, error) {
	strategy := &Strategy{FailFast: raw.FailFast}

	for _, rawAxis := range raw.Axes {
		values, err := staticStringSlice(rawAxis.Values)
		if err != nil {
			return nil, validationErrorf("job %q axis %q: %v", jobName, rawAxis.Name, err)
		}
		if len(values) == 0 {
			return nil, validationErrorf("job %q axis %q: values must not be empty", jobName, rawAxis.Name)
		}
		strategy.Matrix.Axes = append(strategy.Matrix.Axes, Axis{Name: rawAxis.Name, Values: values})
	}

	include, err := staticEntryList(raw.Include)
	if err != nil {
		return nil, validationErrorf("job %q include: %v", jobName, err)
	}
	strategy.Matrix.Include = include

	exclude, err := staticEntryList(raw.Exclude)
	if err != nil {
		return nil, validationErrorf("job %q exclude: %v", jobName, err)
	}
	strategy.Matrix.Exclude = exclude

	return strategy, nil
}

// normalizeExpr maps gohcl's "attribute absent" expression to nil so callers
// can test presence with a simple nil check.
func normalizeExpr(expr hcl.Expression) hcl.Expression {
	if expr == nil {
		return nil
	}
	v, diags := expr.Value(nil)
	if !diags.HasErrors() && v.IsNull() {
		return nil
	}
	return expr
}

// staticStringMap evaluates an expression with no run-time context into a
// map of strings. Used for the workflow-level env, which may not reference
// event or matrix values.
func staticStringMap(expr hcl.Expression) (map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("must be statically resolvable: %s", diags.Error())
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("must be an object of strings")
	}
	out := make(map[string]string)
	for key, v := range val.AsValueMap() {
		s, err := primitiveString(v)
		if err != nil {
			return nil, fmt.Errorf("key %q: %v", key, err)
		}
		out[key] = s
	}
	return out, nil
}

func staticStringSlice(expr hcl.Expression) ([]string, error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("must be statically resolvable: %s", diags.Error())
	}
	if val.IsNull() || (!val.Type().IsTupleType() && !val.Type().IsListType()) {
		return nil, fmt.Errorf("must be a list of primitive values")
	}
	var out []string
	for it := val.ElementIterator(); it.Next(); {
		_, v := it.Element()
		s, err := primitiveString(v)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// staticEntryList evaluates include/exclude entries: a list of objects whose
// values are all primitives. Keys are reported in sorted order by callers
// that need determinism.
func staticEntryList(expr hcl.Expression) ([]map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("must be statically resolvable: %s", diags.Error())
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsTupleType() && !val.Type().IsListType() {
		return nil, fmt.Errorf("must be a list of objects")
	}
	var entries []map[string]string
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		if !elem.Type().IsObjectType() && !elem.Type().IsMapType() {
			return nil, fmt.Errorf("entries must be objects of primitive values")
		}
		entry := make(map[string]string)
		for key, v := range elem.AsValueMap() {
			s, err := primitiveString(v)
			if err != nil {
				return nil, fmt.Errorf("key %q: %v", key, err)
			}
			entry[key] = s
		}
		if len(entry) == 0 {
			return nil, fmt.Errorf("entries must not be empty")
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// primitiveString converts a primitive cty value to its string form.
func primitiveString(v cty.Value) (string, error) {
	if v.IsNull() || !v.Type().IsPrimitiveType() {
		return "", fmt.Errorf("value must be a non-null primitive")
	}
	converted, err := convert.Convert(v, cty.String)
	if err != nil {
		return "", fmt.Errorf("value is not convertible to string: %v", err)
	}
	return converted.AsString(), nil
}

// sortedKeys is shared by validation and expansion call sites that need a
// stable view of an entry map.
func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
