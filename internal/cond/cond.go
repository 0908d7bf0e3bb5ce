// Package cond evaluates job gating conditions. A condition is a plain HCL
// expression evaluated against a restricted context: trigger event fields,
// the aggregated outcomes and outputs of the job's declared needs, and the
// instance's matrix variables, plus the predicates success(), failure(),
// and always().
package cond

import (
	"fmt"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"

	"github.com/vk/jobgridgo/internal/trigger"
)

// Outcome is the aggregate result of an upstream job, as seen by the
// condition context.
type Outcome string

// The aggregate outcomes a need can report.
const (
	OutcomeSucceeded Outcome = "success"
	OutcomeFailed    Outcome = "failure"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// Upstream is the view of one needed job exposed to conditions.
type Upstream struct {
	Result  Outcome
	Outputs map[string]string
}

// RefError reports a condition that referenced something the context does
// not define, or that did not produce a boolean. The affected instance is
// Skipped with the error recorded; the run itself never aborts on one.
type RefError struct {
	Detail string
}

// Error implements the error interface.
func (e *RefError) Error() string {
	return "condition error: " + e.Detail
}

// Evaluate resolves expr against the given trigger context, upstream
// outcomes, and matrix variables. A nil expression is the implicit "all
// needs succeeded" predicate.
func Evaluate(expr hcl.Expression, tc trigger.Context, needs map[string]Upstream, matrixVars map[string]string) (bool, error) {
	if expr == nil {
		return Implicit(needs), nil
	}

	val, diags := expr.Value(evalContext(tc, needs, matrixVars))
	if diags.HasErrors() {
		return false, &RefError{Detail: diags.Error()}
	}
	if val.IsNull() || !val.IsKnown() {
		return false, &RefError{Detail: "condition did not produce a value"}
	}

	boolVal, err := convert.Convert(val, cty.Bool)
	if err != nil {
		return false, &RefError{Detail: fmt.Sprintf("condition must evaluate to a boolean, got %s", val.Type().FriendlyName())}
	}
	return boolVal.True(), nil
}

// OverridesUpstream reports whether the expression invokes always() or
// failure(). Only those predicates opt a job out of the implicit "all needs
// succeeded" gate; any other condition is evaluated in addition to it.
func OverridesUpstream(expr hcl.Expression) bool {
	node, ok := expr.(hclsyntax.Expression)
	if !ok {
		return false
	}
	visitor := &statusCallVisitor{}
	hclsyntax.Walk(node, visitor)
	return visitor.found
}

// statusCallVisitor scans an expression tree for status-predicate calls.
type statusCallVisitor struct {
	found bool
}

func (v *statusCallVisitor) Enter(node hclsyntax.Node) hcl.Diagnostics {
	if call, ok := node.(*hclsyntax.FunctionCallExpr); ok {
		switch call.Name {
		case "always", "failure":
			v.found = true
		}
	}
	return nil
}

func (v *statusCallVisitor) Exit(node hclsyntax.Node) hcl.Diagnostics {
	return nil
}

// Implicit is the default predicate applied when a job declares no `if`:
// every need succeeded. Jobs without needs are always eligible.
func Implicit(needs map[string]Upstream) bool {
	for _, up := range needs {
		if up.Result != OutcomeSucceeded {
			return false
		}
	}
	return true
}

// EvalEnv resolves an env expression into a string map using the same
// context as conditions, so env values can reference event fields, needs
// outputs, and matrix variables.
func EvalEnv(expr hcl.Expression, tc trigger.Context, needs map[string]Upstream, matrixVars map[string]string) (map[string]string, error) {
	if expr == nil {
		return nil, nil
	}
	val, diags := expr.Value(evalContext(tc, needs, matrixVars))
	if diags.HasErrors() {
		return nil, &RefError{Detail: diags.Error()}
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, &RefError{Detail: "env must be an object of strings"}
	}

	out := make(map[string]string)
	for key, v := range val.AsValueMap() {
		s, err := convert.Convert(v, cty.String)
		if err != nil || s.IsNull() {
			return nil, &RefError{Detail: fmt.Sprintf("env key %q is not convertible to string", key)}
		}
		out[key] = s.AsString()
	}
	return out, nil
}

// evalContext builds the cty evaluation context for one instance.
func evalContext(tc trigger.Context, needs map[string]Upstream, matrixVars map[string]string) *hcl.EvalContext {
	needsVals := make(map[string]cty.Value, len(needs))
	for name, up := range needs {
		outputs := make(map[string]cty.Value, len(up.Outputs))
		for k, v := range up.Outputs {
			outputs[k] = cty.StringVal(v)
		}
		needsVals[name] = cty.ObjectVal(map[string]cty.Value{
			"result":  cty.StringVal(string(up.Result)),
			"outputs": cty.ObjectVal(outputs),
		})
	}

	matrixVals := make(map[string]cty.Value, len(matrixVars))
	for k, v := range matrixVars {
		matrixVals[k] = cty.StringVal(v)
	}

	return &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"event": cty.ObjectVal(map[string]cty.Value{
				"name":    cty.StringVal(string(tc.Event)),
				"branch":  cty.StringVal(tc.Branch),
				"is_fork": cty.BoolVal(tc.IsFork),
				"actor":   cty.StringVal(tc.Actor),
			}),
			"needs":  cty.ObjectVal(needsVals),
			"matrix": cty.ObjectVal(matrixVals),
		},
		Functions: map[string]function.Function{
			"success": boolFunc(func() bool { return Implicit(needs) }),
			"failure": boolFunc(func() bool { return anyFailed(needs) }),
			"always":  boolFunc(func() bool { return true }),
		},
	}
}

func anyFailed(needs map[string]Upstream) bool {
	for _, up := range needs {
		if up.Result == OutcomeFailed {
			return true
		}
	}
	return false
}

// boolFunc wraps a nullary Go predicate as a cty function.
func boolFunc(fn func() bool) function.Function {
	return function.New(&function.Spec{
		Type: function.StaticReturnType(cty.Bool),
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			return cty.BoolVal(fn()), nil
		},
	})
}
