package cond

import (
	"testing"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vk/jobgridgo/internal/trigger"
)

func parseExpr(t *testing.T, src string) hcl.Expression {
	t.Helper()
	expr, diags := hclsyntax.ParseExpression([]byte(src), "test.hcl", hcl.Pos{Line: 1, Column: 1})
	require.False(t, diags.HasErrors(), "parse %q: %s", src, diags.Error())
	return expr
}

func TestEvaluate(t *testing.T) {
	tc := trigger.Context{Event: trigger.EventPush, Branch: "main", Actor: "alice"}
	needs := map[string]Upstream{
		"build": {Result: OutcomeSucceeded, Outputs: map[string]string{"artifact": "app.tar"}},
		"lint":  {Result: OutcomeFailed},
	}
	vars := map[string]string{"os": "linux"}

	testCases := []struct {
		name string
		expr string
		want bool
	}{
		{name: "event equality", expr: `event.name == "push"`, want: true},
		{name: "event inequality", expr: `event.name != "pull_request"`, want: true},
		{name: "branch field", expr: `event.branch == "main"`, want: true},
		{name: "actor field", expr: `event.actor == "bob"`, want: false},
		{name: "fork flag", expr: `!event.is_fork`, want: true},
		{name: "needs result", expr: `needs.build.result == "success"`, want: true},
		{name: "needs output", expr: `needs.build.outputs.artifact == "app.tar"`, want: true},
		{name: "matrix variable", expr: `matrix.os == "linux"`, want: true},
		{name: "conjunction", expr: `event.name == "push" && matrix.os == "linux"`, want: true},
		{name: "disjunction", expr: `event.name == "schedule" || needs.lint.result == "failure"`, want: true},
		{name: "failure predicate", expr: `failure()`, want: true},
		{name: "success predicate sees the failed need", expr: `success()`, want: false},
		{name: "always predicate", expr: `always()`, want: true},
	}

	for _, c := range testCases {
		t.Run(c.name, func(t *testing.T) {
			got, err := Evaluate(parseExpr(t, c.expr), tc, needs, vars)
			require.NoError(t, err)
			assert.Equal(t, c.want, got)
		})
	}
}

func TestEvaluate_NilExpressionIsImplicit(t *testing.T) {
	tc := trigger.Context{Event: trigger.EventManual}

	ok, err := Evaluate(nil, tc, nil, nil)
	require.NoError(t, err)
	assert.True(t, ok, "no needs means always eligible")

	ok, err = Evaluate(nil, tc, map[string]Upstream{"a": {Result: OutcomeSkipped}}, nil)
	require.NoError(t, err)
	assert.False(t, ok, "a skipped need fails the implicit predicate")
}

func TestEvaluate_RefErrors(t *testing.T) {
	tc := trigger.Context{Event: trigger.EventPush}
	needs := map[string]Upstream{"build": {Result: OutcomeSucceeded}}

	testCases := []struct {
		name string
		expr string
	}{
		{name: "unknown top-level variable", expr: `github.ref == "main"`},
		{name: "unknown event field", expr: `event.tag == "v1"`},
		{name: "undeclared need", expr: `needs.deploy.result == "success"`},
		{name: "missing output key", expr: `needs.build.outputs.artifact == "x"`},
		{name: "unknown matrix variable", expr: `matrix.os == "linux"`},
		{name: "non-boolean result", expr: `event.name`},
	}

	for _, c := range testCases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Evaluate(parseExpr(t, c.expr), tc, needs, nil)
			require.Error(t, err)

			var refErr *RefError
			assert.ErrorAs(t, err, &refErr)
		})
	}
}

func TestOverridesUpstream(t *testing.T) {
	testCases := []struct {
		expr string
		want bool
	}{
		{expr: `always()`, want: true},
		{expr: `failure()`, want: true},
		{expr: `event.name == "push" && always()`, want: true},
		{expr: `!failure() || matrix.os == "linux"`, want: true},
		{expr: `event.name == "manual"`, want: false},
		{expr: `success()`, want: false},
		{expr: `needs.build.result == "failure"`, want: false},
	}

	for _, tc := range testCases {
		t.Run(tc.expr, func(t *testing.T) {
			assert.Equal(t, tc.want, OverridesUpstream(parseExpr(t, tc.expr)))
		})
	}
}

func TestImplicit(t *testing.T) {
	assert.True(t, Implicit(nil))
	assert.True(t, Implicit(map[string]Upstream{
		"a": {Result: OutcomeSucceeded},
		"b": {Result: OutcomeSucceeded},
	}))
	assert.False(t, Implicit(map[string]Upstream{
		"a": {Result: OutcomeSucceeded},
		"b": {Result: OutcomeFailed},
	}))
	assert.False(t, Implicit(map[string]Upstream{"a": {Result: OutcomeCancelled}}))
}

func TestEvalEnv(t *testing.T) {
	tc := trigger.Context{Event: trigger.EventPush, Branch: "main"}
	needs := map[string]Upstream{
		"gate": {Result: OutcomeSucceeded, Outputs: map[string]string{"version": "1.2.3"}},
	}
	vars := map[string]string{"os": "linux"}

	t.Run("nil expression yields nil map", func(t *testing.T) {
		env, err := EvalEnv(nil, tc, needs, vars)
		require.NoError(t, err)
		assert.Nil(t, env)
	})

	t.Run("env values reference the full context", func(t *testing.T) {
		expr := parseExpr(t, `{
			GOOS    = matrix.os
			BRANCH  = event.branch
			VERSION = needs.gate.outputs.version
		}`)
		env, err := EvalEnv(expr, tc, needs, vars)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{
			"GOOS":    "linux",
			"BRANCH":  "main",
			"VERSION": "1.2.3",
		}, env)
	})

	t.Run("non-object env is rejected", func(t *testing.T) {
		_, err := EvalEnv(parseExpr(t, `"just a string"`), tc, needs, vars)
		var refErr *RefError
		assert.ErrorAs(t, err, &refErr)
	})

	t.Run("unresolvable reference is rejected", func(t *testing.T) {
		_, err := EvalEnv(parseExpr(t, `{ X = matrix.missing }`), tc, needs, vars)
		var refErr *RefError
		assert.ErrorAs(t, err, &refErr)
	})
}
