package engine

import (
	"errors"
	"testing"

	"github.com/shaiso/procorch/internal/domain"
)

func TestCondition_Eval(t *testing.T) {
	ctx := NewContext("production", map[string]any{
		"branch":   "main",
		"approved": true,
		"replicas": 3,
		"flag":     "false",
	})

	tests := []struct {
		expr string
		want bool
	}{
		{"branch == 'main'", true},
		{`branch == "develop"`, false},
		{"branch == 'main' and approved == true", true},
		{"branch == 'main' && approved", true},
		{"branch != 'main' or environment == 'production'", true},
		{"not approved", false},
		{"!approved || env == 'production'", true},
		{"(branch == 'dev' or branch == 'main') and environment != 'staging'", true},
		{"replicas > 2", true},
		{"replicas <= 2", false},
		{"replicas == 3", true},
		{"flag", false},
		{"flag == false", true},
		{"missing == 'x'", false},
		{"missing != 'x'", true},
		{"missing", false},
		{"vars.branch == 'main'", true},
		{"AND_value == 'x' OR true", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			cond, err := ParseCondition(tt.expr)
			if err != nil {
				t.Fatalf("parse error: %v", err)
			}
			got, err := cond.Eval(ctx)
			if err != nil {
				t.Fatalf("eval error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCondition_ApprovedFromString(t *testing.T) {
	// Значения из --set приходят строками
	ctx := NewContext("", map[string]any{"approved": "true"})

	cond, err := ParseCondition("approved == true")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	ok, err := cond.Eval(ctx)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if !ok {
		t.Error("string \"true\" should equal true")
	}
}

func TestCondition_SyntaxErrors(t *testing.T) {
	tests := []string{
		"",
		"branch ==",
		"branch = 'main'",
		"(approved",
		"'unterminated",
		"approved and",
		"a & b",
		"branch == 'main' 'extra'",
		"import('os')",
	}

	for _, expr := range tests {
		t.Run(expr, func(t *testing.T) {
			_, err := ParseCondition(expr)
			if !errors.Is(err, ErrConditionSyntax) {
				t.Errorf("expected ErrConditionSyntax, got %v", err)
			}
		})
	}
}

func TestCondition_EvalError(t *testing.T) {
	cond, err := ParseCondition("branch > 3")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}

	_, err = cond.Eval(NewContext("", map[string]any{"branch": "main"}))
	if !errors.Is(err, ErrConditionEval) {
		t.Errorf("expected ErrConditionEval, got %v", err)
	}
}

func TestContext_StepStates(t *testing.T) {
	ctx := NewContext("dev", nil)
	ctx.States = func(name string) (domain.StepState, bool) {
		if name == "build" {
			return domain.StepSucceeded, true
		}
		return "", false
	}

	cond, err := ParseCondition("steps.build.state == 'SUCCEEDED' and steps.lint.state != 'FAILED'")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	ok, err := cond.Eval(ctx)
	if err != nil {
		t.Fatalf("eval error: %v", err)
	}
	if !ok {
		t.Error("expected condition to be true")
	}

	if v, _ := ctx.Lookup("environment"); v != "dev" {
		t.Errorf("expected environment dev, got %v", v)
	}
}
