package template

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestRenderResolutionOrder(t *testing.T) {
	engine := New(true)
	pattern := "{{style}} icon of {{subject}}, {{background}}"
	defaults := map[string]any{"style": "flat minimal", "background": "transparent"}

	got, err := engine.Render(pattern, map[string]any{"subject": "home"}, defaults)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "flat minimal icon of home, transparent" {
		t.Fatalf("unexpected render: %q", got)
	}

	// item-level value overrides the series default
	got, err = engine.Render(pattern, map[string]any{"subject": "settings", "background": "soft gradient"}, defaults)
	if err != nil {
		t.Fatalf("render with override: %v", err)
	}
	if got != "flat minimal icon of settings, soft gradient" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderInlineDefault(t *testing.T) {
	engine := New(true)

	got, err := engine.Render("a {{color|red}} box", nil, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "a red box" {
		t.Fatalf("unexpected render: %q", got)
	}

	// values beat the inline default
	got, err = engine.Render("a {{color|red}} box", map[string]any{"color": "blue"}, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "a blue box" {
		t.Fatalf("unexpected render: %q", got)
	}

	// explicit empty default is a default, not a missing variable
	got, err = engine.Render("x{{suffix|}}y", nil, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "xy" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestRenderDeterministic(t *testing.T) {
	engine := New(true)
	values := map[string]any{"subject": "home", "user": map[string]any{"name": "ada"}}

	first, err := engine.Render("{{subject}} for {{user.name}}", values, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := engine.Render("{{subject}} for {{user.name}}", values, nil)
		if err != nil {
			t.Fatalf("render #%d: %v", i, err)
		}
		if again != first {
			t.Fatalf("render not deterministic: %q vs %q", again, first)
		}
	}
}

func TestRenderStrictMissingVariable(t *testing.T) {
	engine := New(true)
	values := map[string]any{"zeta": 1, "alpha": 2}
	defaults := map[string]any{"mid": map[string]any{"inner": 3}}

	_, err := engine.Render("{{missing}}", values, defaults)
	var notFound *VariableNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("expected VariableNotFoundError, got %v", err)
	}
	if notFound.Name != "missing" {
		t.Fatalf("wrong variable name: %q", notFound.Name)
	}
	want := []string{"alpha", "mid", "mid.inner", "zeta"}
	if !reflect.DeepEqual(notFound.Available, want) {
		t.Fatalf("available variables not sorted/exact: got %v want %v", notFound.Available, want)
	}
	if !strings.Contains(err.Error(), "Available variables: alpha, mid, mid.inner, zeta") {
		t.Fatalf("error message missing available list: %v", err)
	}
}

func TestRenderNonStrictLeavesVerbatim(t *testing.T) {
	engine := New(false)

	got, err := engine.Render("icon of {{subject}}", nil, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "icon of {{subject}}" {
		t.Fatalf("placeholder not left verbatim: %q", got)
	}
}

func TestRenderDottedPath(t *testing.T) {
	engine := New(true)
	values := map[string]any{
		"user": map[string]any{"profile": map[string]any{"name": "ada"}},
	}

	got, err := engine.Render("hello {{user.profile.name}}", values, nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if got != "hello ada" {
		t.Fatalf("unexpected render: %q", got)
	}
}

func TestValidate(t *testing.T) {
	engine := New(true)

	if issues := engine.Validate("{{a}} and {{b|x}}"); len(issues) != 0 {
		t.Fatalf("valid template reported issues: %v", issues)
	}

	issues := engine.Validate("broken {{name")
	if len(issues) != 1 {
		t.Fatalf("expected 1 issue, got %v", issues)
	}
	if issues[0].Pos != 7 || !strings.Contains(issues[0].Message, "unclosed") {
		t.Fatalf("unexpected issue: %+v", issues[0])
	}

	issues = engine.Validate("stray }} here")
	if len(issues) != 1 || !strings.Contains(issues[0].Message, "without matching") {
		t.Fatalf("unexpected issues: %v", issues)
	}

	issues = engine.Validate("{{outer {{inner}} }}")
	if len(issues) == 0 {
		t.Fatal("nested braces not reported")
	}

	issues = engine.Validate("{{9bad}}")
	if len(issues) != 1 || !strings.Contains(issues[0].Message, "invalid placeholder name") {
		t.Fatalf("unexpected issues: %v", issues)
	}
}

func TestRenderRejectsMalformed(t *testing.T) {
	engine := New(false)
	_, err := engine.Render("oops {{", nil, nil)
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestVariablesAndRequired(t *testing.T) {
	pattern := "{{a}} {{b|x}} {{a}} {{c}}"

	if got := Variables(pattern); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("variables: %v", got)
	}

	required := Required(pattern, map[string]any{"c": 1})
	if !reflect.DeepEqual(required, []string{"a"}) {
		t.Fatalf("required: %v", required)
	}
}
