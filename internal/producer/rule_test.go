package producer

import (
	"testing"

	"github.com/foundryhq/weft/internal/core"
)

func TestCompileRuleResolvesOutputTemplate(t *testing.T) {
	rule, err := CompileRule(
		"compile-src",
		`{"src": {"pattern": "src/(?P<name>\\w+)\\.src$", "shape": "single", "groups": ["name"]}}`,
		`{"out": {"shape": "single", "template": "build/{{.name}}.out"}}`,
		"compile",
		`cp "$WEFT_IN_SRC" "$WEFT_OUT_OUT"`,
	)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}

	if _, ok := rule.FieldPatterns()["src"]; !ok {
		t.Fatalf("expected src field pattern compiled")
	}
	if rule.FieldShape("src") != core.SinglePath {
		t.Fatalf("expected src shape SinglePath, got %v", rule.FieldShape("src"))
	}

	raw := core.RawInputData{"src": core.FieldValue{Shape: core.SinglePath, Single: "src/foo.src"}}
	groups := core.GroupValues{"name": "foo"}

	resolved, outputs, err := rule.Paths(raw, groups)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if resolved["src"].Single != "src/foo.src" {
		t.Fatalf("expected resolved src unchanged, got %v", resolved["src"])
	}
	if outputs["out"].Single != "build/foo.out" {
		t.Fatalf("expected rendered output build/foo.out, got %q", outputs["out"].Single)
	}
	if rule.Categories(resolved, outputs) != "compile" {
		t.Fatalf("expected categories 'compile', got %q", rule.Categories(resolved, outputs))
	}
}

func TestCompileRuleListOutputSplitsLines(t *testing.T) {
	rule, err := CompileRule(
		"multi-out",
		`{"src": {"pattern": "src/(?P<name>\\w+)\\.src$", "shape": "single", "groups": ["name"]}}`,
		`{"out": {"shape": "list", "template": "build/{{.name}}.a\nbuild/{{.name}}.b"}}`,
		"multi",
		`true`,
	)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}

	_, outputs, err := rule.Paths(
		core.RawInputData{"src": core.FieldValue{Shape: core.SinglePath, Single: "src/foo.src"}},
		core.GroupValues{"name": "foo"},
	)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	list := outputs["out"].List
	if len(list) != 2 || list[0] != "build/foo.a" || list[1] != "build/foo.b" {
		t.Fatalf("expected [build/foo.a build/foo.b], got %v", list)
	}
}

func TestCompileRuleRunExecutesAction(t *testing.T) {
	rule, err := CompileRule(
		"touch-rule",
		`{"src": {"pattern": "src/(?P<name>\\w+)\\.src$", "shape": "single", "groups": ["name"]}}`,
		`{"out": {"shape": "single", "template": "build/{{.name}}.out"}}`,
		"compile",
		`exit 0`,
	)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}

	resolved, outputs, err := rule.Paths(
		core.RawInputData{"src": core.FieldValue{Shape: core.SinglePath, Single: "src/foo.src"}},
		core.GroupValues{"name": "foo"},
	)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if err := rule.Run(resolved, outputs); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestCompileRuleRunSurfacesActionFailure(t *testing.T) {
	rule, err := CompileRule(
		"fail-rule",
		`{"src": {"pattern": "src/(?P<name>\\w+)\\.src$", "shape": "single", "groups": ["name"]}}`,
		`{"out": {"shape": "single", "template": "build/{{.name}}.out"}}`,
		"compile",
		`exit 1`,
	)
	if err != nil {
		t.Fatalf("CompileRule: %v", err)
	}

	resolved, outputs, err := rule.Paths(
		core.RawInputData{"src": core.FieldValue{Shape: core.SinglePath, Single: "src/foo.src"}},
		core.GroupValues{"name": "foo"},
	)
	if err != nil {
		t.Fatalf("Paths: %v", err)
	}
	if err := rule.Run(resolved, outputs); err == nil {
		t.Fatalf("expected Run to surface nonzero exit as error")
	}
}
