// Package producer turns declarative SQLite rows into core.Producer
// implementations: a Rule compiles its field regexes once and resolves
// outputs/actions by template substitution over the join's capture groups.
package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"text/template"
	"time"

	"github.com/foundryhq/weft/internal/core"
)

// FieldSpec is one field entry of a rule's fields_json column.
type FieldSpec struct {
	Pattern string   `json:"pattern"`
	Shape   string   `json:"shape"` // "single" | "list"
	Groups  []string `json:"groups"`
}

// OutputSpec is one field entry of a rule's output_template_json column.
// Template is rendered with the join's capture-group values available as
// top-level fields, e.g. "build/{{.name}}.out".
type OutputSpec struct {
	Shape    string `json:"shape"` // "single" | "list"
	Template string `json:"template"`
}

// Rule is a core.Producer compiled from a producer_rules row. Its action
// runs as a shell command that reads its paths from WEFT_IN_*/WEFT_OUT_*
// environment variables (the action text itself is not templated),
// mirroring the teacher's subprocess-shelling style for external tool
// invocation.
type Rule struct {
	ID         string
	fields     map[string]FieldSpec
	patterns   map[string]*regexp.Regexp
	outputs    map[string]OutputSpec
	categories string
	action     string
	timeout    time.Duration
}

// CompileRule parses a producer_rules row into a runnable Rule.
func CompileRule(id, fieldsJSON, outputTemplateJSON, categories, actionTemplate string) (*Rule, error) {
	var fields map[string]FieldSpec
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, fmt.Errorf("rule %s: parse fields_json: %w", id, err)
	}

	patterns := make(map[string]*regexp.Regexp, len(fields))
	for name, spec := range fields {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return nil, fmt.Errorf("rule %s: field %q: compile pattern: %w", id, name, err)
		}
		patterns[name] = re
	}

	var outputs map[string]OutputSpec
	if err := json.Unmarshal([]byte(outputTemplateJSON), &outputs); err != nil {
		return nil, fmt.Errorf("rule %s: parse output_template_json: %w", id, err)
	}

	return &Rule{
		ID:         id,
		fields:     fields,
		patterns:   patterns,
		outputs:    outputs,
		categories: categories,
		action:     actionTemplate,
		timeout:    5 * time.Minute,
	}, nil
}

// FieldPatterns implements core.Producer.
func (r *Rule) FieldPatterns() map[string]*regexp.Regexp { return r.patterns }

// FieldID implements core.Producer.
func (r *Rule) FieldID(field string) string { return r.ID + ":" + field }

// GroupID implements core.Producer.
func (r *Rule) GroupID(group string) string { return r.ID + ":" + group }

// FieldGroups implements core.Producer.
func (r *Rule) FieldGroups(field string) []string { return r.fields[field].Groups }

// AllGroups implements core.Producer.
func (r *Rule) AllGroups() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, spec := range r.fields {
		for _, g := range spec.Groups {
			if _, ok := seen[g]; !ok {
				seen[g] = struct{}{}
				out = append(out, g)
			}
		}
	}
	return out
}

// FieldShape implements core.Producer.
func (r *Rule) FieldShape(field string) core.FieldShape {
	switch r.fields[field].Shape {
	case "single":
		return core.SinglePath
	case "list":
		return core.ListOfPaths
	default:
		return core.Absent
	}
}

func renderTemplate(tmplText string, groups core.GroupValues) (string, error) {
	tmpl, err := template.New("t").Parse(tmplText)
	if err != nil {
		return "", err
	}
	data := make(map[string]string, len(groups))
	for k, v := range groups {
		data[k] = v
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Paths implements core.Producer: outputs are resolved by rendering each
// declared output template against the join's capture-group values.
func (r *Rule) Paths(raw core.RawInputData, groups core.GroupValues) (core.ResolvedInputData, core.OutputPaths, error) {
	outputs := make(core.OutputPaths, len(r.outputs))
	for field, spec := range r.outputs {
		rendered, err := renderTemplate(spec.Template, groups)
		if err != nil {
			return nil, nil, fmt.Errorf("rule %s: render output %q: %w", r.ID, field, err)
		}
		switch spec.Shape {
		case "list":
			var paths []string
			for _, p := range strings.Split(rendered, "\n") {
				if p = strings.TrimSpace(p); p != "" {
					paths = append(paths, p)
				}
			}
			outputs[field] = core.FieldValue{Shape: core.ListOfPaths, List: paths}
		default:
			outputs[field] = core.FieldValue{Shape: core.SinglePath, Single: rendered}
		}
	}
	return core.ResolvedInputData(raw), outputs, nil
}

// Categories implements core.Producer.
func (r *Rule) Categories(resolved core.ResolvedInputData, outputs core.OutputPaths) string {
	return r.categories
}

// Run implements core.Producer: every resolved input/output field is
// exported as a WEFT_IN_<FIELD>/WEFT_OUT_<FIELD> environment variable
// (paths flattened, space-joined per field) and the action text is run
// verbatim by "sh -c", in the style of the teacher's git auto-commit
// subprocess invocations.
func (r *Rule) Run(resolved core.ResolvedInputData, outputs core.OutputPaths) error {
	env := os.Environ()
	for field, val := range resolved {
		env = append(env, fmt.Sprintf("WEFT_IN_%s=%s", strings.ToUpper(field), strings.Join(val.Flatten(), " ")))
	}
	for field, val := range outputs {
		env = append(env, fmt.Sprintf("WEFT_OUT_%s=%s", strings.ToUpper(field), strings.Join(val.Flatten(), " ")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", r.action)
	cmd.Env = env
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("rule %s action failed: %w\n%s", r.ID, err, output)
	}
	return nil
}
