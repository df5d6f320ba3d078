package core

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

func writeFileAll(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("built"), 0o644)
}

// stubProducer is a minimal Producer used across core package tests. It
// models a "compile" rule joining a .src field and a list of .dep files
// sharing a "name" capture group, producing name.out. Both fields need at
// least one matching row for the join to yield a fileset.
type stubProducer struct {
	patterns map[string]*regexp.Regexp
	shapes   map[string]FieldShape
	groups   map[string][]string

	runs    []string // identities run, for assertions
	runErr  error
	pathsFn func(raw RawInputData, groups GroupValues) (ResolvedInputData, OutputPaths, error)
	runFn   func(resolved ResolvedInputData, outputs OutputPaths) error
}

func newStubProducer() *stubProducer {
	return &stubProducer{
		patterns: map[string]*regexp.Regexp{
			// Matching is anchored at position 0 like Python's re.match, so
			// these carry a leading ".*" to match "src/..."/"dep/..." at any
			// depth under an absolute t.TempDir() path.
			"src": regexp.MustCompile(`.*src/(?P<name>\w+)\.src$`),
			"dep": regexp.MustCompile(`.*dep/(?P<name>\w+)/.+\.dep$`),
		},
		shapes: map[string]FieldShape{
			"src": SinglePath,
			"dep": ListOfPaths,
		},
		groups: map[string][]string{
			"src": {"name"},
			"dep": {"name"},
		},
	}
}

// newSingleFieldProducer declares only the "src" field (no "dep" list
// field), for tests that exercise matching/join mechanics without needing
// every declared field to have at least one row.
func newSingleFieldProducer() *stubProducer {
	return &stubProducer{
		patterns: map[string]*regexp.Regexp{
			"src": regexp.MustCompile(`.*src/(?P<name>\w+)\.src$`),
		},
		shapes: map[string]FieldShape{"src": SinglePath},
		groups: map[string][]string{"src": {"name"}},
	}
}

func (p *stubProducer) FieldPatterns() map[string]*regexp.Regexp { return p.patterns }
func (p *stubProducer) FieldID(field string) string              { return field }
func (p *stubProducer) GroupID(group string) string              { return group }
func (p *stubProducer) FieldGroups(field string) []string        { return p.groups[field] }
func (p *stubProducer) FieldShape(field string) FieldShape       { return p.shapes[field] }

func (p *stubProducer) AllGroups() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, gs := range p.groups {
		for _, g := range gs {
			if _, ok := seen[g]; !ok {
				seen[g] = struct{}{}
				out = append(out, g)
			}
		}
	}
	return out
}

func (p *stubProducer) Paths(raw RawInputData, groups GroupValues) (ResolvedInputData, OutputPaths, error) {
	if p.pathsFn != nil {
		return p.pathsFn(raw, groups)
	}
	resolved := ResolvedInputData(raw)
	out := OutputPaths{
		"out": FieldValue{Shape: SinglePath, Single: fmt.Sprintf("build/%s.out", groups["name"])},
	}
	return resolved, out, nil
}

func (p *stubProducer) Categories(resolved ResolvedInputData, outputs OutputPaths) string {
	return "compile"
}

// newPackageStubProducer models a downstream producer consuming the
// compile stub's "build/<name>.out" output and writing "pkg/<name>.pkg",
// used to exercise cascade scheduling.
func newPackageStubProducer(dir string) *stubProducer {
	p := &stubProducer{
		patterns: map[string]*regexp.Regexp{
			"built": regexp.MustCompile(`^` + regexp.QuoteMeta(dir+"/build/") + `(?P<name>\w+)\.out$`),
		},
		shapes: map[string]FieldShape{"built": SinglePath},
		groups: map[string][]string{"built": {"name"}},
	}
	p.pathsFn = func(raw RawInputData, groups GroupValues) (ResolvedInputData, OutputPaths, error) {
		out := OutputPaths{"out": FieldValue{Shape: SinglePath, Single: fmt.Sprintf("%s/pkg/%s.pkg", dir, groups["name"])}}
		return ResolvedInputData(raw), out, nil
	}
	p.runFn = func(resolved ResolvedInputData, outputs OutputPaths) error {
		for _, out := range outputs.Flatten() {
			if err := writeFileAll(out); err != nil {
				return err
			}
		}
		return nil
	}
	return p
}

func (p *stubProducer) Run(resolved ResolvedInputData, outputs OutputPaths) error {
	if p.runErr != nil {
		return p.runErr
	}
	if p.runFn != nil {
		if err := p.runFn(resolved, outputs); err != nil {
			return err
		}
	}
	for _, out := range outputs.Flatten() {
		p.runs = append(p.runs, out)
	}
	return nil
}
