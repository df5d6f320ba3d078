package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func touch(t *testing.T, path string, when time.Time) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func TestStalenessMustRunWhenOutputMissing(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	touch(t, in, time.Now())

	o := NewStalenessOracle()
	if !o.MustRun([]string{in}, []string{filepath.Join(dir, "missing.out")}) {
		t.Fatalf("expected MustRun=true when output missing")
	}
}

func TestStalenessMustRunWhenInputNewer(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")

	base := time.Now().Add(-time.Hour)
	touch(t, out, base)
	touch(t, in, base.Add(time.Minute))

	o := NewStalenessOracle()
	if !o.MustRun([]string{in}, []string{out}) {
		t.Fatalf("expected MustRun=true when input newer than output")
	}
}

func TestStalenessSkipsWhenOutputStrictlyNewer(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")

	base := time.Now().Add(-time.Hour)
	touch(t, in, base)
	touch(t, out, base.Add(time.Minute))

	o := NewStalenessOracle()
	if o.MustRun([]string{in}, []string{out}) {
		t.Fatalf("expected MustRun=false when output strictly newer than input")
	}
}

// TestStalenessTiesRebuild covers the non-strict boundary: equal mtimes
// must still trigger a rebuild.
func TestStalenessTiesRebuild(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "in")
	out := filepath.Join(dir, "out")

	same := time.Now().Add(-time.Hour)
	touch(t, in, same)
	touch(t, out, same)

	o := NewStalenessOracle()
	if !o.MustRun([]string{in}, []string{out}) {
		t.Fatalf("expected MustRun=true on exact mtime tie")
	}
}

func TestStalenessDirectoryInputExpandsToChildren(t *testing.T) {
	dir := t.TempDir()
	inDir := filepath.Join(dir, "indir")
	if err := os.Mkdir(inDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	out := filepath.Join(dir, "out")

	base := time.Now().Add(-time.Hour)
	touch(t, out, base.Add(time.Minute))
	touch(t, filepath.Join(inDir, "child"), base.Add(2*time.Hour))

	o := NewStalenessOracle()
	if !o.MustRun([]string{inDir}, []string{out}) {
		t.Fatalf("expected MustRun=true: directory input's child is newer than output")
	}
}
