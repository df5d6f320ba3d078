package vcs

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Skipf("git unavailable in test environment: %v: %s", err, out)
		}
	}

	run("init")
	run("config", "user.email", "weft@example.com")
	run("config", "user.name", "weft")
	return dir
}

func TestManagerIsRepo(t *testing.T) {
	dir := initRepo(t)
	m := NewManager(dir)
	if !m.IsRepo() {
		t.Fatalf("expected IsRepo true for initialized repo")
	}

	notRepo := NewManager(t.TempDir())
	if notRepo.IsRepo() {
		t.Fatalf("expected IsRepo false for non-repo directory")
	}
}

func TestManagerAutoCommitStagesAndCommits(t *testing.T) {
	dir := initRepo(t)
	m := NewManager(dir)

	outPath := filepath.Join(dir, "build", "foo.out")
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(outPath, []byte("built"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	hash, err := m.AutoCommit([]string{outPath}, "run-1")
	if err != nil {
		t.Fatalf("AutoCommit: %v", err)
	}
	if hash == "" {
		t.Fatalf("expected non-empty commit hash")
	}

	if m.HasChanges() {
		t.Fatalf("expected no uncommitted changes after commit")
	}
}

func TestManagerAutoCommitFailsWithNoFiles(t *testing.T) {
	dir := initRepo(t)
	m := NewManager(dir)

	if _, err := m.AutoCommit(nil, "run-1"); err == nil {
		t.Fatalf("expected error committing with no files")
	}
}
