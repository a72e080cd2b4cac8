package workspace

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/re-cinq/supervisor/internal/gitops"
)

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %s: %s", args, err, out)
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.name", "test")
	runGit(t, dir, "config", "user.email", "test@example.com")
	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("repo instructions\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func TestCreateWorkspaceIsIdempotent(t *testing.T) {
	m := New(gitops.New())
	repo := initRepo(t)
	wsPath := filepath.Join(t.TempDir(), "ws")
	targets := []RepoTarget{{Name: "acme", Path: repo, TargetBranch: "main"}}

	if _, err := m.CreateWorkspace(wsPath, targets, "attempt/1"); err != nil {
		t.Fatalf("CreateWorkspace: %s", err)
	}
	if _, err := m.CreateWorkspace(wsPath, targets, "attempt/1"); err != nil {
		t.Fatalf("CreateWorkspace (second call): %s", err)
	}

	if _, err := os.Stat(filepath.Join(wsPath, "acme")); err != nil {
		t.Fatalf("expected worktree directory to exist: %s", err)
	}
}

func TestCleanupWorkspaceRemovesDirectory(t *testing.T) {
	m := New(gitops.New())
	repo := initRepo(t)
	wsPath := filepath.Join(t.TempDir(), "ws")
	targets := []RepoTarget{{Name: "acme", Path: repo, TargetBranch: "main"}}

	if _, err := m.CreateWorkspace(wsPath, targets, "attempt/1"); err != nil {
		t.Fatalf("CreateWorkspace: %s", err)
	}
	if err := m.CleanupWorkspace(wsPath, targets); err != nil {
		t.Fatalf("CleanupWorkspace: %s", err)
	}
	if _, err := os.Stat(wsPath); !os.IsNotExist(err) {
		t.Fatalf("expected workspace directory to be removed, stat err=%v", err)
	}

	// Second cleanup is a no-op, not an error.
	if err := m.CleanupWorkspace(wsPath, targets); err != nil {
		t.Fatalf("CleanupWorkspace (second call): %s", err)
	}
}

func TestWeaveConfigFilesWritesImportList(t *testing.T) {
	m := New(gitops.New())
	repo := initRepo(t)
	wsPath := filepath.Join(t.TempDir(), "ws")
	targets := []RepoTarget{{Name: "acme", Path: repo, TargetBranch: "main"}}

	if _, err := m.CreateWorkspace(wsPath, targets, "attempt/1"); err != nil {
		t.Fatalf("CreateWorkspace: %s", err)
	}
	if err := m.WeaveConfigFiles(wsPath, targets); err != nil {
		t.Fatalf("WeaveConfigFiles: %s", err)
	}

	data, err := os.ReadFile(filepath.Join(wsPath, "CLAUDE.md"))
	if err != nil {
		t.Fatalf("expected woven CLAUDE.md: %s", err)
	}
	if string(data) != "@acme/CLAUDE.md\n" {
		t.Fatalf("unexpected woven content: %q", data)
	}

	// A pre-existing root file must never be overwritten.
	if err := m.WeaveConfigFiles(wsPath, targets); err != nil {
		t.Fatalf("WeaveConfigFiles (second call): %s", err)
	}
	data2, _ := os.ReadFile(filepath.Join(wsPath, "CLAUDE.md"))
	if string(data2) != string(data) {
		t.Fatalf("expected woven file to remain unchanged, got %q", data2)
	}
}

func TestAttemptDirNameSlugifiesTitle(t *testing.T) {
	name := AttemptDirName("ab12cd34", "Fix the Login Bug!!")
	if name != "ab12cd34-fix-the-login-bug" {
		t.Fatalf("unexpected attempt dir name: %s", name)
	}
}
