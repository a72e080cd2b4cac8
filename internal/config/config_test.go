package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "project.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("writing temp config: %s", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	path := writeTempConfig(t, `
name: demo
agent:
  profile: fake
  command: "fake-agent"
repos:
  - name: acme
    path: /repos/acme
`)

	pf, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if errs := Validate(pf); len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
	if pf.Repos[0].TargetBranch != "main" {
		t.Fatalf("expected default target_branch main, got %q", pf.Repos[0].TargetBranch)
	}
}

func TestValidateReportsAllErrors(t *testing.T) {
	pf := &ProjectFile{
		Repos: []RepoConfig{{Name: "a"}, {Name: "a"}},
	}
	errs := Validate(pf)
	if len(errs) < 4 {
		t.Fatalf("expected at least 4 errors (name, agent.command, dup repo, missing path), got %d: %v", len(errs), errs)
	}
}

func TestAllParallelSetup(t *testing.T) {
	pf := &ProjectFile{
		Repos: []RepoConfig{
			{Name: "a", SetupScript: "echo a", ParallelSetupScript: true},
			{Name: "b", SetupScript: "echo b", ParallelSetupScript: true},
		},
	}
	if !pf.AllParallelSetup() {
		t.Fatalf("expected all-parallel to be true")
	}

	pf.Repos[1].ParallelSetupScript = false
	if pf.AllParallelSetup() {
		t.Fatalf("expected all-parallel to be false once one repo is sequential")
	}

	pf.Repos = []RepoConfig{{Name: "a"}}
	if pf.AllParallelSetup() {
		t.Fatalf("no setup scripts at all should not count as all-parallel")
	}
}

func TestLoadRuntimeDefaultsAndFloors(t *testing.T) {
	os.Unsetenv(EnvWorkspaceExpiredTTLSecs)
	os.Unsetenv(EnvWorkspaceCleanupIntervalSecs)
	os.Unsetenv(EnvDisableExpiredCleanup)

	rt := LoadRuntime("/tmp/base")
	if rt.WorkspaceExpiredTTL != DefaultWorkspaceExpiredTTLSecs*time.Second {
		t.Fatalf("expected default TTL, got %s", rt.WorkspaceExpiredTTL)
	}
	if rt.ExpiredCleanupDisabled {
		t.Fatalf("expected cleanup enabled by default")
	}

	os.Setenv(EnvWorkspaceExpiredTTLSecs, "1")
	defer os.Unsetenv(EnvWorkspaceExpiredTTLSecs)
	rt = LoadRuntime("/tmp/base")
	if rt.WorkspaceExpiredTTL != MinWorkspaceExpiredTTLSecs*time.Second {
		t.Fatalf("expected floor to clamp to %d, got %s", MinWorkspaceExpiredTTLSecs, rt.WorkspaceExpiredTTL)
	}

	os.Setenv(EnvDisableExpiredCleanup, "1")
	defer os.Unsetenv(EnvDisableExpiredCleanup)
	rt = LoadRuntime("/tmp/base")
	if !rt.ExpiredCleanupDisabled {
		t.Fatalf("expected cleanup disabled when env var present")
	}
}

func TestChildEnvironRendersAllVars(t *testing.T) {
	env := ChildEnv{
		ProjectName:     "demo",
		ProjectID:       "p1",
		TaskID:          "t1",
		WorkspaceID:     "w1",
		WorkspaceBranch: "vk/w1",
	}
	rendered := env.Environ()
	if len(rendered) != 5 {
		t.Fatalf("expected 5 env vars, got %d", len(rendered))
	}
}
