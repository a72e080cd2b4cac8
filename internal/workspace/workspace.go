// Package workspace implements the WorkspaceManager (C4, §4.4):
// realizing, repairing, and tearing down the worktree-per-repo layout for
// a task attempt, plus the config-file weaving and project-file copying
// steps that happen around it.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/re-cinq/supervisor/internal/gitops"
)

// RepoTarget is one repo participating in a workspace, paired with the
// branch new worktrees should be created from if the workspace branch
// doesn't exist yet.
type RepoTarget struct {
	Name         string // filesystem-safe slug, also the worktree subdir name
	Path         string // the bare/on-disk source repo
	TargetBranch string
	CopyFiles    []string // project-configured extra files copied into the worktree after creation (§4.4)
}

// Created describes the outcome of CreateWorkspace.
type Created struct {
	Path  string
	Repos []RepoTarget
}

// Manager realizes workspace layouts using git worktrees via GitOps.
type Manager struct {
	git *gitops.GitOps
}

// New creates a Manager backed by git.
func New(git *gitops.GitOps) *Manager {
	return &Manager{git: git}
}

// CreateWorkspace realizes P/<repo.name>/ as a git worktree of each repo,
// checked out on branch (created from target_branch if it doesn't exist
// yet). It is idempotent: an existing clean worktree is never clobbered.
// On any repo's failure, worktrees already created for this call are rolled
// back.
func (m *Manager) CreateWorkspace(path string, repos []RepoTarget, branch string) (Created, error) {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return Created{}, fmt.Errorf("workspace: creating %s: %w", path, err)
	}

	// created lists every repo of the workspace; fresh lists only the
	// worktrees this call added, which are the ones a failure rolls back.
	var created, fresh []RepoTarget
	for _, r := range repos {
		wtPath := filepath.Join(path, r.Name)
		_, statErr := os.Stat(wtPath)
		if err := m.git.CreateWorktree(r.Path, wtPath, branch, r.TargetBranch); err != nil {
			m.rollback(path, fresh)
			return Created{}, fmt.Errorf("workspace: creating worktree for %s: %w", r.Name, err)
		}
		if statErr != nil {
			fresh = append(fresh, r)
		}
		if len(r.CopyFiles) > 0 {
			if err := m.CopyFilesAndImages(path, r, r.CopyFiles); err != nil {
				m.rollback(path, fresh)
				return Created{}, fmt.Errorf("workspace: copying configured files for %s: %w", r.Name, err)
			}
		}
		created = append(created, r)
	}

	if err := m.WeaveConfigFiles(path, created); err != nil {
		m.rollback(path, fresh)
		return Created{}, fmt.Errorf("workspace: weaving config files: %w", err)
	}

	return Created{Path: path, Repos: created}, nil
}

// rollback removes worktrees already created for a partially-failed
// CreateWorkspace call.
func (m *Manager) rollback(path string, created []RepoTarget) {
	for _, r := range created {
		_ = m.git.RemoveWorktree(r.Path, filepath.Join(path, r.Name))
	}
}

// EnsureWorkspaceExists idempotently repairs a partially-present workspace
// after a crash or a TTL-driven cleanup-then-restart: it is CreateWorkspace
// with the same idempotence guarantee, re-exposed under the name the spec
// uses for the repair path so callers can express intent distinctly.
func (m *Manager) EnsureWorkspaceExists(path string, repos []RepoTarget, branch string) (Created, error) {
	return m.CreateWorkspace(path, repos, branch)
}

// CleanupWorkspace removes each repo's worktree and deletes path. Missing
// paths are not errors.
func (m *Manager) CleanupWorkspace(path string, repos []RepoTarget) error {
	for _, r := range repos {
		wtPath := filepath.Join(path, r.Name)
		if err := m.git.RemoveWorktree(r.Path, wtPath); err != nil {
			if !os.IsNotExist(err) {
				return fmt.Errorf("workspace: removing worktree for %s: %w", r.Name, err)
			}
		}
	}
	if err := os.RemoveAll(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("workspace: removing %s: %w", path, err)
	}
	return nil
}

// CleanupOrphanWorkspaces deletes filesystem entries directly under baseDir
// that are not present in liveContainerRefs (the set of Workspace.ContainerRef
// values currently on record).
func (m *Manager) CleanupOrphanWorkspaces(baseDir string, liveContainerRefs map[string]bool) error {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("workspace: reading base dir: %w", err)
	}
	for _, e := range entries {
		full := filepath.Join(baseDir, e.Name())
		if liveContainerRefs[full] {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			return fmt.Errorf("workspace: removing orphan %s: %w", full, err)
		}
	}
	return nil
}

// ExpiredWorkspace is the minimal view CleanupExpiredWorkspaces needs of a
// Workspace row.
type ExpiredWorkspace struct {
	ContainerRef     string
	SetupCompletedAt time.Time
	Repos            []RepoTarget
}

// CleanupExpiredWorkspaces runs CleanupWorkspace for every workspace whose
// SetupCompletedAt predates cutoff, returning the container refs that were
// cleaned (the caller is responsible for nulling container_ref on those rows).
func (m *Manager) CleanupExpiredWorkspaces(cutoff time.Time, candidates []ExpiredWorkspace) ([]string, error) {
	var cleaned []string
	for _, w := range candidates {
		if w.ContainerRef == "" || !w.SetupCompletedAt.Before(cutoff) {
			continue
		}
		if err := m.CleanupWorkspace(w.ContainerRef, w.Repos); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, w.ContainerRef)
	}
	return cleaned, nil
}

// AttemptDirName builds the "<short_uuid>-<slug(title)>" directory name
// used under the worktree base directory (§6 filesystem surface).
func AttemptDirName(shortID, taskTitle string) string {
	return fmt.Sprintf("%s-%s", shortID, slugify(taskTitle))
}

func slugify(s string) string {
	var b strings.Builder
	prevDash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			prevDash = false
		default:
			if !prevDash && b.Len() > 0 {
				b.WriteByte('-')
				prevDash = true
			}
		}
	}
	out := strings.TrimRight(b.String(), "-")
	if len(out) > 50 {
		out = out[:50]
	}
	if out == "" {
		return "task"
	}
	return out
}
