package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// wovenFiles are the agent-context files woven at the attempt root, each
// one an import list of the per-repo files that exist.
var wovenFiles = []string{"CLAUDE.md", "AGENTS.md"}

// WeaveConfigFiles synthesizes P/CLAUDE.md and P/AGENTS.md as
// "@<repo.name>/<file>" import lists, for each woven file that exists in at
// least one repo and does not already exist at P (§4.4 "Config-file weaving").
func (m *Manager) WeaveConfigFiles(path string, repos []RepoTarget) error {
	for _, file := range wovenFiles {
		target := filepath.Join(path, file)
		if _, err := os.Stat(target); err == nil {
			continue // already present, never overwritten
		}

		var lines []string
		for _, r := range repos {
			if _, err := os.Stat(filepath.Join(path, r.Name, file)); err == nil {
				lines = append(lines, fmt.Sprintf("@%s/%s", r.Name, file))
			}
		}
		if len(lines) == 0 {
			continue
		}

		content := ""
		for _, l := range lines {
			content += l + "\n"
		}
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("workspace: weaving %s: %w", file, err)
		}
	}
	return nil
}

// CopyFilesAndImages copies project-configured extra files (ProjectRepo.CopyFiles,
// e.g. .env, local secrets, reference images) from each repo's source path
// into its freshly created worktree, after worktree creation but before
// config-file weaving. Restored from original_source's WorkspaceManager
// (copy_files_and_images), which the distilled spec omitted; it is opt-in
// per repo via the project file's copy_files list (SPEC_FULL.md §4.4).
func (m *Manager) CopyFilesAndImages(workspacePath string, repo RepoTarget, relPaths []string) error {
	for _, rel := range relPaths {
		src := filepath.Join(repo.Path, rel)
		dst := filepath.Join(workspacePath, repo.Name, rel)

		data, err := os.ReadFile(src)
		if err != nil {
			if os.IsNotExist(err) {
				continue // best-effort: a configured file that no longer exists is skipped
			}
			return fmt.Errorf("workspace: reading copy-file %s: %w", rel, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("workspace: preparing copy-file destination: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("workspace: writing copy-file %s: %w", rel, err)
		}
	}
	return nil
}
