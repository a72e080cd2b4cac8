package gitops

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

func readWorktreeFile(worktreePath, rel string) (string, error) {
	data, err := os.ReadFile(filepath.Join(worktreePath, rel))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DiffSummary is the result of GetWorktreeDiffSummary.
type DiffSummary struct {
	FileCount  int
	Added      int
	Deleted    int
	TotalBytes int
}

// GetWorktreeDiffSummary scans the working tree plus index of worktreePath
// against baseCommit and returns aggregate counts. pathPrefix, if
// non-empty, restricts the scan to paths under that prefix.
//
// Tracked files are counted by scanning the "+"/"-" lines inside each
// file's "@@ ... @@" hunks (countUnifiedHunkLines); untracked files, which
// "git diff <base>" does not list, are counted with go-diff's line-mode
// Myers diff against an empty file (ClassifyLines).
func (g *GitOps) GetWorktreeDiffSummary(worktreePath, baseCommit, pathPrefix string) (DiffSummary, error) {
	args := []string{"diff", baseCommit, "--"}
	if pathPrefix != "" {
		args = append(args, pathPrefix)
	}
	raw, err := g.run(worktreePath, args...)
	if err != nil {
		return DiffSummary{}, err
	}

	var summary DiffSummary
	if raw != "" {
		files := splitUnifiedDiff(raw)
		summary.FileCount = len(files)
		for _, f := range files {
			added, deleted := countUnifiedHunkLines(f)
			summary.Added += added
			summary.Deleted += deleted
			summary.TotalBytes += len(f)
		}
	}

	untrackedAdded, untrackedFiles, err := g.scanUntrackedFiles(worktreePath, pathPrefix)
	if err == nil {
		summary.Added += untrackedAdded
		summary.FileCount += untrackedFiles
	}

	return summary, nil
}

// scanUntrackedFiles counts lines in untracked files (which never appear
// in "git diff <base>" output) as pure additions, using ClassifyLines
// against an empty "before" so the same line-accounting code path handles
// both tracked and untracked content.
func (g *GitOps) scanUntrackedFiles(worktreePath, pathPrefix string) (added, fileCount int, err error) {
	args := []string{"ls-files", "--others", "--exclude-standard"}
	if pathPrefix != "" {
		args = append(args, "--", pathPrefix)
	}
	out, err := g.run(worktreePath, args...)
	if err != nil || out == "" {
		return 0, 0, err
	}
	for _, rel := range strings.Split(out, "\n") {
		if rel == "" {
			continue
		}
		contents, readErr := readWorktreeFile(worktreePath, rel)
		if readErr != nil {
			continue
		}
		a, _ := ClassifyLines("", contents)
		added += a
		fileCount++
	}
	return added, fileCount, nil
}

// FileDiffPolicy controls whether GetDiffs includes file contents.
type FileDiffPolicy int

const (
	DiffFull FileDiffPolicy = iota
	DiffOmitContents
)

// FileDiff is one file's change in a diff listing.
type FileDiff struct {
	Path     string
	OldPath  string // set only for renames
	Added    int
	Deleted  int
	Contents string // empty when policy is DiffOmitContents
}

// GetDiffs returns the per-file diff of target (a commit range like
// "base..head" or a single ref compared to the worktree) filtered by
// pathFilter (empty = all paths).
func (g *GitOps) GetDiffs(ctx context.Context, worktreePath, target, pathFilter string, policy FileDiffPolicy) ([]FileDiff, error) {
	args := []string{"diff", target, "--"}
	if pathFilter != "" {
		args = append(args, pathFilter)
	}
	raw, err := g.ctxRun(ctx, worktreePath, args...)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, nil
	}

	var diffs []FileDiff
	for _, chunk := range splitUnifiedDiff(raw) {
		path, oldPath := parseDiffHeader(chunk)
		added, deleted := countUnifiedHunkLines(chunk)
		fd := FileDiff{Path: path, OldPath: oldPath, Added: added, Deleted: deleted}
		if policy == DiffFull {
			fd.Contents = chunk
		}
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

// splitUnifiedDiff splits a multi-file "git diff" blob into per-file chunks
// on the "diff --git" boundary.
func splitUnifiedDiff(raw string) []string {
	lines := strings.Split(raw, "\n")
	var files []string
	var cur []string
	flush := func() {
		if len(cur) > 0 {
			files = append(files, strings.Join(cur, "\n"))
			cur = nil
		}
	}
	for _, line := range lines {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
		}
		cur = append(cur, line)
	}
	flush()
	return files
}

// parseDiffHeader extracts the current (and, for renames, prior) path from
// a single file's "diff --git a/x b/y" header line.
func parseDiffHeader(chunk string) (path, oldPath string) {
	for _, line := range strings.Split(chunk, "\n") {
		if strings.HasPrefix(line, "+++ b/") {
			path = strings.TrimPrefix(line, "+++ b/")
		}
		if strings.HasPrefix(line, "--- a/") {
			candidate := strings.TrimPrefix(line, "--- a/")
			if candidate != path && candidate != "/dev/null" {
				oldPath = candidate
			}
		}
	}
	return path, oldPath
}

// countUnifiedHunkLines counts added/deleted lines within "@@ ... @@"
// hunks of a single-file unified diff chunk by their "+"/"-" line prefix;
// lines starting with "+++" or "---" are skipped.
func countUnifiedHunkLines(chunk string) (added, deleted int) {
	inHunk := false
	for _, line := range strings.Split(chunk, "\n") {
		switch {
		case strings.HasPrefix(line, "@@"):
			inHunk = true
		case !inHunk:
			continue
		case strings.HasPrefix(line, "+++") || strings.HasPrefix(line, "---"):
			continue
		case strings.HasPrefix(line, "+"):
			added++
		case strings.HasPrefix(line, "-"):
			deleted++
		}
	}
	return added, deleted
}

// ClassifyLines diffs two arbitrary text blobs line-by-line and returns
// added/deleted counts. Used as a fallback by GetWorktreeDiffSummary for
// untracked files, where "git diff" against baseCommit produces no
// "a/..." side to hunk against but the file still has content to count.
func ClassifyLines(before, after string) (added, deleted int) {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	for _, d := range diffs {
		count := strings.Count(d.Text, "\n")
		if !strings.HasSuffix(d.Text, "\n") && d.Text != "" {
			count++
		}
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			added += count
		case diffmatchpatch.DiffDelete:
			deleted += count
		}
	}
	return added, deleted
}
