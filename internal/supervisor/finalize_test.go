package supervisor

import (
	"testing"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/model"
)

func TestCommitMessageForCodingAgentPrefersSummary(t *testing.T) {
	wsID, procID := uuid.New(), uuid.New()
	got := CommitMessageFor(model.RunCodingAgent, wsID, "Added retry logic", procID)
	if got != "Added retry logic" {
		t.Fatalf("expected turn summary to be used verbatim, got %q", got)
	}
}

func TestCommitMessageForCodingAgentFallsBackWithoutSummary(t *testing.T) {
	wsID, procID := uuid.New(), uuid.New()
	got := CommitMessageFor(model.RunCodingAgent, wsID, "", procID)
	if got == "" {
		t.Fatalf("expected a non-empty fallback commit message")
	}
}

func TestCommitMessageForCleanupScript(t *testing.T) {
	wsID, procID := uuid.New(), uuid.New()
	got := CommitMessageFor(model.RunCleanupScript, wsID, "ignored", procID)
	if got == "" || got == "ignored" {
		t.Fatalf("expected a cleanup-specific message, got %q", got)
	}
}

func TestMatchesAnyWithNoPatternsAlwaysMatches(t *testing.T) {
	if !matchesAny("anything at all", nil) {
		t.Fatalf("expected empty pattern list to match unconditionally")
	}
}

func TestMatchesAnyIsCaseInsensitive(t *testing.T) {
	if !matchesAny("Rate Limit Exceeded", []string{"rate limit"}) {
		t.Fatalf("expected case-insensitive substring match")
	}
}

func TestMatchesAnyRejectsWhenNoPatternHits(t *testing.T) {
	if matchesAny("a clean success message", []string{"timeout", "rate limit"}) {
		t.Fatalf("expected no match when none of the patterns are present")
	}
}

func TestRepoWorktreesEmptyWithoutWorkingDir(t *testing.T) {
	h := &ProcessHandle{Action: &Action{}}
	if got := h.repoWorktrees(); got != nil {
		t.Fatalf("expected nil worktrees for an action with no working dir, got %v", got)
	}
}

func TestRepoWorktreesReturnsActionWorkingDir(t *testing.T) {
	h := &ProcessHandle{Action: &Action{WorkingDir: "/tmp/worktree"}}
	got := h.repoWorktrees()
	if len(got) != 1 || got[0] != "/tmp/worktree" {
		t.Fatalf("expected a single worktree matching the action's working dir, got %v", got)
	}
}
