package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/re-cinq/supervisor/internal/config"
	"github.com/re-cinq/supervisor/internal/model"
	"github.com/re-cinq/supervisor/internal/workspace"
)

// Reconcile runs the startup reconciliation steps (§5): every process that
// was Running when the previous instance died is marked Failed, missing
// before_head_commits are backfilled, log entries are materialized, orphan
// worktrees are swept, and the TTL reaper is started. It must run before any
// new execution is started.
func (s *Supervisor) Reconcile(ctx context.Context, runtime config.Runtime, liveContainerRefs map[string]bool) error {
	if err := s.reapOrphanedRunning(); err != nil {
		return err
	}
	if err := s.backfillMissingBeforeCommits(); err != nil {
		return err
	}
	if err := s.backfillLogEntries(); err != nil {
		return err
	}
	if err := s.workspaces.CleanupOrphanWorkspaces(runtime.WorkspaceBaseDir, liveContainerRefs); err != nil {
		s.log.Warn("orphan workspace sweep failed", "err", err)
	}

	if !runtime.ExpiredCleanupDisabled {
		go s.runTTLReaper(ctx, runtime)
	}
	return nil
}

// reapOrphanedRunning implements §5 step 1 (I1, I6): any ExecutionProcess
// still Running at startup belongs to a process tree that no longer exists.
func (s *Supervisor) reapOrphanedRunning() error {
	running, err := s.store.ListRunning()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, p := range running {
		if err := s.store.UpdateExecutionProcessStatus(p.ID, p.SessionID, model.ProcessFailed, nil, &now); err != nil {
			s.log.Error("reconcile: failed to mark orphaned process Failed", "process", p.ID, "err", err)
			continue
		}
		taskID, err := s.store.TaskIDForSession(p.SessionID)
		if err != nil {
			s.log.Warn("reconcile: resolving task for orphaned process failed", "process", p.ID, "err", err)
			continue
		}
		s.setTaskInReview(taskID, p.RunReason)
	}
	return nil
}

// backfillMissingBeforeCommits implements §5 step 2 (I3): any repo state
// missing a before_head_commit inherits the previous process's
// after_head_commit for that repo. When there is no previous process the
// column is left null; no other commit is used as a fallback.
func (s *Supervisor) backfillMissingBeforeCommits() error {
	missing, err := s.store.MissingBeforeContext()
	if err != nil {
		return err
	}
	for _, pair := range missing {
		processID, repoID := pair[0], pair[1]
		sessionID, err := s.store.SessionIDForProcess(processID)
		if err != nil {
			s.log.Warn("reconcile: resolving session for process failed", "process", processID, "err", err)
			continue
		}
		oid, ok, err := s.store.FindPrevAfterHeadCommit(sessionID, processID, repoID)
		if err != nil {
			s.log.Warn("reconcile: resolving prior after_head_commit failed", "process", processID, "err", err)
			continue
		}
		if !ok {
			continue // no prior process for this repo; leave null rather than guess
		}
		if err := s.store.SetBeforeHeadCommit(processID, repoID, oid); err != nil {
			s.log.Warn("reconcile: backfilling before_head_commit failed", "process", processID, "err", err)
		}
	}
	return nil
}

// backfillLogEntries implements §5 step 3 (I7): materialize structured log
// entries for every terminated process from its durable JSONL blobs.
func (s *Supervisor) backfillLogEntries() error {
	terminated, err := s.store.ListTerminated()
	if err != nil {
		return err
	}
	for _, p := range terminated {
		raw, err := s.store.FetchExecutionProcessLogBlob(p.ID, model.ChannelRaw)
		if err != nil {
			s.log.Warn("reconcile: fetching raw log blob failed", "process", p.ID, "err", err)
			continue
		}
		norm, err := s.store.FetchExecutionProcessLogBlob(p.ID, model.ChannelNormalized)
		if err != nil {
			s.log.Warn("reconcile: fetching normalized log blob failed", "process", p.ID, "err", err)
			continue
		}
		if len(raw) == 0 && len(norm) == 0 {
			continue
		}
		if err := s.store.BackfillLogEntries(p.ID, splitJSONLines(raw), splitJSONLines(norm)); err != nil {
			s.log.Warn("reconcile: backfilling log entries failed", "process", p.ID, "err", err)
		}
	}
	return nil
}

func splitJSONLines(blob []byte) []json.RawMessage {
	var out []json.RawMessage
	for _, line := range bytes.Split(blob, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || !json.Valid(line) {
			continue // blank, or a partial line left by a crash mid-append
		}
		out = append(out, json.RawMessage(append([]byte(nil), line...)))
	}
	return out
}

// runTTLReaper implements the TTL reaper (§5 "TTL reaper"): periodically
// sweep workspaces whose SetupCompletedAt predates the TTL cutoff.
func (s *Supervisor) runTTLReaper(ctx context.Context, runtime config.Runtime) {
	ticker := time.NewTicker(runtime.WorkspaceCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-runtime.WorkspaceExpiredTTL)
			candidates, err := s.expiredWorkspaceCandidates(cutoff)
			if err != nil {
				s.log.Warn("ttl reaper: listing candidates failed", "err", err)
				continue
			}
			if len(candidates) == 0 {
				continue
			}
			cleaned, err := s.workspaces.CleanupExpiredWorkspaces(cutoff, candidates)
			if err != nil {
				s.log.Warn("ttl reaper: cleanup failed", "err", err)
			}
			if len(cleaned) > 0 {
				s.log.Info("ttl reaper: cleaned expired workspaces", "count", len(cleaned))
			}
		}
	}
}

// expiredWorkspaceCandidates is a seam for the collaborator layer's
// workspace-listing query; the core ships without an opinion on how
// Workspace rows are paged, so it returns none until wired.
func (s *Supervisor) expiredWorkspaceCandidates(cutoff time.Time) ([]workspace.ExpiredWorkspace, error) {
	return nil, nil
}
