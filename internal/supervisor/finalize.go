package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/executor"
	"github.com/re-cinq/supervisor/internal/gitops"
	"github.com/re-cinq/supervisor/internal/model"
	"github.com/re-cinq/supervisor/internal/msgstore"
)

// exitMonitor is the per-process exit monitor (§4.5.5): it awaits the first
// of an OS-exit poll or the executor's exit signal, then finalizes exactly
// once.
func (s *Supervisor) exitMonitor(procID, sessionID uuid.UUID, spawned *executor.Spawned, handle *ProcessHandle) {
	outcome := s.awaitExit(spawned, handle)

	if !s.finalize.Begin(procID) {
		return // another finalizer (stop_execution) already owns this process
	}
	defer s.finalize.End(procID)

	if handle.StoppedBy != "" {
		return // stop_execution already finalized this process as Killed
	}

	s.finalizeProcess(procID, sessionID, handle, outcome)
}

type exitOutcome struct {
	status   model.ProcessStatus
	exitCode *int
}

// awaitExit races the OS-exit poll against the executor's exit signal
// (§4.5.5 steps 1-2). When the signal fires first, it kills the process
// group before trusting the signaled result (covers agents that idle after
// completion).
func (s *Supervisor) awaitExit(spawned *executor.Spawned, handle *ProcessHandle) exitOutcome {
	ticker := time.NewTicker(ExitPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if handle.Child.Exited() {
				code := handle.Child.ExitCode()
				status := model.ProcessCompleted
				if code != 0 {
					status = model.ProcessFailed
				}
				return exitOutcome{status: status, exitCode: &code}
			}
		case result, ok := <-spawned.ExitSignal:
			if !ok {
				continue
			}
			_ = handle.Child.KillGroup()
			handle.Child.Wait()
			status := model.ProcessCompleted
			code := 0
			if result == executor.ExitFailure {
				status = model.ProcessFailed
				code = 1
			}
			return exitOutcome{status: status, exitCode: &code}
		}
	}
}

// finalizeProcess runs the finalization steps (§4.5.5 steps 1-10) under the
// caller's ownership of the finalization latch.
func (s *Supervisor) finalizeProcess(procID, sessionID uuid.UUID, handle *ProcessHandle, outcome exitOutcome) {
	now := time.Now().UTC()

	if handle.StoppedBy == "" {
		if err := s.store.UpdateExecutionProcessStatus(procID, sessionID, outcome.status, outcome.exitCode, &now); err != nil {
			s.log.Error("persisting terminal status failed", "process", procID, "err", err)
		}
	} else {
		outcome.status = model.ProcessStatus(handle.StoppedBy)
	}

	runReason := model.RunReason(handle.RunReason)
	action := handle.Action

	var turnSummary string
	if action.IsCodingAgent() {
		if summary, ok := s.extractSummaryIfMissing(procID, handle); ok {
			turnSummary = summary
			turn := model.CodingAgentTurn{ExecutionProcessID: procID, Summary: &summary}
			if action.Prompt != "" {
				turn.Prompt = &action.Prompt
			}
			if action.AgentSessionID != "" {
				turn.AgentSessionID = &action.AgentSessionID
			}
			if err := s.store.UpsertCodingAgentTurn(turn); err != nil {
				s.log.Warn("persisting coding agent turn failed", "process", procID, "err", err)
			}
		}
	}

	changesCommitted := false
	if outcome.status == model.ProcessCompleted || (runReason == model.RunCleanupScript && outcome.status == model.ProcessCompleted) {
		changesCommitted = s.attemptCommit(procID, sessionID, runReason, turnSummary, handle)
	}

	finalized := false
	if runReason == model.RunCodingAgent && !changesCommitted {
		s.finalizeTask(procID, handle.TaskID, handle, outcome.status)
		finalized = true
	} else if action.NextAction != nil && outcome.status == model.ProcessCompleted {
		nextReason := RunReasonFor(action, action.NextAction)
		chainWs := model.Workspace{TaskID: handle.TaskID}
		chainSession := model.Session{ID: sessionID}
		if err := s.StartExecution(context.Background(), chainWs, chainSession, action.NextAction, nextReason); err != nil {
			s.log.Error("chained action failed to start", "process", procID, "err", err)
		}
	}

	s.considerAutoRetry(procID, sessionID, runReason, outcome, handle)

	if !finalized && (action.NextAction == nil || outcome.status != model.ProcessCompleted) {
		s.finalizeTask(procID, handle.TaskID, handle, outcome.status)
	}

	s.persistLogs(procID, handle.Store)

	s.registry.Delete(procID)
	handle.Store.PushFinished()
}

// persistLogs durably saves a process's raw and normalized log streams so
// startup reconciliation can backfill execution_process_log_entries even
// after this MsgStore is garbage-collected (§4.6 "execution_process_logs").
func (s *Supervisor) persistLogs(procID uuid.UUID, store *msgstore.Store) {
	var rawBuf, normBuf bytes.Buffer
	for _, e := range store.RawEntries() {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		rawBuf.Write(line)
		rawBuf.WriteByte('\n')
	}
	for _, e := range store.NormalizedEntries() {
		normBuf.Write(e)
		normBuf.WriteByte('\n')
	}
	if rawBuf.Len() > 0 {
		if err := s.store.AppendExecutionProcessLog(procID, model.ChannelRaw, rawBuf.Bytes()); err != nil {
			s.log.Warn("persisting raw log blob failed", "process", procID, "err", err)
		}
	}
	if normBuf.Len() > 0 {
		if err := s.store.AppendExecutionProcessLog(procID, model.ChannelNormalized, normBuf.Bytes()); err != nil {
			s.log.Warn("persisting normalized log blob failed", "process", procID, "err", err)
		}
	}
}

// extractSummaryIfMissing scans JsonPatch history in reverse for the last
// assistant message and truncates it at 4096 bytes (§4.5.5 step 3).
func (s *Supervisor) extractSummaryIfMissing(procID uuid.UUID, handle *ProcessHandle) (string, bool) {
	entries := handle.Store.NormalizedEntries()
	for i := len(entries) - 1; i >= 0; i-- {
		var e struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if json.Unmarshal(entries[i], &e) == nil && e.Type == "assistant_message" {
			return truncateSummary(e.Text), true
		}
	}
	return "", false
}

func truncateSummary(s string) string {
	const limit = 4096
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}

// CommitMessageFor derives the commit message per run reason (§4.5.5 step 4).
func CommitMessageFor(runReason model.RunReason, workspaceID uuid.UUID, turnSummary string, processID uuid.UUID) string {
	switch runReason {
	case model.RunCodingAgent:
		if turnSummary != "" {
			return turnSummary
		}
		return fmt.Sprintf("Commit changes from coding agent for workspace %s", workspaceID)
	case model.RunCleanupScript:
		return fmt.Sprintf("Cleanup script changes for workspace %s", workspaceID)
	default:
		return fmt.Sprintf("Changes from execution process %s", processID)
	}
}

// attemptCommit implements the commit policy (§4.5.5 step 4): pre-flight
// has_changes on every repo, then commit each changed repo independently.
func (s *Supervisor) attemptCommit(procID, sessionID uuid.UUID, runReason model.RunReason, turnSummary string, handle *ProcessHandle) bool {
	worktrees := handle.repoWorktrees()
	if len(worktrees) == 0 {
		return false
	}

	for _, wt := range worktrees {
		if _, err := s.git.HasChanges(wt); err != nil {
			s.log.Warn("has_changes check failed; aborting commit attempt", "process", procID, "worktree", wt, "err", err)
			return false
		}
	}

	msg := CommitMessageFor(runReason, sessionID, turnSummary, procID)
	committed := false
	for _, wt := range worktrees {
		changed, err := s.git.CommitWithOptions(wt, msg, true)
		if err != nil {
			s.log.Error("commit failed for worktree", "worktree", wt, "err", err)
			continue
		}
		if changed {
			committed = true
		}
	}
	return committed
}

// repoWorktrees is a placeholder accessor until the caller threads the
// concrete worktree paths through ProcessHandle; kept as a seam so
// attemptCommit's policy logic is exercised independently of wiring.
func (h *ProcessHandle) repoWorktrees() []string {
	if h.Action.WorkingDir == "" {
		return nil
	}
	return []string{h.Action.WorkingDir}
}

// finalizeTask implements the finalization predicate (§4.5.5 step 7): set
// Task.status = InReview, resolve any queued follow-up draft (step 8), and
// notify unless Killed.
func (s *Supervisor) finalizeTask(procID, taskID uuid.UUID, handle *ProcessHandle, status model.ProcessStatus) {
	runReason := model.RunReason(handle.RunReason)
	if runReason == model.RunSetupScript && handle.Action.NextAction == nil {
		return // a parallel setup script never finalizes the task
	}
	if !s.setTaskInReview(taskID, runReason) {
		return
	}

	s.resolveQueuedFollowUp(taskID, handle, status)

	if status == model.ProcessKilled {
		return
	}
	text := "Task finished successfully."
	if status == model.ProcessFailed {
		text = "Task failed."
	}
	if s.notifier != nil {
		s.notifier.Notify(taskID, text)
	}
}

// setTaskInReview persists Task.status = InReview unless run_reason is
// DevServer, which never finalizes the task. Reports whether the
// finalization predicate held. A parallel SetupScript (one without a
// next_action) is excluded earlier, by finalizeTask.
func (s *Supervisor) setTaskInReview(taskID uuid.UUID, runReason model.RunReason) bool {
	if runReason == model.RunDevServer {
		return false
	}
	if err := s.store.UpdateTaskStatus(taskID, model.TaskInReview); err != nil {
		s.log.Error("updating task status to in_review failed", "task", taskID, "err", err)
	}
	return true
}

// resolveQueuedFollowUp implements §4.5.5 step 8 / §8's boundary behavior: a
// session's queued follow-up draft is consumed into a new execution when the
// finalizing process Completed, and discarded (without starting anything) on
// Failed or Killed.
func (s *Supervisor) resolveQueuedFollowUp(taskID uuid.UUID, handle *ProcessHandle, status model.ProcessStatus) {
	draft, err := s.store.FindQueuedDraft(handle.SessionID)
	if err != nil {
		s.log.Warn("resolving queued draft failed", "session", handle.SessionID, "err", err)
		return
	}
	if draft == nil {
		return
	}
	if err := s.store.DeleteDraft(handle.SessionID, draft.DraftType); err != nil {
		s.log.Warn("deleting consumed draft failed", "session", handle.SessionID, "err", err)
	}
	if status != model.ProcessCompleted {
		return // Failed/Killed: the queued draft is discarded, never consumed
	}

	followUpType := ActionCodingAgentFollowUp
	agentSessionID, hasAgentSession := handle.Store.SessionID()
	if !hasAgentSession {
		followUpType = ActionCodingAgentInitial
	}
	followUp := &Action{
		Type: followUpType, Prompt: draft.Prompt,
		ExecutorProfileID: handle.Action.ExecutorProfileID, WorkingDir: handle.Action.WorkingDir,
	}
	if hasAgentSession {
		followUp.AgentSessionID = agentSessionID
	}

	ws := model.Workspace{TaskID: taskID}
	session := model.Session{ID: handle.SessionID}
	if err := s.StartExecution(context.Background(), ws, session, followUp, model.RunCodingAgent); err != nil {
		s.log.Error("starting queued follow-up failed", "session", handle.SessionID, "err", err)
	}
}

// considerAutoRetry implements §4.5.7.
func (s *Supervisor) considerAutoRetry(procID, sessionID uuid.UUID, runReason model.RunReason, outcome exitOutcome, handle *ProcessHandle) {
	if runReason != model.RunCodingAgent || outcome.status != model.ProcessFailed {
		return
	}
	profile, ok := s.profiles[handle.Action.ExecutorProfileID]
	if !ok {
		return
	}
	cfg := profile.AutoRetryConfig()
	if !cfg.Enabled {
		return
	}

	blob := errorBlob(handle)
	if blob == "" {
		return
	}
	if !matchesAny(blob, cfg.ErrorPatterns) {
		return
	}

	attempt := s.autoRetries.Attempt(procID)
	if attempt >= cfg.MaxAttempts {
		return
	}

	handle.Store.PushStdout(fmt.Sprintf("Auto retry scheduled in %ds (attempt %d/%d)", cfg.DelaySeconds, attempt+1, cfg.MaxAttempts))

	go s.performAutoRetry(procID, sessionID, attempt, cfg, handle)
}

func errorBlob(handle *ProcessHandle) string {
	var b strings.Builder
	for _, raw := range handle.Store.NormalizedEntries() {
		text := string(raw)
		lower := strings.ToLower(text)
		if strings.Contains(text, `"type":"error_message"`) || strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
			b.WriteString(text)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func matchesAny(blob string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	lower := strings.ToLower(blob)
	for _, p := range patterns {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// performAutoRetry implements §4.5.7 steps 5b-5f: restore the process's one
// worktree (repoWorktrees) to a before_head_commit recorded for the failed
// process, if any, drop the failed process and anything after it, then start
// a replacement coding-agent execution. Other repos of the workspace are not
// restored, and the replacement's turn does not record RetryOf.
func (s *Supervisor) performAutoRetry(procID, sessionID uuid.UUID, attempt int, cfg executor.AutoRetryConfig, handle *ProcessHandle) {
	time.Sleep(time.Duration(cfg.DelaySeconds) * time.Second)

	if s.registry.HasLiveSessionProcess(sessionID) {
		return // a new process has started in the session while sleeping: abort
	}

	beforeCommits, err := s.store.BeforeHeadCommits(procID)
	if err != nil {
		s.log.Warn("auto retry: fetching before_head_commits failed", "process", procID, "err", err)
	}
	for _, wt := range handle.repoWorktrees() {
		for _, oid := range beforeCommits {
			opts := gitops.ReconcileOptions{PerformGitReset: true, ForceWhenDirty: false}
			if err := s.git.ReconcileWorktreeToCommit(wt, oid, opts); err != nil {
				s.log.Warn("auto retry: reconciling worktree failed", "worktree", wt, "err", err)
			}
			break // single-worktree processes have exactly one before_head_commit
		}
	}

	if err := s.store.DropAtAndAfter(sessionID, procID); err != nil {
		s.log.Error("auto retry: dropping failed process failed", "process", procID, "err", err)
		return
	}

	retryAction := &Action{
		Type: ActionCodingAgentFollowUp, Prompt: handle.Action.Prompt,
		ExecutorProfileID: handle.Action.ExecutorProfileID, WorkingDir: handle.Action.WorkingDir,
	}
	if sid, ok := handle.Store.SessionID(); ok {
		retryAction.AgentSessionID = sid
	}

	newProcID := uuid.New()
	s.autoRetries.Record(newProcID, attempt+1)

	ws := model.Workspace{TaskID: handle.TaskID}
	session := model.Session{ID: sessionID}
	if err := s.StartExecution(context.Background(), ws, session, retryAction, model.RunCodingAgent); err != nil {
		s.log.Error("auto retry: starting replacement process failed", "err", err)
	}
}
