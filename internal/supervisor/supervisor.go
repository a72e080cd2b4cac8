package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/executor"
	"github.com/re-cinq/supervisor/internal/gitops"
	"github.com/re-cinq/supervisor/internal/logging"
	"github.com/re-cinq/supervisor/internal/lognormalizer"
	"github.com/re-cinq/supervisor/internal/model"
	"github.com/re-cinq/supervisor/internal/msgstore"
	"github.com/re-cinq/supervisor/internal/outbox"
	"github.com/re-cinq/supervisor/internal/statestore"
	"github.com/re-cinq/supervisor/internal/workspace"
)

// ExitPollInterval is the OS-exit poll cadence (§5 "Suspension points").
const ExitPollInterval = 250 * time.Millisecond

// InterruptGrace is how long stop_execution waits for a graceful interrupt
// before killing the process group (§4.5.6).
const InterruptGrace = 5 * time.Second

// SpawnWatchdog is the mandatory spawn timeout (§4.5.3 step 5).
const SpawnWatchdog = 30 * time.Second

// Notifier delivers a finalization notification to whatever surface the
// collaborator layer wires up (desktop notification, webhook, ...); the
// core only decides when and what to say (§4.5.5 step 7).
type Notifier interface {
	Notify(taskID uuid.UUID, text string)
}

// Supervisor is C5: it owns the process registries and drives ExecutorAction
// trees to completion.
type Supervisor struct {
	store      *statestore.Store
	git        *gitops.GitOps
	workspaces *workspace.Manager
	outboxHub  *outbox.Hub
	profiles   map[string]executor.Profile
	notifier   Notifier

	registry    *Registry
	finalize    *FinalizationTracker
	autoRetries *AutoRetryStates

	log *log.Logger
}

// New creates a Supervisor. profiles maps executor_profile_id to the
// executor.Profile implementation it should spawn.
func New(store *statestore.Store, git *gitops.GitOps, workspaces *workspace.Manager, outboxHub *outbox.Hub, profiles map[string]executor.Profile, notifier Notifier) *Supervisor {
	return &Supervisor{
		store: store, git: git, workspaces: workspaces, outboxHub: outboxHub,
		profiles: profiles, notifier: notifier,
		registry: NewRegistry(), finalize: NewFinalizationTracker(), autoRetries: NewAutoRetryStates(),
		log: logging.With("component", "supervisor"),
	}
}

// RepoSetup groups one repo's setup/cleanup scripts with whether its setup
// script may run in parallel with the others.
type RepoSetup struct {
	RepoID        uuid.UUID
	RepoName      string
	SetupScript   string
	CleanupScript string
	Parallel      bool
}

// StartWorkspace implements §4.5.2: create the workspace, open a session,
// compute the per-repo setup ordering, and spawn the resulting chain(s).
func (s *Supervisor) StartWorkspace(ctx context.Context, ws model.Workspace, path string, repos []RepoSetup, targets []workspace.RepoTarget, executorProfileID, prompt string) error {
	if _, err := s.workspaces.EnsureWorkspaceExists(containerRefOrPath(ws, path), targets, ws.Branch); err != nil {
		return fmt.Errorf("supervisor: start_workspace: %w", err)
	}

	session := model.Session{ID: uuid.New(), WorkspaceID: ws.ID, CreatedAt: time.Now().UTC()}

	agentAction := &Action{Type: ActionCodingAgentInitial, Prompt: prompt, ExecutorProfileID: executorProfileID}

	allParallel := true
	anySetup := false
	for _, r := range repos {
		if r.SetupScript != "" {
			anySetup = true
			if !r.Parallel {
				allParallel = false
			}
		}
	}

	if anySetup && allParallel {
		// Spawn each setup independently (no next_action), then the agent
		// chained to the cleanup chain separately.
		for _, r := range repos {
			if r.SetupScript == "" {
				continue
			}
			setupAction := &Action{Type: ActionScript, Script: r.SetupScript, ScriptCtx: ContextSetupScript}
			if err := s.StartExecution(ctx, ws, session, setupAction, model.RunSetupScript); err != nil {
				s.log.Warn("parallel setup failed to start", "repo", r.RepoName, "err", err)
			}
		}
		var cleanups []*Action
		for _, r := range repos {
			if r.CleanupScript == "" {
				continue
			}
			cleanups = append(cleanups, &Action{Type: ActionScript, Script: r.CleanupScript, ScriptCtx: ContextCleanupScript})
		}
		for i := 0; i+1 < len(cleanups); i++ {
			cleanups[i].NextAction = cleanups[i+1]
		}
		if len(cleanups) > 0 {
			agentAction.NextAction = cleanups[0]
		}
		return s.StartExecution(ctx, ws, session, agentAction, model.RunCodingAgent)
	}

	// Sequential chain: setup(r1) -> ... -> agent -> cleanup(r1) -> ...
	var setups, cleanups []*Action
	for _, r := range repos {
		if r.SetupScript != "" {
			setups = append(setups, &Action{Type: ActionScript, Script: r.SetupScript, ScriptCtx: ContextSetupScript})
		}
		if r.CleanupScript != "" {
			cleanups = append(cleanups, &Action{Type: ActionScript, Script: r.CleanupScript, ScriptCtx: ContextCleanupScript})
		}
	}
	root := ChainSetupThenAgentThenCleanup(setups, agentAction, cleanups)
	rootReason := model.RunCodingAgent
	if len(setups) > 0 {
		rootReason = model.RunSetupScript
	}
	return s.StartExecution(ctx, ws, session, root, rootReason)
}

// StartExecution implements §4.5.3: spawn a process for action and wire up
// its MsgStore, normalizer, and exit monitor.
func (s *Supervisor) StartExecution(ctx context.Context, ws model.Workspace, session model.Session, action *Action, runReason model.RunReason) error {
	// Step 1: Update Task.status to InProgress unless this is a DevServer run.
	if runReason != model.RunDevServer {
		if err := s.store.UpdateTaskStatus(ws.TaskID, model.TaskInProgress); err != nil {
			s.log.Warn("updating task status to in_progress failed", "task", ws.TaskID, "err", err)
		}
	}

	actionJSON, err := action.Marshal()
	if err != nil {
		return fmt.Errorf("supervisor: marshaling action: %w", err)
	}

	procID := uuid.New()
	workDir := action.WorkingDir
	if workDir == "" && ws.AgentWorkingDir != nil {
		workDir = *ws.AgentWorkingDir
	}

	proc := model.ExecutionProcess{
		ID: procID, SessionID: session.ID, RunReason: runReason,
		ExecutorAction: actionJSON, Status: model.ProcessRunning,
		WorkingDirectory: workDir, StartedAt: time.Now().UTC(),
	}

	if err := s.store.CreateExecutionProcess(proc, nil); err != nil {
		return fmt.Errorf("supervisor: creating execution process: %w", err)
	}

	if action.IsCodingAgent() {
		profile, ok := s.profiles[action.ExecutorProfileID]
		if !ok {
			return s.failStartup(procID, session.ID, ws.TaskID, workDir, fmt.Sprintf("unknown executor profile %q", action.ExecutorProfileID))
		}
		return s.startCodingAgent(ctx, procID, session.ID, ws.TaskID, workDir, action, profile, runReason)
	}

	return s.startScript(ctx, procID, session.ID, ws.TaskID, workDir, action, runReason)
}

// startCodingAgent spawns a coding-agent process via its executor.Profile.
func (s *Supervisor) startCodingAgent(ctx context.Context, procID, sessionID, taskID uuid.UUID, workDir string, action *Action, profile executor.Profile, runReason model.RunReason) error {
	spawned, err := executor.WatchdogSpawn(ctx, func(ctx context.Context) (*executor.Spawned, error) {
		if action.Type == ActionCodingAgentFollowUp {
			return profile.SpawnFollowUp(ctx, workDir, action.Prompt, action.AgentSessionID, nil)
		}
		return profile.Spawn(ctx, workDir, action.Prompt, nil)
	})
	if err != nil {
		return s.failStartup(procID, sessionID, taskID, workDir, err.Error())
	}

	store := msgstore.New()
	normalizer := profile.NormalizeLogs(store, workDir)
	go lognormalizer.DriveFromStore(context.Background(), normalizer)

	handle := &ProcessHandle{Child: spawned.Child, Store: store, Action: action, RunReason: string(runReason), SessionID: sessionID, TaskID: taskID}
	if spawned.InterruptSend != nil {
		handle.InterruptSend = spawned.InterruptSend
	}
	s.registry.Put(procID, handle)

	go s.exitMonitor(procID, sessionID, spawned, handle)
	return nil
}

// startScript spawns a ScriptRequest via a plain shell invocation (bash -c).
func (s *Supervisor) startScript(ctx context.Context, procID, sessionID, taskID uuid.UUID, workDir string, action *Action, runReason model.RunReason) error {
	store := msgstore.New()
	child, err := executor.SpawnPTY(ctx, executor.SpawnOptions{
		Command: "bash", Args: []string{"-lc", action.Script}, WorkingDir: workDir,
	}, store)
	if err != nil {
		return s.failStartup(procID, sessionID, taskID, workDir, err.Error())
	}

	handle := &ProcessHandle{Child: child, Store: store, Action: action, RunReason: string(runReason), SessionID: sessionID, TaskID: taskID}
	s.registry.Put(procID, handle)

	go s.exitMonitor(procID, sessionID, &executor.Spawned{Child: child}, handle)
	return nil
}

// failStartup marks a process Failed immediately when spawning itself fails
// (§4.5.3 "If any step after ExecutionProcess creation fails"): it pushes a
// synthetic stderr line plus a typed NormalizedEntry onto a throwaway
// MsgStore, persists both, marks the process Failed, and moves the task to
// InReview.
func (s *Supervisor) failStartup(procID, sessionID, taskID uuid.UUID, workDir, reason string) error {
	now := time.Now().UTC()

	errType := lognormalizer.ErrorOther
	if strings.Contains(strings.ToLower(reason), "not found") {
		errType = lognormalizer.ErrorSetupRequired
	}

	store := msgstore.New()
	store.PushStderr(reason)
	lognormalizer.New(store, workDir).PushError(errType, reason)
	store.PushFinished()
	s.persistLogs(procID, store)

	if err := s.store.UpdateExecutionProcessStatus(procID, sessionID, model.ProcessFailed, nil, &now); err != nil {
		s.log.Error("failed to persist startup failure", "process", procID, "err", err)
	}
	if err := s.store.UpdateTaskStatus(taskID, model.TaskInReview); err != nil {
		s.log.Error("updating task status to in_review failed", "task", taskID, "err", err)
	}

	return fmt.Errorf("supervisor: starting process: %s", reason)
}

// containerRefOrPath is a small accessor helper so StartWorkspace can work
// with a Workspace whose ContainerRef has not yet been set on first creation.
func containerRefOrPath(ws model.Workspace, fallback string) string {
	if ws.ContainerRef != nil {
		return *ws.ContainerRef
	}
	return fallback
}
