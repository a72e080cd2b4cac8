// Package model defines the relational entities of the execution core:
// projects, repos, tasks, workspaces, sessions, execution processes and
// their repo-state brackets, coding-agent turns, logs, drafts and the
// outbox. See §3 of the specification for the full invariant list.
package model

import (
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the status lattice a Task.Status moves through monotonically,
// driven only by execution-process events (never by a concurrent writer
// while a process of that task is Running).
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskInReview   TaskStatus = "in_review"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// RunReason classifies why an ExecutionProcess was started.
type RunReason string

const (
	RunSetupScript   RunReason = "setup_script"
	RunCleanupScript RunReason = "cleanup_script"
	RunCodingAgent   RunReason = "coding_agent"
	RunDevServer     RunReason = "dev_server"
)

// ProcessStatus is the terminal/non-terminal state of a supervised child.
type ProcessStatus string

const (
	ProcessRunning   ProcessStatus = "running"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
	ProcessKilled    ProcessStatus = "killed"
)

// IsTerminal reports whether the status is one of the three terminal states.
func (s ProcessStatus) IsTerminal() bool {
	return s == ProcessCompleted || s == ProcessFailed || s == ProcessKilled
}

// Project groups repositories and scripts. Created by the collaborator
// API; immutable from the core's perspective except for the working-dir
// and dev-script fields.
type Project struct {
	ID                     uuid.UUID
	Name                   string
	DevScript              *string
	DevScriptWorkingDir    *string
	DefaultAgentWorkingDir *string
}

// Repo is an on-disk git repository. Name is the filesystem-safe slug used
// as the worktree subdirectory.
type Repo struct {
	ID   uuid.UUID
	Path string
	Name string
}

// ProjectRepo is the per-repo script configuration within a project.
type ProjectRepo struct {
	ProjectID          uuid.UUID
	RepoID             uuid.UUID
	SetupScript        *string
	CleanupScript      *string
	CopyFiles          []string
	ParallelSetupScript bool
}

// Task is a unit of work belonging to a project.
type Task struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	Title             string
	Description       *string
	Status            TaskStatus
	ParentWorkspaceID *uuid.UUID
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ParentTask reports the parent workspace id, if this task was spawned as
// a sub-task of another attempt's agent (restored from the original Rust
// model; the core never sets this itself, but round-trips it faithfully).
func (t *Task) ParentTask() *uuid.UUID {
	return t.ParentWorkspaceID
}

// Workspace is one concrete attempt at a task, backed by a composite
// worktree across the task's repos. ContainerRef is nulled on cleanup so a
// stale path is never reused.
type Workspace struct {
	ID                uuid.UUID
	TaskID            uuid.UUID
	Branch            string
	ContainerRef      *string
	AgentWorkingDir   *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	SetupCompletedAt  *time.Time
}

// WorkspaceRepo is one repository participating in a workspace.
type WorkspaceRepo struct {
	WorkspaceID  uuid.UUID
	RepoID       uuid.UUID
	TargetBranch string
}

// Session is a conversational context. A workspace may have multiple
// sessions over its lifetime; at most one is "latest" (max CreatedAt, ties
// broken by smaller ID — see LatestSession).
type Session struct {
	ID          uuid.UUID
	WorkspaceID uuid.UUID
	Executor    *string
	CreatedAt   time.Time
}

// LatestSession returns the session with the maximum CreatedAt among sessions,
// breaking ties by the smaller ID (invariant I5).
func LatestSession(sessions []Session) (Session, bool) {
	var best Session
	found := false
	for _, s := range sessions {
		if !found {
			best, found = s, true
			continue
		}
		if s.CreatedAt.After(best.CreatedAt) {
			best = s
		} else if s.CreatedAt.Equal(best.CreatedAt) && idLess(s.ID, best.ID) {
			best = s
		}
	}
	return best, found
}

func idLess(a, b uuid.UUID) bool {
	return a.String() < b.String()
}

// ExecutionProcess is a supervised child process run: a script, a coding
// agent, or a dev server.
type ExecutionProcess struct {
	ID              uuid.UUID
	SessionID       uuid.UUID
	RunReason       RunReason
	ExecutorAction  []byte // JSON-encoded ExecutorAction tree
	Status          ProcessStatus
	ExitCode        *int
	PID             *int
	WorkingDirectory string
	Dropped         bool
	StartedAt       time.Time
	CompletedAt     *time.Time
}

// ExecutionProcessRepoState brackets a process's mutation of one repo with
// before/after HEAD commits, used for diffs, rollback and auto-retry.
type ExecutionProcessRepoState struct {
	ExecutionProcessID uuid.UUID
	RepoID             uuid.UUID
	BeforeHeadCommit   *string
	AfterHeadCommit    *string
	MergeCommit        *string
}

// CodingAgentTurn is the durable conversational identifier an agent reports
// plus the post-hoc extracted summary. RetryOf restores the original Rust
// model's lineage field; the store persists it, but no code in this module
// sets it, so an auto-retry's replacement turn does not record the turn it
// replaced.
type CodingAgentTurn struct {
	ExecutionProcessID uuid.UUID
	AgentSessionID     *string
	Prompt             *string
	Summary            *string
	RetryOf            *uuid.UUID
}

// LogChannel distinguishes the raw and normalized entry streams of a
// process's log.
type LogChannel string

const (
	ChannelRaw        LogChannel = "raw"
	ChannelNormalized LogChannel = "normalized"
)

// ExecutionProcessLog is an append-only JSONL blob of raw LogMsg lines. A
// process may accumulate more than one row as output streams in.
type ExecutionProcessLog struct {
	ExecutionProcessID uuid.UUID
	Logs               []byte
	ByteSize           int64
	InsertedAt         time.Time
}

// ExecutionProcessLogEntry is a materialized structured entry, unique per
// (process, channel, index).
type ExecutionProcessLogEntry struct {
	ExecutionProcessID uuid.UUID
	Channel            LogChannel
	EntryIndex         int
	EntryJSON          []byte
}

// DraftType distinguishes what kind of pending follow-up buffer a draft is.
type DraftType string

const (
	DraftFollowUp DraftType = "follow_up"
)

// Draft is the pending follow-up buffer for a session. Queued is the flag
// the supervisor consumes after a successful run.
type Draft struct {
	SessionID uuid.UUID
	DraftType DraftType
	Prompt    string
	Queued    bool
	Sending   bool
	Variant   *string
	ImageIDs  []uuid.UUID
	Version   int
}
