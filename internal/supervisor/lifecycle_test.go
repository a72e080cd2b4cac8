package supervisor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/gitops"
	"github.com/re-cinq/supervisor/internal/model"
	"github.com/re-cinq/supervisor/internal/outbox"
	"github.com/re-cinq/supervisor/internal/statestore"
	"github.com/re-cinq/supervisor/internal/workspace"
)

// lifecycleFixture wires a Supervisor against a real on-disk statestore, the
// minimum needed to drive StartExecution/exitMonitor/finalizeTask end to end
// without a coding-agent executor (a script action exercises startScript,
// bypassing profiles entirely).
func newLifecycleFixture(t *testing.T) (*Supervisor, *statestore.Store, model.Task, model.Workspace, model.Session) {
	t.Helper()

	store, err := statestore.Open(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { store.Close() })

	sup := New(store, gitops.New(), workspace.New(gitops.New()), outbox.NewHub(), nil, nil)

	projectID := uuid.New()
	if err := store.CreateProject(model.Project{ID: projectID, Name: "proj"}, nil, nil); err != nil {
		t.Fatalf("CreateProject: %s", err)
	}

	task := model.Task{
		ID: uuid.New(), ProjectID: projectID, Title: "do the thing",
		Status: model.TaskTodo, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %s", err)
	}

	ws := model.Workspace{
		ID: uuid.New(), TaskID: task.ID, Branch: "attempt/1",
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateWorkspace(ws, nil); err != nil {
		t.Fatalf("CreateWorkspace: %s", err)
	}

	sess := model.Session{ID: uuid.New(), WorkspaceID: ws.ID, CreatedAt: time.Now().UTC()}
	if err := store.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %s", err)
	}

	return sup, store, task, ws, sess
}

func awaitTaskStatus(t *testing.T, store *statestore.Store, taskID uuid.UUID, want model.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var got model.TaskStatus
	for time.Now().Before(deadline) {
		var err error
		got, err = store.TaskStatus(taskID)
		if err != nil {
			t.Fatalf("TaskStatus: %s", err)
		}
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s: expected status %q, still %q after deadline", taskID, want, got)
}

func TestStartExecutionSetsTaskInProgress(t *testing.T) {
	sup, store, task, ws, sess := newLifecycleFixture(t)

	action := &Action{Type: ActionScript, Script: "sleep 1", WorkingDir: t.TempDir()}
	if err := sup.StartExecution(context.Background(), ws, sess, action, model.RunSetupScript); err != nil {
		t.Fatalf("StartExecution: %s", err)
	}

	got, err := store.TaskStatus(task.ID)
	if err != nil {
		t.Fatalf("TaskStatus: %s", err)
	}
	if got != model.TaskInProgress {
		t.Fatalf("expected task status %q immediately after StartExecution, got %q", model.TaskInProgress, got)
	}
}

func TestScriptExecutionFinalizesTaskToInReview(t *testing.T) {
	sup, store, task, ws, sess := newLifecycleFixture(t)

	action := &Action{Type: ActionScript, Script: "exit 0", WorkingDir: t.TempDir()}
	if err := sup.StartExecution(context.Background(), ws, sess, action, model.RunCodingAgent); err != nil {
		t.Fatalf("StartExecution: %s", err)
	}

	awaitTaskStatus(t, store, task.ID, model.TaskInReview)
}

func TestDevServerRunReasonNeverTouchesTaskStatus(t *testing.T) {
	sup, store, task, ws, sess := newLifecycleFixture(t)

	action := &Action{Type: ActionScript, Script: "exit 0", WorkingDir: t.TempDir(), ScriptCtx: ContextDevServer}
	if err := sup.StartExecution(context.Background(), ws, sess, action, model.RunDevServer); err != nil {
		t.Fatalf("StartExecution: %s", err)
	}

	// Give the exit monitor time to finalize, then assert the task never
	// left Todo: a DevServer run must not drive Task.status in either
	// direction (§4.5.3 step 1, §4.5.5 step 7).
	time.Sleep(300 * time.Millisecond)

	got, err := store.TaskStatus(task.ID)
	if err != nil {
		t.Fatalf("TaskStatus: %s", err)
	}
	if got != model.TaskTodo {
		t.Fatalf("expected DevServer run to leave task status untouched at %q, got %q", model.TaskTodo, got)
	}
}

func TestStopExecutionSetsTaskInReview(t *testing.T) {
	sup, store, task, ws, sess := newLifecycleFixture(t)

	action := &Action{Type: ActionScript, Script: "sleep 5", WorkingDir: t.TempDir()}
	if err := sup.StartExecution(context.Background(), ws, sess, action, model.RunCodingAgent); err != nil {
		t.Fatalf("StartExecution: %s", err)
	}

	procs, err := store.ListRunning()
	if err != nil {
		t.Fatalf("ListRunning: %s", err)
	}
	if len(procs) != 1 {
		t.Fatalf("expected exactly one running process, got %d", len(procs))
	}

	if err := sup.StopExecution(procs[0].ID, true); err != nil {
		t.Fatalf("StopExecution: %s", err)
	}

	awaitTaskStatus(t, store, task.ID, model.TaskInReview)
}
