package statestore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateExecutionProcessWritesRowAndOutbox(t *testing.T) {
	s := openTestStore(t)

	sessionID := uuid.New()
	repoID := uuid.New()
	procID := uuid.New()

	proc := model.ExecutionProcess{
		ID: procID, SessionID: sessionID, RunReason: model.RunCodingAgent,
		ExecutorAction: []byte(`{}`), Status: model.ProcessRunning,
		WorkingDirectory: "/tmp/ws", StartedAt: time.Now().UTC(),
	}
	before := "abc123"
	repoStates := []model.ExecutionProcessRepoState{
		{ExecutionProcessID: procID, RepoID: repoID, BeforeHeadCommit: &before},
	}

	if err := s.CreateExecutionProcess(proc, repoStates); err != nil {
		t.Fatalf("CreateExecutionProcess: %s", err)
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM outbox WHERE entity_uuid = ?`, procID.String()).Scan(&count); err != nil {
		t.Fatalf("querying outbox: %s", err)
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 outbox row, got %d", count)
	}

	var procCount int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM execution_processes WHERE id = ?`, procID.String()).Scan(&procCount); err != nil {
		t.Fatalf("querying execution_processes: %s", err)
	}
	if procCount != 1 {
		t.Fatalf("expected exactly 1 execution_processes row, got %d", procCount)
	}
}

func TestDropAtAndAfterMarksLaterProcessesDropped(t *testing.T) {
	s := openTestStore(t)
	sessionID := uuid.New()

	older := insertBareProcess(t, s, sessionID, time.Now().Add(-time.Hour))
	boundary := insertBareProcess(t, s, sessionID, time.Now())
	later := insertBareProcess(t, s, sessionID, time.Now().Add(time.Hour))

	if err := s.DropAtAndAfter(sessionID, boundary); err != nil {
		t.Fatalf("DropAtAndAfter: %s", err)
	}

	assertDropped(t, s, older, false)
	assertDropped(t, s, boundary, true)
	assertDropped(t, s, later, true)
}

func insertBareProcess(t *testing.T, s *Store, sessionID uuid.UUID, startedAt time.Time) uuid.UUID {
	t.Helper()
	id := uuid.New()
	proc := model.ExecutionProcess{
		ID: id, SessionID: sessionID, RunReason: model.RunCodingAgent,
		ExecutorAction: []byte(`{}`), Status: model.ProcessCompleted,
		WorkingDirectory: "/tmp/ws", StartedAt: startedAt,
	}
	if err := s.CreateExecutionProcess(proc, nil); err != nil {
		t.Fatalf("insertBareProcess: %s", err)
	}
	return id
}

func assertDropped(t *testing.T, s *Store, id uuid.UUID, want bool) {
	t.Helper()
	var dropped int
	if err := s.db.QueryRow(`SELECT dropped FROM execution_processes WHERE id = ?`, id.String()).Scan(&dropped); err != nil {
		t.Fatalf("querying dropped: %s", err)
	}
	got := dropped != 0
	if got != want {
		t.Fatalf("process %s: expected dropped=%v, got %v", id, want, got)
	}
}

func TestFindLatestSessionByWorkspaceBreaksTiesBySmallerID(t *testing.T) {
	s := openTestStore(t)
	workspaceID := uuid.New()
	same := time.Now().UTC()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids = append(ids, id)
		_, err := s.db.Exec(
			`INSERT INTO sessions (id, workspace_id, created_at) VALUES (?, ?, ?)`,
			id.String(), workspaceID.String(), same.Format(time.RFC3339Nano),
		)
		if err != nil {
			t.Fatalf("inserting session: %s", err)
		}
	}

	latest, ok := mustLatest(t, s, workspaceID)
	if !ok {
		t.Fatalf("expected a latest session")
	}
	want := minUUID(ids)
	if latest.ID != want {
		t.Fatalf("expected tie broken by smaller id %s, got %s", want, latest.ID)
	}
}

func TestUpdateTaskStatusPersists(t *testing.T) {
	s := openTestStore(t)
	projectID := uuid.New()
	if err := s.CreateProject(model.Project{ID: projectID, Name: "proj"}, nil, nil); err != nil {
		t.Fatalf("CreateProject: %s", err)
	}
	task := model.Task{ID: uuid.New(), ProjectID: projectID, Title: "t", Status: model.TaskTodo, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %s", err)
	}

	if err := s.UpdateTaskStatus(task.ID, model.TaskInReview); err != nil {
		t.Fatalf("UpdateTaskStatus: %s", err)
	}

	var status string
	if err := s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, task.ID.String()).Scan(&status); err != nil {
		t.Fatalf("querying task status: %s", err)
	}
	if status != string(model.TaskInReview) {
		t.Fatalf("expected status %q, got %q", model.TaskInReview, status)
	}
}

func TestTaskIDForSessionResolvesThroughWorkspace(t *testing.T) {
	s := openTestStore(t)
	projectID := uuid.New()
	if err := s.CreateProject(model.Project{ID: projectID, Name: "proj"}, nil, nil); err != nil {
		t.Fatalf("CreateProject: %s", err)
	}
	task := model.Task{ID: uuid.New(), ProjectID: projectID, Title: "t", Status: model.TaskInProgress, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %s", err)
	}
	ws := model.Workspace{ID: uuid.New(), TaskID: task.ID, Branch: "attempt/1", CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	if err := s.CreateWorkspace(ws, nil); err != nil {
		t.Fatalf("CreateWorkspace: %s", err)
	}
	sess := model.Session{ID: uuid.New(), WorkspaceID: ws.ID, CreatedAt: time.Now().UTC()}
	if err := s.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession: %s", err)
	}

	got, err := s.TaskIDForSession(sess.ID)
	if err != nil {
		t.Fatalf("TaskIDForSession: %s", err)
	}
	if got != task.ID {
		t.Fatalf("expected task id %s, got %s", task.ID, got)
	}
}

func TestFindQueuedDraftIgnoresUnqueuedDrafts(t *testing.T) {
	s := openTestStore(t)
	sessionID := uuid.New()
	if _, err := s.db.Exec(
		`INSERT INTO drafts (session_id, draft_type, prompt, queued) VALUES (?, ?, ?, 0)`,
		sessionID.String(), string(model.DraftFollowUp), "not ready yet",
	); err != nil {
		t.Fatalf("inserting draft: %s", err)
	}

	draft, err := s.FindQueuedDraft(sessionID)
	if err != nil {
		t.Fatalf("FindQueuedDraft: %s", err)
	}
	if draft != nil {
		t.Fatalf("expected no queued draft, got %+v", draft)
	}
}

func TestFindQueuedDraftAndDeleteDraftRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sessionID := uuid.New()
	imgA, imgB := uuid.New(), uuid.New()
	if _, err := s.db.Exec(
		`INSERT INTO drafts (session_id, draft_type, prompt, queued, image_ids) VALUES (?, ?, ?, 1, ?)`,
		sessionID.String(), string(model.DraftFollowUp), "keep going", imgA.String()+"\n"+imgB.String(),
	); err != nil {
		t.Fatalf("inserting draft: %s", err)
	}

	draft, err := s.FindQueuedDraft(sessionID)
	if err != nil {
		t.Fatalf("FindQueuedDraft: %s", err)
	}
	if draft == nil {
		t.Fatalf("expected a queued draft")
	}
	if draft.Prompt != "keep going" || !draft.Queued {
		t.Fatalf("unexpected draft contents: %+v", draft)
	}
	if len(draft.ImageIDs) != 2 || draft.ImageIDs[0] != imgA || draft.ImageIDs[1] != imgB {
		t.Fatalf("expected both image ids to round-trip in order, got %v", draft.ImageIDs)
	}

	if err := s.DeleteDraft(sessionID, draft.DraftType); err != nil {
		t.Fatalf("DeleteDraft: %s", err)
	}

	after, err := s.FindQueuedDraft(sessionID)
	if err != nil {
		t.Fatalf("FindQueuedDraft after delete: %s", err)
	}
	if after != nil {
		t.Fatalf("expected draft to be gone after delete, got %+v", after)
	}
}

func mustLatest(t *testing.T, s *Store, workspaceID uuid.UUID) (model.Session, bool) {
	t.Helper()
	sess, ok, err := s.FindLatestSessionByWorkspace(workspaceID)
	if err != nil {
		t.Fatalf("FindLatestSessionByWorkspace: %s", err)
	}
	return sess, ok
}

func minUUID(ids []uuid.UUID) uuid.UUID {
	min := ids[0]
	for _, id := range ids[1:] {
		if id.String() < min.String() {
			min = id
		}
	}
	return min
}
