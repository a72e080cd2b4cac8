package statestore

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/re-cinq/supervisor/internal/model"
)

// CreateProject inserts a project row and its repo associations, used by
// the cmd/supervisord harness to bootstrap a project file into the state
// store on first run.
func (s *Store) CreateProject(p model.Project, repos []model.Repo, links []model.ProjectRepo) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO projects (id, name, dev_script, dev_script_working_dir, default_agent_working_dir) VALUES (?, ?, ?, ?, ?)`,
		p.ID.String(), p.Name, nullString(p.DevScript), nullString(p.DevScriptWorkingDir), nullString(p.DefaultAgentWorkingDir),
	); err != nil {
		return err
	}

	for _, r := range repos {
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO repos (id, path, name) VALUES (?, ?, ?)`,
			r.ID.String(), r.Path, r.Name,
		); err != nil {
			return err
		}
	}

	for _, l := range links {
		parallel := 0
		if l.ParallelSetupScript {
			parallel = 1
		}
		if _, err := tx.Exec(
			`INSERT OR REPLACE INTO project_repos (project_id, repo_id, setup_script, cleanup_script, copy_files, parallel_setup_script) VALUES (?, ?, ?, ?, ?, ?)`,
			l.ProjectID.String(), l.RepoID.String(), nullString(l.SetupScript), nullString(l.CleanupScript), nullStringSlice(l.CopyFiles), parallel,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateTask inserts a task row.
func (s *Store) CreateTask(t model.Task) error {
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, title, description, status, parent_workspace_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID.String(), t.ProjectID.String(), t.Title, nullString(t.Description), string(t.Status),
		nullUUID(t.ParentWorkspaceID), t.CreatedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// UpdateTaskStatus sets a task's status (monotonic per §3 — the caller is
// responsible for only moving it forward).
func (s *Store) UpdateTaskStatus(id uuid.UUID, status model.TaskStatus) error {
	_, err := s.db.Exec(
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowRFC3339(), id.String(),
	)
	return err
}

// TaskStatus reads back a task's current status.
func (s *Store) TaskStatus(id uuid.UUID) (model.TaskStatus, error) {
	var status string
	if err := s.db.QueryRow(`SELECT status FROM tasks WHERE id = ?`, id.String()).Scan(&status); err != nil {
		return "", fmt.Errorf("statestore: reading task status: %w", err)
	}
	return model.TaskStatus(status), nil
}

// CreateWorkspace inserts a workspace row plus its per-repo target-branch
// associations.
func (s *Store) CreateWorkspace(w model.Workspace, repos []model.WorkspaceRepo) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO workspaces (id, task_id, branch, container_ref, agent_working_dir, created_at, updated_at, setup_completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.TaskID.String(), w.Branch, nullString(w.ContainerRef), nullString(w.AgentWorkingDir),
		w.CreatedAt.UTC().Format(time.RFC3339Nano), w.UpdatedAt.UTC().Format(time.RFC3339Nano), nullTime(w.SetupCompletedAt),
	); err != nil {
		return err
	}

	for _, wr := range repos {
		if _, err := tx.Exec(
			`INSERT INTO workspace_repos (workspace_id, repo_id, target_branch) VALUES (?, ?, ?)`,
			wr.WorkspaceID.String(), wr.RepoID.String(), wr.TargetBranch,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// SetWorkspaceContainerRef updates a workspace's container_ref, nulling it
// on cleanup so a stale path is never reused (§3).
func (s *Store) SetWorkspaceContainerRef(id uuid.UUID, ref *string) error {
	_, err := s.db.Exec(`UPDATE workspaces SET container_ref = ?, updated_at = ? WHERE id = ?`, nullString(ref), nowRFC3339(), id.String())
	return err
}

// CreateSession inserts a session row.
func (s *Store) CreateSession(sess model.Session) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, workspace_id, executor, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID.String(), sess.WorkspaceID.String(), nullString(sess.Executor), sess.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func nullStringSlice(ss []string) any {
	if len(ss) == 0 {
		return nil
	}
	out := ss[0]
	for _, s := range ss[1:] {
		out += "\n" + s
	}
	return out
}
