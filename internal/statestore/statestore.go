// Package statestore implements the StateStore (C6, §4.6): a transactional
// relational store over a pure-Go SQLite engine, enforcing the uniqueness
// invariants of §3 and providing the accessor/backfill operations the
// Supervisor and startup reconciliation depend on. Grounded on
// cloudshipai-station's internal/db/db.go (modernc.org/sqlite, no cgo).
package statestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/re-cinq/supervisor/internal/model"
	"github.com/re-cinq/supervisor/internal/outbox"
)

// Store wraps a *sql.DB with the domain operations C5/C6 need.
type Store struct {
	db *sql.DB

	// backfilled memoizes which execution process ids have already had
	// their log entries backfilled (§4.6 "idempotent and memoized per
	// process id").
	backfilled map[uuid.UUID]bool
}

// Open opens (creating if absent) a SQLite database at path and applies the
// idempotent schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("statestore: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: serialize writers, matches the teacher's conservative single-writer posture
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("statestore: applying schema: %w", err)
	}
	return &Store{db: db, backfilled: make(map[uuid.UUID]bool)}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func nowRFC3339() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullInt(i *int) any {
	if i == nil {
		return nil
	}
	return *i
}

// CreateExecutionProcess inserts an ExecutionProcess plus its per-repo
// ExecutionProcessRepoState rows and the outbox row describing its creation,
// all in one transaction (§4.5.3 step 2-3, §4.6 "atomic create_execution_process").
func (s *Store) CreateExecutionProcess(p model.ExecutionProcess, repoStates []model.ExecutionProcessRepoState) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO execution_processes (id, session_id, run_reason, executor_action, status, exit_code, pid, working_directory, dropped, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.SessionID.String(), string(p.RunReason), string(p.ExecutorAction),
		string(p.Status), nullInt(p.ExitCode), nullInt(p.PID), p.WorkingDirectory,
		boolToInt(p.Dropped), p.StartedAt.UTC().Format(time.RFC3339Nano), nullTime(p.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("statestore: inserting execution_process: %w", err)
	}

	for _, rs := range repoStates {
		_, err = tx.Exec(
			`INSERT INTO execution_process_repo_states (execution_process_id, repo_id, before_head_commit, after_head_commit, merge_commit)
			 VALUES (?, ?, ?, ?, ?)`,
			rs.ExecutionProcessID.String(), rs.RepoID.String(),
			nullString(rs.BeforeHeadCommit), nullString(rs.AfterHeadCommit), nullString(rs.MergeCommit),
		)
		if err != nil {
			return fmt.Errorf("statestore: inserting repo state: %w", err)
		}
	}

	payload, _ := json.Marshal(outbox.ProcessPayload{ProcessID: p.ID, SessionID: p.SessionID})
	if err := insertOutbox(tx, outbox.EventExecutionProcessCreated, outbox.EntityExecutionProcess, p.ID, payload); err != nil {
		return err
	}

	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func insertOutbox(tx *sql.Tx, eventType outbox.EventType, entityType outbox.EntityType, entityID uuid.UUID, payload []byte) error {
	_, err := tx.Exec(
		`INSERT INTO outbox (event_type, entity_type, entity_uuid, payload_json, created_at, attempts) VALUES (?, ?, ?, ?, ?, 0)`,
		string(eventType), string(entityType), entityID.String(), string(payload), nowRFC3339(),
	)
	if err != nil {
		return fmt.Errorf("statestore: inserting outbox row: %w", err)
	}
	return nil
}

// UpdateExecutionProcessStatus persists a status/exit_code/completed_at
// transition and emits ExecutionProcessUpdated in the same transaction
// (§5 ordering guarantees).
func (s *Store) UpdateExecutionProcessStatus(id uuid.UUID, sessionID uuid.UUID, status model.ProcessStatus, exitCode *int, completedAt *time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`UPDATE execution_processes SET status = ?, exit_code = ?, completed_at = ? WHERE id = ?`,
		string(status), nullInt(exitCode), nullTime(completedAt), id.String(),
	)
	if err != nil {
		return fmt.Errorf("statestore: updating execution_process status: %w", err)
	}

	payload, _ := json.Marshal(outbox.ProcessPayload{ProcessID: id, SessionID: sessionID})
	if err := insertOutbox(tx, outbox.EventExecutionProcessUpdated, outbox.EntityExecutionProcess, id, payload); err != nil {
		return err
	}

	return tx.Commit()
}

// DropAtAndAfter sets dropped=true on every non-dropped process in
// sessionID with started_at >= boundary's started_at, emitting one outbox
// event per row (§4.6).
func (s *Store) DropAtAndAfter(sessionID, boundaryProcessID uuid.UUID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var boundaryStartedAt string
	if err := tx.QueryRow(`SELECT started_at FROM execution_processes WHERE id = ?`, boundaryProcessID.String()).Scan(&boundaryStartedAt); err != nil {
		return fmt.Errorf("statestore: looking up boundary process: %w", err)
	}

	rows, err := tx.Query(
		`SELECT id FROM execution_processes WHERE session_id = ? AND dropped = 0 AND started_at >= ?`,
		sessionID.String(), boundaryStartedAt,
	)
	if err != nil {
		return err
	}
	var ids []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			rows.Close()
			return err
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.Exec(`UPDATE execution_processes SET dropped = 1 WHERE id = ?`, id.String()); err != nil {
			return err
		}
		payload, _ := json.Marshal(outbox.ProcessPayload{ProcessID: id, SessionID: sessionID})
		if err := insertOutbox(tx, outbox.EventExecutionProcessUpdated, outbox.EntityExecutionProcess, id, payload); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// FindPrevAfterHeadCommit returns the previous process's after_head_commit
// for repoID in sessionID, ordered by started_at DESC, excluding boundary
// itself and anything at or after it.
func (s *Store) FindPrevAfterHeadCommit(sessionID, boundaryProcessID, repoID uuid.UUID) (string, bool, error) {
	var boundaryStartedAt string
	if err := s.db.QueryRow(`SELECT started_at FROM execution_processes WHERE id = ?`, boundaryProcessID.String()).Scan(&boundaryStartedAt); err != nil {
		return "", false, fmt.Errorf("statestore: looking up boundary process: %w", err)
	}

	var oid sql.NullString
	err := s.db.QueryRow(
		`SELECT rs.after_head_commit
		 FROM execution_process_repo_states rs
		 JOIN execution_processes p ON p.id = rs.execution_process_id
		 WHERE p.session_id = ? AND rs.repo_id = ? AND p.started_at < ? AND p.dropped = 0
		 ORDER BY p.started_at DESC LIMIT 1`,
		sessionID.String(), repoID.String(), boundaryStartedAt,
	).Scan(&oid)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !oid.Valid {
		return "", false, nil
	}
	return oid.String, true, nil
}

// MissingBeforeContext returns (process_id, repo_id) pairs where
// after_head_commit is set but before_head_commit is not, for backfill.
func (s *Store) MissingBeforeContext() ([][2]uuid.UUID, error) {
	rows, err := s.db.Query(
		`SELECT execution_process_id, repo_id FROM execution_process_repo_states
		 WHERE after_head_commit IS NOT NULL AND before_head_commit IS NULL`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][2]uuid.UUID
	for rows.Next() {
		var procStr, repoStr string
		if err := rows.Scan(&procStr, &repoStr); err != nil {
			return nil, err
		}
		proc, err := uuid.Parse(procStr)
		if err != nil {
			return nil, err
		}
		repo, err := uuid.Parse(repoStr)
		if err != nil {
			return nil, err
		}
		out = append(out, [2]uuid.UUID{proc, repo})
	}
	return out, nil
}

// BeforeHeadCommits returns every repo's before_head_commit recorded for
// processID, used by auto-retry to restore worktrees to their pre-turn
// state.
func (s *Store) BeforeHeadCommits(processID uuid.UUID) (map[uuid.UUID]string, error) {
	rows, err := s.db.Query(
		`SELECT repo_id, before_head_commit FROM execution_process_repo_states WHERE execution_process_id = ? AND before_head_commit IS NOT NULL`,
		processID.String(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]string)
	for rows.Next() {
		var repoStr, oid string
		if err := rows.Scan(&repoStr, &oid); err != nil {
			return nil, err
		}
		repoID, err := uuid.Parse(repoStr)
		if err != nil {
			return nil, err
		}
		out[repoID] = oid
	}
	return out, rows.Err()
}

// SessionIDForProcess looks up the session a process belongs to, used by
// reconciliation to resolve FindPrevAfterHeadCommit's session scope.
func (s *Store) SessionIDForProcess(processID uuid.UUID) (uuid.UUID, error) {
	var sessionStr string
	if err := s.db.QueryRow(`SELECT session_id FROM execution_processes WHERE id = ?`, processID.String()).Scan(&sessionStr); err != nil {
		return uuid.Nil, fmt.Errorf("statestore: looking up session for process: %w", err)
	}
	return uuid.Parse(sessionStr)
}

// TaskIDForSession resolves the owning Task.id for sessionID. Sessions carry
// no task_id column directly, so this joins through the session's workspace.
func (s *Store) TaskIDForSession(sessionID uuid.UUID) (uuid.UUID, error) {
	var taskStr string
	err := s.db.QueryRow(
		`SELECT w.task_id FROM sessions s JOIN workspaces w ON w.id = s.workspace_id WHERE s.id = ?`,
		sessionID.String(),
	).Scan(&taskStr)
	if err != nil {
		return uuid.Nil, fmt.Errorf("statestore: resolving task for session: %w", err)
	}
	return uuid.Parse(taskStr)
}

// FindQueuedDraft returns the queued follow-up draft for sessionID, if any
// (§4.5.5 step 8). A draft with queued = 0 (still being composed) or no
// row at all both report (nil, nil).
func (s *Store) FindQueuedDraft(sessionID uuid.UUID) (*model.Draft, error) {
	row := s.db.QueryRow(
		`SELECT prompt, sending, variant, image_ids, version
		 FROM drafts WHERE session_id = ? AND draft_type = ? AND queued = 1`,
		sessionID.String(), string(model.DraftFollowUp),
	)
	var prompt string
	var sending int
	var variant, imageIDs sql.NullString
	var version int
	if err := row.Scan(&prompt, &sending, &variant, &imageIDs, &version); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("statestore: finding queued draft: %w", err)
	}
	d := &model.Draft{
		SessionID: sessionID, DraftType: model.DraftFollowUp, Prompt: prompt,
		Queued: true, Sending: sending != 0, Version: version,
	}
	if variant.Valid {
		v := variant.String
		d.Variant = &v
	}
	for _, idStr := range splitStringSlice(imageIDs) {
		if id, err := uuid.Parse(idStr); err == nil {
			d.ImageIDs = append(d.ImageIDs, id)
		}
	}
	return d, nil
}

// DeleteDraft removes the draft row for (sessionID, draftType), used both
// when a queued draft is consumed into a follow-up execution and when it is
// discarded on a Killed/Failed finalization (§4.5.5 step 8, §8).
func (s *Store) DeleteDraft(sessionID uuid.UUID, draftType model.DraftType) error {
	_, err := s.db.Exec(`DELETE FROM drafts WHERE session_id = ? AND draft_type = ?`, sessionID.String(), string(draftType))
	return err
}

func splitStringSlice(ns sql.NullString) []string {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return strings.Split(ns.String, "\n")
}

// SetBeforeHeadCommit backfills a repo state's before_head_commit.
func (s *Store) SetBeforeHeadCommit(processID, repoID uuid.UUID, oid string) error {
	_, err := s.db.Exec(
		`UPDATE execution_process_repo_states SET before_head_commit = ? WHERE execution_process_id = ? AND repo_id = ?`,
		oid, processID.String(), repoID.String(),
	)
	return err
}

// FindLatestSessionByWorkspace returns the session with the greatest
// created_at for workspaceID (ties broken by smaller id), honoring
// model.LatestSession's semantics (invariant I5).
func (s *Store) FindLatestSessionByWorkspace(workspaceID uuid.UUID) (model.Session, bool, error) {
	rows, err := s.db.Query(`SELECT id, workspace_id, executor, created_at FROM sessions WHERE workspace_id = ?`, workspaceID.String())
	if err != nil {
		return model.Session{}, false, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		var idStr, wsStr, createdAt string
		var executor sql.NullString
		if err := rows.Scan(&idStr, &wsStr, &executor, &createdAt); err != nil {
			return model.Session{}, false, err
		}
		id, _ := uuid.Parse(idStr)
		ws, _ := uuid.Parse(wsStr)
		t, _ := time.Parse(time.RFC3339Nano, createdAt)
		var execPtr *string
		if executor.Valid {
			v := executor.String
			execPtr = &v
		}
		sessions = append(sessions, model.Session{ID: id, WorkspaceID: ws, Executor: execPtr, CreatedAt: t})
	}
	return model.LatestSession(sessions)
}

// ListRunning returns every ExecutionProcess currently recorded as Running,
// for startup reconciliation (§5 "Startup reconciliation" step 1).
func (s *Store) ListRunning() ([]model.ExecutionProcess, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, run_reason, executor_action, status, exit_code, pid, working_directory, dropped, started_at, completed_at
		 FROM execution_processes WHERE status = ?`, string(model.ProcessRunning),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

// ListTerminated returns every ExecutionProcess in a terminal state, used by
// log-entry backfill at startup.
func (s *Store) ListTerminated() ([]model.ExecutionProcess, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, run_reason, executor_action, status, exit_code, pid, working_directory, dropped, started_at, completed_at
		 FROM execution_processes WHERE status IN (?, ?, ?)`,
		string(model.ProcessCompleted), string(model.ProcessFailed), string(model.ProcessKilled),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanProcesses(rows)
}

func scanProcesses(rows *sql.Rows) ([]model.ExecutionProcess, error) {
	var out []model.ExecutionProcess
	for rows.Next() {
		var idStr, sessStr, runReason, action, status, workDir, startedAt string
		var exitCode, pid sql.NullInt64
		var dropped int
		var completedAt sql.NullString
		if err := rows.Scan(&idStr, &sessStr, &runReason, &action, &status, &exitCode, &pid, &workDir, &dropped, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		id, _ := uuid.Parse(idStr)
		sess, _ := uuid.Parse(sessStr)
		started, _ := time.Parse(time.RFC3339Nano, startedAt)

		p := model.ExecutionProcess{
			ID: id, SessionID: sess, RunReason: model.RunReason(runReason),
			ExecutorAction: []byte(action), Status: model.ProcessStatus(status),
			WorkingDirectory: workDir, Dropped: dropped != 0, StartedAt: started,
		}
		if exitCode.Valid {
			v := int(exitCode.Int64)
			p.ExitCode = &v
		}
		if pid.Valid {
			v := int(pid.Int64)
			p.PID = &v
		}
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			p.CompletedAt = &t
		}
		out = append(out, p)
	}
	return out, nil
}

// BackfillLogEntries parses a process's JSONL log blob once into raw and
// normalized entries and upserts them under unique (process, channel,
// index), skipping processes already backfilled this run (§4.6, idempotent
// and memoized per process id).
func (s *Store) BackfillLogEntries(processID uuid.UUID, rawEntries []json.RawMessage, normEntries []json.RawMessage) error {
	if s.backfilled[processID] {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, e := range rawEntries {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO execution_process_log_entries (execution_process_id, channel, entry_index, entry_json) VALUES (?, ?, ?, ?)`,
			processID.String(), string(model.ChannelRaw), i, string(e),
		); err != nil {
			return err
		}
	}
	for i, e := range normEntries {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO execution_process_log_entries (execution_process_id, channel, entry_index, entry_json) VALUES (?, ?, ?, ?)`,
			processID.String(), string(model.ChannelNormalized), i, string(e),
		); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.backfilled[processID] = true
	return nil
}

// UpsertCodingAgentTurn records or updates the conversational identifier
// and post-hoc summary for a coding-agent process (restores the original
// system's CodingAgentTurn/RetryOf lineage field, §4.5.5 step 3).
func (s *Store) UpsertCodingAgentTurn(t model.CodingAgentTurn) error {
	_, err := s.db.Exec(
		`INSERT INTO coding_agent_turns (execution_process_id, agent_session_id, prompt, summary, retry_of)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_process_id) DO UPDATE SET
			agent_session_id = excluded.agent_session_id,
			prompt = excluded.prompt,
			summary = excluded.summary,
			retry_of = excluded.retry_of`,
		t.ExecutionProcessID.String(), nullString(t.AgentSessionID), nullString(t.Prompt), nullString(t.Summary), nullUUID(t.RetryOf),
	)
	return err
}

// AppendExecutionProcessLog persists one JSONL chunk for a process/channel,
// the durable counterpart to a MsgStore's in-memory history (§4.6).
func (s *Store) AppendExecutionProcessLog(processID uuid.UUID, channel model.LogChannel, blob []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO execution_process_logs (execution_process_id, channel, logs, byte_size, inserted_at) VALUES (?, ?, ?, ?, ?)`,
		processID.String(), string(channel), blob, len(blob), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// FetchExecutionProcessLogBlob concatenates every persisted JSONL chunk for
// a process/channel in insertion order, for startup backfill.
func (s *Store) FetchExecutionProcessLogBlob(processID uuid.UUID, channel model.LogChannel) ([]byte, error) {
	rows, err := s.db.Query(
		`SELECT logs FROM execution_process_logs WHERE execution_process_id = ? AND channel = ? ORDER BY inserted_at ASC`,
		processID.String(), string(channel),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var chunk []byte
		if err := rows.Scan(&chunk); err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, rows.Err()
}
