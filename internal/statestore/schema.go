package statestore

// schema is the idempotent DDL applied on every Open(). Table and
// uniqueness constraints mirror §3's data model exactly; migrations beyond
// this additive baseline are a collaborator concern (§6).
const schema = `
CREATE TABLE IF NOT EXISTS projects (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	dev_script TEXT,
	dev_script_working_dir TEXT,
	default_agent_working_dir TEXT
);

CREATE TABLE IF NOT EXISTS repos (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS project_repos (
	project_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	setup_script TEXT,
	cleanup_script TEXT,
	copy_files TEXT,
	parallel_setup_script INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (project_id, repo_id)
);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	project_id TEXT NOT NULL,
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL,
	parent_workspace_id TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	task_id TEXT NOT NULL,
	branch TEXT NOT NULL,
	container_ref TEXT,
	agent_working_dir TEXT,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	setup_completed_at TEXT
);

CREATE TABLE IF NOT EXISTS workspace_repos (
	workspace_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	target_branch TEXT NOT NULL,
	PRIMARY KEY (workspace_id, repo_id)
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL,
	executor TEXT,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_processes (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	run_reason TEXT NOT NULL,
	executor_action TEXT NOT NULL,
	status TEXT NOT NULL,
	exit_code INTEGER,
	pid INTEGER,
	working_directory TEXT NOT NULL,
	dropped INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	completed_at TEXT
);

CREATE TABLE IF NOT EXISTS execution_process_repo_states (
	execution_process_id TEXT NOT NULL,
	repo_id TEXT NOT NULL,
	before_head_commit TEXT,
	after_head_commit TEXT,
	merge_commit TEXT,
	PRIMARY KEY (execution_process_id, repo_id)
);

CREATE TABLE IF NOT EXISTS coding_agent_turns (
	execution_process_id TEXT PRIMARY KEY,
	agent_session_id TEXT,
	prompt TEXT,
	summary TEXT,
	retry_of TEXT
);

CREATE TABLE IF NOT EXISTS execution_process_logs (
	execution_process_id TEXT NOT NULL,
	channel TEXT NOT NULL DEFAULT 'raw',
	logs BLOB NOT NULL,
	byte_size INTEGER NOT NULL,
	inserted_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS execution_process_log_entries (
	execution_process_id TEXT NOT NULL,
	channel TEXT NOT NULL,
	entry_index INTEGER NOT NULL,
	entry_json TEXT NOT NULL,
	PRIMARY KEY (execution_process_id, channel, entry_index)
);

CREATE TABLE IF NOT EXISTS drafts (
	session_id TEXT NOT NULL,
	draft_type TEXT NOT NULL,
	prompt TEXT NOT NULL,
	queued INTEGER NOT NULL DEFAULT 0,
	sending INTEGER NOT NULL DEFAULT 0,
	variant TEXT,
	image_ids TEXT,
	version INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (session_id, draft_type)
);

CREATE TABLE IF NOT EXISTS outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	entity_type TEXT NOT NULL,
	entity_uuid TEXT NOT NULL,
	payload_json TEXT NOT NULL,
	created_at TEXT NOT NULL,
	published_at TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_execution_processes_session ON execution_processes(session_id);
CREATE INDEX IF NOT EXISTS idx_execution_processes_status ON execution_processes(status);
CREATE INDEX IF NOT EXISTS idx_workspace_repos_workspace ON workspace_repos(workspace_id);
`
