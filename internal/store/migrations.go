package store

// migrations holds the ordered schema steps. The index+1 of each entry is
// its schema version, tracked in PRAGMA user_version. Never edit an applied
// entry; append a new one.
var migrations = []string{
	// v1: initial schema.
	`
CREATE TABLE requests (
	id TEXT PRIMARY KEY,
	description TEXT NOT NULL,
	tier INTEGER CHECK (tier IN (1, 2, 3)),
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'triaging', 'executing_tier1', 'decomposed',
		                  'in_progress', 'integrating', 'completed', 'failed')),
	result TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE TABLE tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL REFERENCES requests(id),
	subject TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	domain TEXT,
	files TEXT,
	priority TEXT NOT NULL DEFAULT 'normal'
		CHECK (priority IN ('urgent', 'high', 'normal', 'low')),
	tier INTEGER NOT NULL DEFAULT 2 CHECK (tier IN (1, 2, 3)),
	depends_on TEXT,
	assigned_to INTEGER,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'ready', 'assigned', 'in_progress',
		                  'completed', 'failed', 'blocked')),
	pr_url TEXT,
	branch TEXT,
	validation TEXT,
	result TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	completed_at INTEGER,
	CHECK ((assigned_to IS NOT NULL) = (status IN ('assigned', 'in_progress')))
);

CREATE INDEX idx_tasks_status ON tasks(status);
CREATE INDEX idx_tasks_request ON tasks(request_id);

CREATE TABLE workers (
	id INTEGER PRIMARY KEY,
	status TEXT NOT NULL DEFAULT 'idle'
		CHECK (status IN ('idle', 'assigned', 'running', 'busy',
		                  'completed_task', 'resetting')),
	domain TEXT,
	worktree TEXT NOT NULL DEFAULT '',
	branch TEXT NOT NULL DEFAULT '',
	session TEXT NOT NULL DEFAULT '',
	window_name TEXT NOT NULL DEFAULT '',
	current_task_id INTEGER,
	claimed_by TEXT,
	claimed_at INTEGER,
	last_heartbeat INTEGER,
	launched_at INTEGER,
	tasks_completed INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);

CREATE TABLE mail (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	recipient TEXT NOT NULL,
	type TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	consumed INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);

CREATE INDEX idx_mail_inbox ON mail(recipient, consumed);

CREATE TABLE merge_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id TEXT NOT NULL REFERENCES requests(id),
	task_id INTEGER NOT NULL REFERENCES tasks(id),
	pr_url TEXT NOT NULL,
	branch TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'ready', 'merging', 'merged', 'conflict', 'failed')),
	priority INTEGER NOT NULL DEFAULT 0,
	error TEXT,
	created_at INTEGER NOT NULL,
	merged_at INTEGER
);

CREATE INDEX idx_merge_status ON merge_queue(status);

CREATE TABLE activity_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL
);

CREATE TABLE config (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`,
}
