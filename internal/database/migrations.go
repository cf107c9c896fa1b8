package database

// Migration is a single forward schema step, applied once and recorded in
// the migrations table. There is no down-migration support; rollback is by
// restoring a daily snapshot (see snapshot.go).
type Migration struct {
	Version string
	Up      string
}

var migrations = []Migration{
	{
		Version: "0001_initial_schema",
		Up: `
			CREATE TABLE servers (
				id              TEXT PRIMARY KEY,
				name            TEXT NOT NULL,
				hostname        TEXT NOT NULL,
				port            INTEGER NOT NULL DEFAULT 22,
				ssh_user        TEXT NOT NULL,
				agent_status    TEXT NOT NULL DEFAULT 'disconnected',
				agent_version   TEXT NOT NULL DEFAULT '',
				agent_last_seen DATETIME,
				created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
				updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
			);

			CREATE TABLE jobs (
				id              TEXT PRIMARY KEY,
				server_id       TEXT NOT NULL REFERENCES servers(id) ON DELETE CASCADE,
				name            TEXT NOT NULL,
				remote_paths    TEXT NOT NULL,
				local_path      TEXT NOT NULL UNIQUE,
				cron_expr       TEXT NOT NULL DEFAULT '',
				status          TEXT NOT NULL DEFAULT 'idle',
				enabled         INTEGER NOT NULL DEFAULT 1,
				retention_count INTEGER NOT NULL DEFAULT 7,
				last_run_at     DATETIME,
				created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
				updated_at      DATETIME NOT NULL DEFAULT (datetime('now'))
			);
			CREATE INDEX idx_jobs_server_id ON jobs(server_id);

			CREATE TABLE versions (
				id                TEXT PRIMARY KEY,
				job_id            TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				log_id            TEXT,
				timestamp         TEXT NOT NULL,
				local_path        TEXT NOT NULL,
				status            TEXT NOT NULL DEFAULT 'running',
				bytes_transferred INTEGER NOT NULL DEFAULT 0,
				total_bytes       INTEGER NOT NULL DEFAULT 0,
				files_transferred INTEGER NOT NULL DEFAULT 0,
				created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
				completed_at      DATETIME,
				UNIQUE(job_id, timestamp)
			);
			CREATE INDEX idx_versions_job_id ON versions(job_id);
			CREATE INDEX idx_versions_job_status ON versions(job_id, status);

			CREATE TABLE logs (
				id          TEXT PRIMARY KEY,
				job_id      TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
				started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
				finished_at DATETIME,
				status      TEXT NOT NULL DEFAULT 'running',
				bytes_total INTEGER NOT NULL DEFAULT 0,
				files_total INTEGER NOT NULL DEFAULT 0,
				output      TEXT NOT NULL DEFAULT '',
				error       TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX idx_logs_job_id ON logs(job_id);

			CREATE TABLE settings (
				key   TEXT PRIMARY KEY,
				value TEXT NOT NULL
			);

			CREATE TABLE activity_log (
				timestamp     DATETIME NOT NULL DEFAULT (datetime('now')),
				server_id     TEXT NOT NULL DEFAULT '',
				job_id        TEXT NOT NULL DEFAULT '',
				activity_type TEXT NOT NULL,
				description   TEXT NOT NULL DEFAULT '',
				metadata      TEXT NOT NULL DEFAULT '{}',
				success       INTEGER NOT NULL DEFAULT 1,
				error_message TEXT NOT NULL DEFAULT ''
			);
			CREATE INDEX idx_activity_log_server_id ON activity_log(server_id);
			CREATE INDEX idx_activity_log_timestamp ON activity_log(timestamp);
		`,
	},
	{
		Version: "0002_unchanged_tracking",
		Up: `
			ALTER TABLE versions ADD COLUMN unchanged_files INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE versions ADD COLUMN unchanged_bytes INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE logs ADD COLUMN unchanged_files INTEGER NOT NULL DEFAULT 0;
			ALTER TABLE logs ADD COLUMN unchanged_bytes INTEGER NOT NULL DEFAULT 0;
		`,
	},
}
