package persistence

import "context"

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		kind TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		version INTEGER NOT NULL,
		state TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS artifacts (
		key TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		stage INTEGER NOT NULL,
		producer TEXT NOT NULL,
		content TEXT NOT NULL,
		fingerprint TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);
	CREATE INDEX IF NOT EXISTS idx_artifacts_stage ON artifacts(stage);

	CREATE TABLE IF NOT EXISTS outputs (
		stage INTEGER NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		captured_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (stage, key)
	);

	CREATE TABLE IF NOT EXISTS violations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		severity TEXT NOT NULL,
		stage INTEGER NOT NULL,
		artifact_key TEXT NOT NULL,
		message TEXT NOT NULL,
		resolution TEXT NOT NULL,
		justification TEXT NOT NULL,
		found_at DATETIME NOT NULL,
		resolved_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_violations_stage ON violations(stage);

	CREATE TABLE IF NOT EXISTS history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session TEXT NOT NULL,
		kind TEXT NOT NULL,
		stage INTEGER NOT NULL,
		detail TEXT NOT NULL,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_history_session_timestamp
		ON history(session, timestamp);

	CREATE TABLE IF NOT EXISTS escalations (
		issue_id TEXT PRIMARY KEY,
		stage INTEGER NOT NULL,
		summary TEXT NOT NULL,
		level INTEGER NOT NULL,
		opened_at DATETIME NOT NULL,
		last_activity DATETIME NOT NULL,
		resolved INTEGER NOT NULL DEFAULT 0
	);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
